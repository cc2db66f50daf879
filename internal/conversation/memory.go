package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRecorder 是基于内存的 Store 实现，适合开发与测试环境。
type MemoryRecorder struct {
	mu       sync.RWMutex
	now      func() time.Time
	sequence map[string]int64
	messages []Message
}

// NewMemoryRecorder 创建内存存储。
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		now:      time.Now,
		sequence: make(map[string]int64),
	}
}

// Save 为消息分配序号并保存副本，同时回写 ID、Sequence 与 CreatedAt。
func (r *MemoryRecorder) Save(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sequence[msg.EntityID]++
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Sequence = r.sequence[msg.EntityID]
	msg.CreatedAt = r.now().UTC()
	r.messages = append(r.messages, *msg)
	return nil
}

// List 返回最近的 limit 条消息。
func (r *MemoryRecorder) List(ctx context.Context, entityID, chatID string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]Message, 0)
	for _, msg := range r.messages {
		if msg.EntityID != entityID {
			continue
		}
		if chatID != "" && msg.ChatID != chatID {
			continue
		}
		matched = append(matched, msg)
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// Messages 返回所有已保存消息的快照。
func (r *MemoryRecorder) Messages() []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}
