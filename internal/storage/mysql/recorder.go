package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/conversation"
	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
)

const defaultSaveAttempts = 3

// Recorder 将对话消息持久化到 conversation_messages 表。
type Recorder struct {
	db       *DB
	attempts int
	now      func() time.Time
}

// RecorderOption 自定义 Recorder。
type RecorderOption func(*Recorder)

// WithSaveAttempts 设置序号冲突时的最大尝试次数。
func WithSaveAttempts(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithRecorderClock 替换时间来源，主要用于测试。
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder 基于已打开的连接池创建 Recorder。
func NewRecorder(db *DB, opts ...RecorderOption) *Recorder {
	r := &Recorder{db: db, attempts: defaultSaveAttempts, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// OpenRecorder 打开数据库并返回 Recorder，调用方负责 Close。
func OpenRecorder(ctx context.Context, cfg Config, opts ...RecorderOption) (*Recorder, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewRecorder(db, opts...), nil
}

// DB 返回底层连接池，供任务存储共享。
func (r *Recorder) DB() *DB {
	return r.db
}

// Close 关闭底层连接池。
func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Save 分配实体内单调递增的序号并写入消息。并发写入导致的唯一键冲突会重试。
func (r *Recorder) Save(ctx context.Context, msg *conversation.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := conversation.EncodePayload(msg.Payload)
	if err != nil {
		return xerrors.Wrap(conversation.CodePersistence, err, "编码消息内容失败")
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := time.UnixMilli(r.now().UnixMilli()).UTC()

	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		seq, err := r.insert(ctx, id, msg, payload, createdAt)
		if err == nil {
			msg.ID = id
			msg.Sequence = seq
			msg.CreatedAt = createdAt
			return nil
		}
		lastErr = err
		if !IsRetryableConflict(err) || ctx.Err() != nil {
			break
		}
	}
	return xerrors.Wrap(conversation.CodePersistence, lastErr, "保存对话消息失败",
		xerrors.WithMetadata("entity_id", msg.EntityID))
}

func (r *Recorder) insert(ctx context.Context, id string, msg *conversation.Message, payload []byte, createdAt time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("开启事务失败: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM conversation_messages WHERE entity_id = ?`, msg.EntityID).Scan(&seq); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("查询消息序号失败: %w", err)
	}
	seq++

	_, err = tx.ExecContext(ctx, `INSERT INTO conversation_messages (id, entity_id, chat_id, role, sequence, kind, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, msg.EntityID, msg.ChatID, string(msg.Role), seq, string(msg.Payload.Kind), string(payload), createdAt.UnixMilli())
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("提交事务失败: %w", err)
	}
	return seq, nil
}

// List 返回实体最近的 limit 条消息，按序号升序排列。chatID 为空时不过滤会话。
func (r *Recorder) List(ctx context.Context, entityID, chatID string, limit int) ([]conversation.Message, error) {
	query := `SELECT id, entity_id, chat_id, role, sequence, payload, created_at FROM conversation_messages WHERE entity_id = ?`
	args := []any{entityID}
	if chatID != "" {
		query += ` AND chat_id = ?`
		args = append(args, chatID)
	}
	query += ` ORDER BY sequence DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询对话历史失败")
	}
	defer rows.Close()

	var messages []conversation.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历对话历史失败")
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func scanMessage(rows *sql.Rows) (conversation.Message, error) {
	var (
		msg       conversation.Message
		role      string
		payload   []byte
		createdAt int64
	)
	if err := rows.Scan(&msg.ID, &msg.EntityID, &msg.ChatID, &role, &msg.Sequence, &payload, &createdAt); err != nil {
		return msg, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析对话消息失败")
	}
	decoded, err := conversation.DecodePayload(payload)
	if err != nil {
		return msg, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析消息内容失败")
	}
	msg.Role = conversation.Role(role)
	msg.Payload = decoded
	msg.CreatedAt = time.UnixMilli(createdAt).UTC()
	return msg, nil
}

var _ conversation.Store = (*Recorder)(nil)
