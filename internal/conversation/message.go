package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
)

// CodePersistence 表示对话记录写入失败，对当前轮次是致命的。
const CodePersistence xerrors.Code = "PERSISTENCE_FAILURE"

func init() {
	xerrors.Register(CodePersistence, xerrors.Attributes{
		Message:   "对话记录写入失败",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Fatal:     true,
	})
}

// Role 描述消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Kind 区分消息载荷类型。
type Kind string

const (
	KindText       Kind = "text"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
)

// ToolCall 记录助手发起的一次工具调用。CorrelationID 由本地生成，
// 用于与对应的 ToolResult 配对。
type ToolCall struct {
	CorrelationID string         `json:"correlation_id"`
	ProviderID    string         `json:"provider_id,omitempty"`
	Name          string         `json:"name"`
	Input         map[string]any `json:"input"`
}

// ToolResult 记录一次工具调用的结果，失败同样会被记录。
type ToolResult struct {
	CorrelationID string `json:"correlation_id"`
	Name          string `json:"name"`
	Success       bool   `json:"success"`
	Data          any    `json:"data,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Payload 是带类型标记的消息内容。
type Payload struct {
	Kind       Kind        `json:"kind"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TextPayload 构造文本载荷。
func TextPayload(text string) Payload {
	return Payload{Kind: KindText, Text: text}
}

// ToolCallPayload 构造工具调用载荷。
func ToolCallPayload(call ToolCall) Payload {
	return Payload{Kind: KindToolCall, ToolCall: &call}
}

// ToolResultPayload 构造工具结果载荷。
func ToolResultPayload(result ToolResult) Payload {
	return Payload{Kind: KindToolResult, ToolResult: &result}
}

// Validate 校验载荷与类型标记是否一致。
func (p Payload) Validate() error {
	switch p.Kind {
	case KindText:
		if p.ToolCall != nil || p.ToolResult != nil {
			return fmt.Errorf("文本消息不能携带工具字段")
		}
	case KindToolCall:
		if p.ToolCall == nil || p.ToolCall.CorrelationID == "" || p.ToolCall.Name == "" {
			return fmt.Errorf("工具调用消息缺少 correlation_id 或 name")
		}
	case KindToolResult:
		if p.ToolResult == nil || p.ToolResult.CorrelationID == "" {
			return fmt.Errorf("工具结果消息缺少 correlation_id")
		}
	default:
		return fmt.Errorf("未知的消息类型: %q", p.Kind)
	}
	return nil
}

// EncodePayload 将载荷编码为 JSON，供存储层使用。
func EncodePayload(p Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// DecodePayload 解析存储层中的 JSON 载荷。
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("解析消息载荷失败: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// Message 是对话中的一条不可变记录。Sequence 与 CreatedAt 由 Recorder 赋值。
type Message struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id"`
	ChatID    string    `json:"chat_id"`
	Role      Role      `json:"role"`
	Sequence  int64     `json:"sequence"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate 检查写入前必须具备的字段。
func (m *Message) Validate() error {
	if m == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息不能为空")
	}
	if strings.TrimSpace(m.EntityID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "entity_id 不能为空")
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleTool:
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的消息角色: %q", m.Role))
	}
	if err := m.Payload.Validate(); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "消息载荷不合法")
	}
	return nil
}

// Recorder 负责按实体有序地持久化消息。
type Recorder interface {
	Save(ctx context.Context, msg *Message) error
}

// History 提供按实体与会话读取历史消息的能力。
type History interface {
	// List 返回最近的 limit 条消息，按 Sequence 升序排列。chatID 为空时
	// 返回该实体的全部会话。
	List(ctx context.Context, entityID, chatID string, limit int) ([]Message, error)
}

// Store 同时具备写入与读取能力。
type Store interface {
	Recorder
	History
}
