package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
)

// State 表示累加器所处的状态。
type State int

const (
	StateIdle State = iota
	StateOpen
	StateAccumulating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateAccumulating:
		return "accumulating"
	default:
		return "unknown"
	}
}

// ToolInvocation 是一次正在组装或已组装完成的工具调用。
type ToolInvocation struct {
	Name          string
	ProviderID    string
	CorrelationID string
	RawInput      string
	Input         map[string]any
}

// Accumulator 跟踪至多一个进行中的工具调用，直到收到终止事件。
// 每个轮次独占一个 Accumulator，不可并发使用。
type Accumulator struct {
	state   State
	current *ToolInvocation
	buf     strings.Builder
	newID   func() string
}

// NewAccumulator 创建一个空闲状态的累加器。
func NewAccumulator() *Accumulator {
	return &Accumulator{newID: uuid.NewString}
}

// State 返回当前状态。
func (a *Accumulator) State() State {
	return a.state
}

// Current 返回进行中的调用，空闲时为 nil。
func (a *Accumulator) Current() *ToolInvocation {
	return a.current
}

// Start 开启新的调用并生成本地 correlation id。若已有调用未结束，
// 旧调用被丢弃并返回给调用方用于记录协议违规。
func (a *Accumulator) Start(name, providerID string) (discarded *ToolInvocation) {
	if a.state != StateIdle {
		discarded = a.reset()
	}
	a.current = &ToolInvocation{
		Name:          name,
		ProviderID:    providerID,
		CorrelationID: a.newID(),
	}
	a.buf.Reset()
	a.state = StateOpen
	return discarded
}

// Append 追加参数片段，空闲状态下忽略并返回 false。
func (a *Accumulator) Append(fragment string) bool {
	if a.state == StateIdle {
		return false
	}
	a.buf.WriteString(fragment)
	a.state = StateAccumulating
	return true
}

// IsClosingReason 判断停止原因是否会结束当前工具调用。
func IsClosingReason(stopReason string) bool {
	return stopReason == StopToolUse || stopReason == StopContentBlock
}

// Close 处理终止事件。空闲时返回 (nil, nil)；停止原因不是 tool_use 或
// content_block_stop 时放弃当前调用并返回 (nil, nil)；参数不是合法 JSON
// 对象时返回 CodeToolParse 错误。无论结果如何，累加器都回到空闲状态。
func (a *Accumulator) Close(stopReason string) (*ToolInvocation, error) {
	if a.state == StateIdle {
		return nil, nil
	}
	if !IsClosingReason(stopReason) {
		a.reset()
		return nil, nil
	}

	inv := a.reset()
	input, err := parseInput(inv.RawInput)
	if err != nil {
		return nil, xerrors.Wrap(CodeToolParse, err, "工具参数不是合法的 JSON 对象",
			xerrors.WithMetadata("tool", inv.Name),
			xerrors.WithMetadata("correlation_id", inv.CorrelationID))
	}
	inv.Input = input
	return inv, nil
}

// Abandon 丢弃进行中的调用，用于流结束、出错或取消。
func (a *Accumulator) Abandon() *ToolInvocation {
	if a.state == StateIdle {
		return nil
	}
	return a.reset()
}

func (a *Accumulator) reset() *ToolInvocation {
	inv := a.current
	if inv != nil {
		inv.RawInput = a.buf.String()
	}
	a.current = nil
	a.buf.Reset()
	a.state = StateIdle
	return inv
}

// parseInput 解析参数；空参数视为空对象。
func parseInput(raw string) (map[string]any, error) {
	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal(trimmed, &input); err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}
