package llm

import (
	"context"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/conversation"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/stream"
)

// ToolDefinition 描述暴露给大模型的工具。InputSchema 为 JSON Schema 对象。
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request 描述一次流式推理请求。Messages 按 Sequence 升序排列。
type Request struct {
	Model     string
	System    string
	Messages  []conversation.Message
	Tools     []ToolDefinition
	MaxTokens int64
}

// Client 定义了调用大模型的统一接口。返回的事件源由调用方关闭。
type Client interface {
	Stream(ctx context.Context, req Request) (stream.Source, error)
}

// Func 让普通函数满足 Client 接口，便于测试替换。
type Func func(ctx context.Context, req Request) (stream.Source, error)

// Stream implements Client.
func (f Func) Stream(ctx context.Context, req Request) (stream.Source, error) {
	return f(ctx, req)
}
