package anthropic

import (
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/conversation"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/llm"
)

// BuildTools 把工具定义转换为 SDK 参数。
func BuildTools(defs []llm.ToolDefinition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		var required []string
		switch v := def.InputSchema["required"].(type) {
		case []string:
			required = v
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					required = append(required, s)
				}
			}
		}
		param := sdk.ToolParam{
			Name:        name,
			Description: sdk.String(strings.TrimSpace(def.Description)),
			InputSchema: sdk.ToolInputSchemaParam{
				Properties: def.InputSchema["properties"],
				Required:   required,
			},
		}
		out = append(out, sdk.ToolUnionParam{OfTool: &param})
	}
	return out
}

// BuildMessages 将对话历史转换为 Messages API 的消息列表。
//
// 工具调用与工具结果按关联 ID 配对，缺少配对的一方会被省略，因为 API
// 要求每个 tool_use 之后紧跟对应的 tool_result。相邻同角色的消息会合并。
// 历史从第一条用户文本开始，之前的助手消息及其工具结果一并丢弃。
func BuildMessages(history []conversation.Message) []sdk.MessageParam {
	history = history[firstUserText(history):]
	calls := make(map[string]string)
	results := make(map[string]bool)
	for _, msg := range history {
		switch msg.Payload.Kind {
		case conversation.KindToolCall:
			if call := msg.Payload.ToolCall; call != nil {
				calls[call.CorrelationID] = providerID(call)
			}
		case conversation.KindToolResult:
			if res := msg.Payload.ToolResult; res != nil {
				results[res.CorrelationID] = true
			}
		}
	}

	var (
		out     []sdk.MessageParam
		role    string
		pending []sdk.ContentBlockParamUnion
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if role == "assistant" {
			out = append(out, sdk.NewAssistantMessage(pending...))
		} else {
			out = append(out, sdk.NewUserMessage(pending...))
		}
		pending = nil
	}
	push := func(r string, block sdk.ContentBlockParamUnion) {
		if r != role {
			flush()
			role = r
		}
		pending = append(pending, block)
	}

	for _, msg := range history {
		switch msg.Payload.Kind {
		case conversation.KindText:
			text := strings.TrimSpace(msg.Payload.Text)
			if text == "" {
				continue
			}
			if msg.Role == conversation.RoleAssistant {
				push("assistant", sdk.NewTextBlock(text))
			} else {
				push("user", sdk.NewTextBlock(text))
			}
		case conversation.KindToolCall:
			call := msg.Payload.ToolCall
			if call == nil || !results[call.CorrelationID] {
				continue
			}
			input := call.Input
			if input == nil {
				input = map[string]any{}
			}
			push("assistant", sdk.NewToolUseBlock(providerID(call), input, call.Name))
		case conversation.KindToolResult:
			res := msg.Payload.ToolResult
			if res == nil {
				continue
			}
			id, ok := calls[res.CorrelationID]
			if !ok {
				continue
			}
			push("user", sdk.NewToolResultBlock(id, resultContent(res), !res.Success))
		}
	}
	flush()

	if len(out) == 0 {
		out = append(out, sdk.NewUserMessage(sdk.NewTextBlock("Continue.")))
	}
	return out
}

// firstUserText 返回第一条非空用户文本的下标，不存在时返回 len(history)。
func firstUserText(history []conversation.Message) int {
	for i, msg := range history {
		if msg.Role == conversation.RoleUser && msg.Payload.Kind == conversation.KindText &&
			strings.TrimSpace(msg.Payload.Text) != "" {
			return i
		}
	}
	return len(history)
}

func providerID(call *conversation.ToolCall) string {
	if id := strings.TrimSpace(call.ProviderID); id != "" {
		return id
	}
	return call.CorrelationID
}

func resultContent(res *conversation.ToolResult) string {
	if !res.Success {
		if res.Error != "" {
			return res.Error
		}
		return "tool failed"
	}
	if res.Data == nil {
		return "{}"
	}
	if s, ok := res.Data.(string); ok {
		return s
	}
	data, err := json.Marshal(res.Data)
	if err != nil {
		return "{}"
	}
	return string(data)
}
