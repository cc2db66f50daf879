package stream

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
)

// wireEvent mirrors the provider's server-sent event payloads.
type wireEvent struct {
	Type         string `json:"type"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
		Text string `json:"text"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
}

// Decode classifies one raw provider event. It never fails: shapes it does
// not understand come back as UnknownEvent.
func Decode(raw any) Event {
	switch v := raw.(type) {
	case nil:
		return UnknownEvent{}
	case Event:
		return v
	case anthropic.MessageStreamEventUnion:
		return decodeSDK(v)
	case *anthropic.MessageStreamEventUnion:
		if v == nil {
			return UnknownEvent{}
		}
		return decodeSDK(*v)
	case []byte:
		return decodeJSON(v, raw)
	case json.RawMessage:
		return decodeJSON(v, raw)
	case string:
		return decodeJSON([]byte(v), raw)
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return UnknownEvent{Raw: raw}
		}
		return decodeJSON(data, raw)
	default:
		return UnknownEvent{Raw: raw}
	}
}

func decodeSDK(ev anthropic.MessageStreamEventUnion) Event {
	switch variant := ev.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		switch block := variant.ContentBlock.AsAny().(type) {
		case anthropic.ToolUseBlock:
			return ToolStartEvent{Name: block.Name, ProviderID: block.ID}
		case anthropic.TextBlock:
			if block.Text != "" {
				return TextEvent{Content: block.Text}
			}
		}
	case anthropic.ContentBlockDeltaEvent:
		switch delta := variant.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return TextEvent{Content: delta.Text}
		case anthropic.InputJSONDelta:
			return ToolInputEvent{Raw: delta.PartialJSON}
		}
	case anthropic.ContentBlockStopEvent:
		return ToolEndEvent{StopReason: StopContentBlock}
	case anthropic.MessageDeltaEvent:
		if variant.Delta.StopReason != "" {
			return ToolEndEvent{StopReason: string(variant.Delta.StopReason)}
		}
	}
	return UnknownEvent{Raw: ev}
}

func decodeJSON(data []byte, raw any) Event {
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return UnknownEvent{Raw: raw}
	}

	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock == nil {
			break
		}
		switch ev.ContentBlock.Type {
		case "tool_use":
			if ev.ContentBlock.Name == "" {
				break
			}
			return ToolStartEvent{Name: ev.ContentBlock.Name, ProviderID: ev.ContentBlock.ID}
		case "text":
			if ev.ContentBlock.Text != "" {
				return TextEvent{Content: ev.ContentBlock.Text}
			}
		}
	case "content_block_delta":
		if ev.Delta == nil {
			break
		}
		switch ev.Delta.Type {
		case "text_delta":
			return TextEvent{Content: ev.Delta.Text}
		case "input_json_delta":
			return ToolInputEvent{Raw: ev.Delta.PartialJSON}
		}
	case "content_block_stop":
		return ToolEndEvent{StopReason: StopContentBlock}
	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			return ToolEndEvent{StopReason: ev.Delta.StopReason}
		}
	}
	return UnknownEvent{Raw: raw}
}
