package stream

import (
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestDecodeWireJSON(t *testing.T) {
	cases := []struct {
		name string
		raw  any
		want Event
	}{
		{"text delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`, TextEvent{Content: "Hello"}},
		{"tool start", []byte(`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup","input":{}}}`), ToolStartEvent{Name: "lookup", ProviderID: "toolu_1"}},
		{"input fragment", json.RawMessage(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`), ToolInputEvent{Raw: `{"q":`}},
		{"block stop", `{"type":"content_block_stop","index":1}`, ToolEndEvent{StopReason: StopContentBlock}},
		{"message delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`, ToolEndEvent{StopReason: StopToolUse}},
		{"map input", map[string]any{"type": "content_block_delta", "delta": map[string]any{"type": "text_delta", "text": "hi"}}, TextEvent{Content: "hi"}},
		{"passthrough", ToolEndEvent{StopReason: StopEndTurn}, ToolEndEvent{StopReason: StopEndTurn}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Decode(tc.raw); got != tc.want {
				t.Fatalf("Decode() = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestDecodeUnknownShapes(t *testing.T) {
	inputs := []any{
		nil,
		42,
		`{"type":"message_start","message":{"id":"msg_1"}}`,
		`{"type":"ping"}`,
		`{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}`,
		`{"type":"message_delta","delta":{"stop_reason":null}}`,
		`{not json`,
		[]byte(`[1,2,3]`),
		`{"type":"content_block_start","content_block":{"type":"tool_use","id":"x"}}`,
	}
	for _, raw := range inputs {
		if _, ok := Decode(raw).(UnknownEvent); !ok {
			t.Fatalf("expected UnknownEvent for %#v, got %#v", raw, Decode(raw))
		}
	}
}

func TestDecodeSDKEvents(t *testing.T) {
	decodeUnion := func(t *testing.T, payload string) anthropic.MessageStreamEventUnion {
		t.Helper()
		var ev anthropic.MessageStreamEventUnion
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("unmarshal sdk event: %v", err)
		}
		return ev
	}

	start := decodeUnion(t, `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_9","name":"wallet_balance","input":{}}}`)
	if got := Decode(start); got != (ToolStartEvent{Name: "wallet_balance", ProviderID: "toolu_9"}) {
		t.Fatalf("unexpected start event: %#v", got)
	}

	text := decodeUnion(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"gm"}}`)
	if got := Decode(&text); got != (TextEvent{Content: "gm"}) {
		t.Fatalf("unexpected text event: %#v", got)
	}

	fragment := decodeUnion(t, `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"a\":1}"}}`)
	if got := Decode(fragment); got != (ToolInputEvent{Raw: `{"a":1}`}) {
		t.Fatalf("unexpected fragment event: %#v", got)
	}

	stop := decodeUnion(t, `{"type":"content_block_stop","index":0}`)
	if got := Decode(stop); got != (ToolEndEvent{StopReason: StopContentBlock}) {
		t.Fatalf("unexpected stop event: %#v", got)
	}

	delta := decodeUnion(t, `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":3}}`)
	if got := Decode(delta); got != (ToolEndEvent{StopReason: StopEndTurn}) {
		t.Fatalf("unexpected message delta event: %#v", got)
	}

	ping := decodeUnion(t, `{"type":"message_stop"}`)
	if _, ok := Decode(ping).(UnknownEvent); !ok {
		t.Fatalf("message_stop should decode as unknown")
	}
}
