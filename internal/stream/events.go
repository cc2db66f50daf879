package stream

// Stop reasons carried by ToolEndEvent.
const (
	StopToolUse      = "tool_use"
	StopContentBlock = "content_block_stop"
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	// StopOverloaded is synthesised locally when the provider reports it is
	// out of capacity.
	StopOverloaded = "overloaded"
)

// Event is one decoded provider event. The set of variants is closed: every
// implementation lives in this file.
type Event interface {
	isEvent()
}

// TextEvent carries a human readable text fragment.
type TextEvent struct {
	Content string
}

// ToolStartEvent opens a tool invocation.
type ToolStartEvent struct {
	Name       string
	ProviderID string
}

// ToolInputEvent carries a raw JSON fragment of the open invocation's input.
type ToolInputEvent struct {
	Raw string
}

// ToolEndEvent terminates a content block or the whole message.
type ToolEndEvent struct {
	StopReason string
}

// UnknownEvent wraps anything the decoder does not recognise.
type UnknownEvent struct {
	Raw any
}

func (TextEvent) isEvent()      {}
func (ToolStartEvent) isEvent() {}
func (ToolInputEvent) isEvent() {}
func (ToolEndEvent) isEvent()   {}
func (UnknownEvent) isEvent()   {}
