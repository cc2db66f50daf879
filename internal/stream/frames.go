package stream

import (
	"encoding/json"
	"io"
	"net/http"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
)

// Frame kinds reported to the Observer.
const (
	FrameText       = "text"
	FrameToolCall   = "tool_call"
	FrameToolResult = "tool_result"
	FrameDone       = "done"
	FrameError      = "error"
)

// ToolCallFrame is the advisory payload announcing a tool call.
type ToolCallFrame struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResultFrame is the advisory payload announcing a tool result.
type ToolResultFrame struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type terminalFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// Multiplexer writes client frames in observation order. The first write
// failure latches it as broken; later writes are skipped and return the same
// error. Only one terminal frame is ever written.
type Multiplexer struct {
	w          io.Writer
	flusher    http.Flusher
	observer   Observer
	broken     error
	terminated bool
}

// NewMultiplexer wraps w. When w is an http.Flusher every frame is flushed.
func NewMultiplexer(w io.Writer, observer Observer) *Multiplexer {
	if observer == nil {
		observer = nopObserver{}
	}
	m := &Multiplexer{w: w, observer: observer}
	if f, ok := w.(http.Flusher); ok {
		m.flusher = f
	}
	return m
}

// Text writes `0:<json string>`.
func (m *Multiplexer) Text(content string) error {
	encoded, err := json.Marshal(content)
	if err != nil {
		return xerrors.Wrap(CodeTransportWrite, err, "编码文本帧失败")
	}
	return m.write(FrameText, "0:", encoded)
}

// ToolCall writes `2:{"tool_call":...}`.
func (m *Multiplexer) ToolCall(frame ToolCallFrame) error {
	if frame.Input == nil {
		frame.Input = map[string]any{}
	}
	encoded, err := json.Marshal(map[string]ToolCallFrame{"tool_call": frame})
	if err != nil {
		return xerrors.Wrap(CodeTransportWrite, err, "编码工具调用帧失败")
	}
	return m.write(FrameToolCall, "2:", encoded)
}

// ToolResult writes `2:{"tool_result":...}`.
func (m *Multiplexer) ToolResult(frame ToolResultFrame) error {
	encoded, err := json.Marshal(map[string]ToolResultFrame{"tool_result": frame})
	if err != nil {
		// 工具返回的数据无法编码时仍然发送结果帧，只保留成功标记。
		frame.Data = nil
		encoded, _ = json.Marshal(map[string]ToolResultFrame{"tool_result": frame})
	}
	return m.write(FrameToolResult, "2:", encoded)
}

// Done writes the terminal success frame.
func (m *Multiplexer) Done() error {
	return m.terminal(FrameDone, terminalFrame{Type: "done"})
}

// Error writes the terminal error frame.
func (m *Multiplexer) Error(message string) error {
	return m.terminal(FrameError, terminalFrame{Type: "error", Data: message})
}

// Broken reports whether a write has failed.
func (m *Multiplexer) Broken() bool {
	return m.broken != nil
}

// Terminated reports whether a terminal frame has been written.
func (m *Multiplexer) Terminated() bool {
	return m.terminated
}

func (m *Multiplexer) terminal(kind string, frame terminalFrame) error {
	if m.terminated {
		return nil
	}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return xerrors.Wrap(CodeTransportWrite, err, "编码终止帧失败")
	}
	m.terminated = true
	return m.write(kind, "data: ", encoded)
}

func (m *Multiplexer) write(kind, prefix string, body []byte) error {
	if m.broken != nil {
		return m.broken
	}
	frame := make([]byte, 0, len(prefix)+len(body)+2)
	frame = append(frame, prefix...)
	frame = append(frame, body...)
	frame = append(frame, '\n', '\n')

	n, err := m.w.Write(frame)
	if err == nil && n < len(frame) {
		err = io.ErrShortWrite
	}
	if err != nil {
		m.broken = xerrors.Wrap(CodeTransportWrite, err, "", xerrors.WithMetadata("frame", kind))
		return m.broken
	}
	if m.flusher != nil {
		m.flusher.Flush()
	}
	m.observer.FrameWritten(kind)
	return nil
}
