package stream

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"testing"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
)

type failingWriter struct {
	writes int
	failAt int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes >= w.failAt {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func TestMultiplexerFrameFormats(t *testing.T) {
	var buf bytes.Buffer
	mux := NewMultiplexer(&buf, nil)

	if err := mux.Text("Hello \"world\"\n"); err != nil {
		t.Fatalf("text: %v", err)
	}
	if err := mux.ToolCall(ToolCallFrame{ID: "c1", Name: "lookup", Input: map[string]any{"q": "x"}}); err != nil {
		t.Fatalf("tool call: %v", err)
	}
	if err := mux.ToolResult(ToolResultFrame{ID: "c1", Name: "lookup", Success: false, Error: "boom"}); err != nil {
		t.Fatalf("tool result: %v", err)
	}
	if err := mux.Done(); err != nil {
		t.Fatalf("done: %v", err)
	}

	want := "0:\"Hello \\\"world\\\"\\n\"\n\n" +
		`2:{"tool_call":{"id":"c1","name":"lookup","input":{"q":"x"}}}` + "\n\n" +
		`2:{"tool_result":{"id":"c1","name":"lookup","success":false,"error":"boom"}}` + "\n\n" +
		`data: {"type":"done"}` + "\n\n"
	if buf.String() != want {
		t.Fatalf("unexpected frames:\n%q\nwant\n%q", buf.String(), want)
	}
}

func TestMultiplexerSingleTerminalFrame(t *testing.T) {
	var buf bytes.Buffer
	mux := NewMultiplexer(&buf, nil)
	if err := mux.Error("failed to record conversation"); err != nil {
		t.Fatalf("error frame: %v", err)
	}
	_ = mux.Done()
	_ = mux.Error("again")

	want := `data: {"type":"error","data":"failed to record conversation"}` + "\n\n"
	if buf.String() != want {
		t.Fatalf("unexpected output %q", buf.String())
	}
	if !mux.Terminated() {
		t.Fatalf("expected terminated multiplexer")
	}
}

func TestMultiplexerLatchesBrokenTransport(t *testing.T) {
	w := &failingWriter{failAt: 2}
	mux := NewMultiplexer(w, nil)

	if err := mux.Text("a"); err != nil {
		t.Fatalf("first write should succeed: %v", err)
	}
	err := mux.Text("b")
	if !xerrors.HasCode(err, CodeTransportWrite) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !mux.Broken() {
		t.Fatalf("multiplexer should be broken")
	}
	if err := mux.Done(); !xerrors.HasCode(err, CodeTransportWrite) {
		t.Fatalf("later writes should return the latched error, got %v", err)
	}
	if w.writes != 2 {
		t.Fatalf("no writes should reach a broken transport, got %d", w.writes)
	}
}

func TestMultiplexerFlushesHTTPResponses(t *testing.T) {
	rec := httptest.NewRecorder()
	mux := NewMultiplexer(rec, nil)
	if err := mux.Text("hi"); err != nil {
		t.Fatalf("text: %v", err)
	}
	if !rec.Flushed {
		t.Fatalf("expected response to be flushed")
	}
}
