package stream

import (
	"fmt"
	"testing"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
)

func newTestAccumulator() *Accumulator {
	n := 0
	acc := NewAccumulator()
	acc.newID = func() string {
		n++
		return fmt.Sprintf("corr-%d", n)
	}
	return acc
}

func TestAccumulatorLifecycle(t *testing.T) {
	acc := newTestAccumulator()
	if acc.State() != StateIdle {
		t.Fatalf("expected idle, got %s", acc.State())
	}

	acc.Start("lookup", "t1")
	if acc.State() != StateOpen {
		t.Fatalf("expected open, got %s", acc.State())
	}
	acc.Append(`{"q":`)
	acc.Append(`"x"}`)
	if acc.State() != StateAccumulating {
		t.Fatalf("expected accumulating, got %s", acc.State())
	}

	inv, err := acc.Close(StopToolUse)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if inv.Name != "lookup" || inv.ProviderID != "t1" || inv.CorrelationID != "corr-1" {
		t.Fatalf("unexpected invocation: %+v", inv)
	}
	if inv.Input["q"] != "x" {
		t.Fatalf("unexpected input: %+v", inv.Input)
	}
	if acc.State() != StateIdle || acc.Current() != nil {
		t.Fatalf("accumulator should be idle after close")
	}
}

func TestAccumulatorEmptyInputIsEmptyObject(t *testing.T) {
	acc := newTestAccumulator()
	acc.Start("chain_snapshot", "")
	inv, err := acc.Close(StopContentBlock)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if inv.Input == nil || len(inv.Input) != 0 {
		t.Fatalf("expected empty object, got %#v", inv.Input)
	}
}

func TestAccumulatorInvalidJSON(t *testing.T) {
	acc := newTestAccumulator()
	acc.Start("lookup", "t1")
	acc.Append(`{"q":`)

	inv, err := acc.Close(StopToolUse)
	if inv != nil {
		t.Fatalf("expected no invocation, got %+v", inv)
	}
	if !xerrors.HasCode(err, CodeToolParse) {
		t.Fatalf("expected tool parse error, got %v", err)
	}
	if acc.State() != StateIdle {
		t.Fatalf("accumulator should return to idle after parse failure")
	}
}

func TestAccumulatorRejectsNonObjectInput(t *testing.T) {
	acc := newTestAccumulator()
	acc.Start("lookup", "t1")
	acc.Append(`["x"]`)
	if _, err := acc.Close(StopToolUse); !xerrors.HasCode(err, CodeToolParse) {
		t.Fatalf("expected parse error for array input, got %v", err)
	}
}

func TestAccumulatorStartWhileOpenDiscardsPrevious(t *testing.T) {
	acc := newTestAccumulator()
	acc.Start("first", "t1")
	acc.Append(`{"a":`)

	discarded := acc.Start("second", "t2")
	if discarded == nil || discarded.Name != "first" || discarded.RawInput != `{"a":` {
		t.Fatalf("unexpected discarded invocation: %+v", discarded)
	}
	if acc.Current().Name != "second" || acc.Current().CorrelationID != "corr-2" {
		t.Fatalf("unexpected current invocation: %+v", acc.Current())
	}

	acc.Append(`{}`)
	inv, err := acc.Close(StopToolUse)
	if err != nil || inv.Name != "second" {
		t.Fatalf("expected second invocation, got %+v %v", inv, err)
	}
}

func TestAccumulatorNonClosingReasonAbandons(t *testing.T) {
	acc := newTestAccumulator()
	acc.Start("lookup", "t1")
	acc.Append(`{"q":"trunc`)

	inv, err := acc.Close(StopMaxTokens)
	if inv != nil || err != nil {
		t.Fatalf("expected silent abandon, got %+v %v", inv, err)
	}
	if acc.State() != StateIdle {
		t.Fatalf("expected idle after abandon")
	}
}

func TestAccumulatorIdleIgnoresInput(t *testing.T) {
	acc := newTestAccumulator()
	if acc.Append(`{"x":1}`) {
		t.Fatalf("append while idle should be ignored")
	}
	if inv, err := acc.Close(StopToolUse); inv != nil || err != nil {
		t.Fatalf("close while idle should be a no-op")
	}
	if acc.Abandon() != nil {
		t.Fatalf("abandon while idle should return nil")
	}
}
