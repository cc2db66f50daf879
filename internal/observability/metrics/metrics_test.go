package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserversUpdateCollectors(t *testing.T) {
	m := New(false)

	m.FrameWritten("text")
	m.FrameWritten("text")
	m.ToolExecuted("wallet_balance", true, 20*time.Millisecond)
	m.ToolExecuted("wallet_balance", false, time.Millisecond)
	m.TurnFinished("done")
	m.ChunkDropped()
	m.RecordSealed()
	m.TaskProcessed("succeeded", time.Second)
	m.RateLimited("chat")
	m.ObserveHTTPRequest("chat", "POST", 200, 50*time.Millisecond)

	if got := testutil.ToFloat64(m.frames.WithLabelValues("text")); got != 2 {
		t.Fatalf("frames=%v", got)
	}
	if got := testutil.ToFloat64(m.toolCalls.WithLabelValues("wallet_balance", "false")); got != 1 {
		t.Fatalf("failed tool calls=%v", got)
	}
	if got := testutil.ToFloat64(m.turns.WithLabelValues("done")); got != 1 {
		t.Fatalf("turns=%v", got)
	}
	if testutil.ToFloat64(m.liveDropped) != 1 || testutil.ToFloat64(m.liveSealed) != 1 {
		t.Fatalf("live-sync counters not updated")
	}
	if got := testutil.ToFloat64(m.tasks.WithLabelValues("succeeded")); got != 1 {
		t.Fatalf("tasks=%v", got)
	}
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("chat", "POST", "200")); got != 1 {
		t.Fatalf("http requests=%v", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(false)
	m.TurnFinished("overloaded")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `bazaar_stream_turns_total{outcome="overloaded"} 1`) {
		t.Fatalf("missing turn metric in output:\n%s", body)
	}
}
