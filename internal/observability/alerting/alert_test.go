package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
)

type stubNotifier struct {
	channel Channel
	err     error
	events  []Event
}

func (s *stubNotifier) Channel() Channel { return s.channel }

func (s *stubNotifier) Notify(_ context.Context, event Event) error {
	s.events = append(s.events, event)
	return s.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	ok := &stubNotifier{channel: ChannelLog}
	broken := &stubNotifier{channel: ChannelWebhook, err: errors.New("down")}
	d := NewFanout(ok, nil, broken)

	err := d.Notify(context.Background(), Event{Code: "TASK_RETRIES_EXHAUSTED", TaskID: "t1"})
	if err == nil {
		t.Fatalf("expected joined error from broken notifier")
	}
	if len(ok.events) != 1 || len(broken.events) != 1 {
		t.Fatalf("event not delivered to all notifiers")
	}
	if ok.events[0].OccurredAt.IsZero() {
		t.Fatalf("occurred_at should be filled")
	}

	var nilDispatcher *FanoutDispatcher
	if err := nilDispatcher.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
}

func TestWebhookNotifierPostsJSONAndThrottles(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil || ev.TaskID != "t1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(srv.URL, 1, srv.Client())
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	ev := Event{Code: "TASK_RETRIES_EXHAUSTED", TaskID: "t1", Severity: xerrors.SeverityCritical}
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("throttled notify should not fail: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one delivery, got %d", hits.Load())
	}

	if _, err := NewWebhookNotifier("", 0, nil); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestWebhookNotifierReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n, _ := NewWebhookNotifier(srv.URL, 0, nil)
	if err := n.Notify(context.Background(), Event{TaskID: "t1"}); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}
