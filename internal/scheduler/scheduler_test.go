package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/task"
)

type recordingSubmitter struct {
	mu       sync.Mutex
	requests []task.Request
}

func (r *recordingSubmitter) Submit(_ context.Context, req task.Request) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return &task.Task{ID: req.ID, EntityID: req.EntityID, Prompt: req.Prompt, Source: req.Source, Status: task.StatusPending}, nil
}

func TestParseSchedule(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.Local)

	cases := []struct {
		spec string
		next time.Time
	}{
		{spec: "*/15 * * * *", next: base.Add(15 * time.Minute)},
		{spec: "@hourly", next: base.Add(time.Hour)},
		{spec: "30m", next: base.Add(30 * time.Minute)},
	}
	for _, tc := range cases {
		sched, err := ParseSchedule(tc.spec)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.spec, err)
		}
		if got := sched.Next(base); !got.Equal(tc.next) {
			t.Fatalf("%q: next=%v want %v", tc.spec, got, tc.next)
		}
	}

	for _, bad := range []string{"", "every day", "-5m"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSchedulerAddAndTrigger(t *testing.T) {
	sub := &recordingSubmitter{}
	fixed := time.Unix(1760000000, 0)
	s, err := New(sub, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	job := Job{Name: "daily-report", Spec: "0 9 * * *", EntityID: "alice", ChatID: "ops", Prompt: "summarise balances"}
	if err := s.Add(job); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(job); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := s.Add(Job{Name: "bad", Spec: "nope", EntityID: "alice", Prompt: "p"}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid spec error, got %v", err)
	}
	if err := s.Add(Job{Name: "empty", Spec: "1h"}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected missing prompt error, got %v", err)
	}

	submitted, err := s.Trigger(context.Background(), "daily-report")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if submitted.ID != "daily-report-1760000000" {
		t.Fatalf("unexpected task id %q", submitted.ID)
	}
	if len(sub.requests) != 1 {
		t.Fatalf("expected one submission, got %d", len(sub.requests))
	}
	req := sub.requests[0]
	if req.EntityID != "alice" || req.ChatID != "ops" || req.Prompt != "summarise balances" || req.Source != task.SourceScheduler {
		t.Fatalf("unexpected request: %+v", req)
	}

	if _, err := s.Trigger(context.Background(), "missing"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	jobs := s.Jobs()
	if _, ok := jobs["daily-report"]; !ok || len(jobs) != 1 {
		t.Fatalf("unexpected jobs: %v", jobs)
	}
	if !s.Remove("daily-report") || s.Remove("daily-report") {
		t.Fatalf("remove should succeed once")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s, err := New(&recordingSubmitter{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Add(Job{Name: "tick", Spec: "@every 1h", EntityID: "alice", Prompt: "p"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start(context.Background())
	s.Start(context.Background())
	if next := s.Jobs()["tick"]; next.IsZero() {
		t.Fatalf("started scheduler should compute next run")
	}
	s.Stop()
	s.Stop()

	if _, err := New(nil); !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected init failure, got %v", err)
	}
}
