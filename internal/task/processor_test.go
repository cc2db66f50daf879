package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/agent"
	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/observability/alerting"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/stream"
)

// fakeExecutor 的 fail 按调用序号返回结果，两者都为 nil 时按成功处理。
type fakeExecutor struct {
	processed atomic.Int32
	calls     atomic.Int32
	latency   time.Duration
	fail      func(call int32) (*agent.TurnResult, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, req agent.TaskRequest) (*agent.TurnResult, error) {
	call := f.calls.Add(1)
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		if res, err := f.fail(call); res != nil || err != nil {
			return res, err
		}
	}
	f.processed.Add(1)
	return &agent.TurnResult{EntityID: req.EntityID, Reply: "ok:" + req.Prompt, ToolCalls: 1, Outcome: stream.OutcomeDone}, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (r *recordingObserver) TaskProcessed(status string, _ time.Duration) {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
}

func (r *recordingObserver) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

func startProcessor(t *testing.T, exec Executor, store Store, queue Queue, opts ...ProcessorOption) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	processor := NewProcessor(exec, store, queue, queue, opts...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFinished(t *testing.T, service *Service, id string) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := service.WaitUntilCompleted(ctx, id, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait task %s: %v", id, err)
	}
	return task
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	exec := &fakeExecutor{latency: 5 * time.Millisecond}
	service := NewService(store, queue, 3)
	startProcessor(t, exec, store, queue, WithWorkerCount(8))

	ctx := context.Background()
	total := 100
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		task, err := service.Submit(ctx, Request{EntityID: "alice", Prompt: fmt.Sprintf("prompt-%d", i)})
		if err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
		ids = append(ids, task.ID)
	}
	for _, id := range ids {
		task := waitFinished(t, service, id)
		if task.Status != StatusSucceeded || task.Result == nil || task.Result.ToolCalls != 1 {
			t.Fatalf("unexpected task state: %+v", task)
		}
	}
	if int(exec.processed.Load()) != total {
		t.Fatalf("expected %d executions, got %d", total, exec.processed.Load())
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	obs := &recordingObserver{}
	exec := &fakeExecutor{fail: func(call int32) (*agent.TurnResult, error) {
		if call == 1 {
			return nil, xerrors.New(stream.CodeUpstreamFailure, "provider down")
		}
		if call == 2 {
			return &agent.TurnResult{Outcome: stream.OutcomeOverloaded, Reply: "sorry"}, nil
		}
		return nil, nil
	}}
	service := NewService(store, queue, 3)
	startProcessor(t, exec, store, queue, WithObserver(obs))

	task, err := service.Submit(context.Background(), Request{ID: "job-1", EntityID: "alice", Prompt: "hi", Source: SourceScheduler})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitFinished(t, service, task.ID)
	if final.Status != StatusSucceeded || final.Attempts != 3 {
		t.Fatalf("expected success on third attempt, got %+v", final)
	}
	if final.Source != SourceScheduler {
		t.Fatalf("source not kept: %+v", final)
	}
	statuses := obs.snapshot()
	if len(statuses) != 3 || statuses[0] != ProcessedRetried || statuses[1] != ProcessedRetried || statuses[2] != ProcessedSucceeded {
		t.Fatalf("unexpected observer statuses: %v", statuses)
	}
}

type alertRecorder struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *alertRecorder) Notify(_ context.Context, event alerting.Event) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	return nil
}

func TestProcessorStopsOnNonRetryableFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	exec := &fakeExecutor{fail: func(int32) (*agent.TurnResult, error) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "entity_id 不能为空")
	}}
	alerts := &alertRecorder{}
	service := NewService(store, queue, 3)
	startProcessor(t, exec, store, queue, WithAlertDispatcher(alerts))

	task, err := service.Submit(context.Background(), Request{EntityID: "alice", Prompt: "hi"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitFinished(t, service, task.ID)
	if final.Status != StatusFailed || final.Attempts != 1 || final.ErrorCode != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("unexpected task: %+v", final)
	}
	if exec.calls.Load() != 1 {
		t.Fatalf("non-retryable failure should not be retried, calls=%d", exec.calls.Load())
	}
	// 告警在状态回写之后发出，这里轮询等待。
	deadline := time.Now().Add(2 * time.Second)
	for {
		alerts.mu.Lock()
		events := append([]alerting.Event(nil), alerts.events...)
		alerts.mu.Unlock()
		if len(events) == 1 {
			if events[0].TaskID != task.ID || events[0].Code != xerrors.CodeInvalidArgument {
				t.Fatalf("unexpected alert: %+v", events[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one alert for the failed task, got %d", len(events))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServiceSubmitValidationAndIdempotency(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 0)
	ctx := context.Background()

	if _, err := service.Submit(ctx, Request{Prompt: "hi"}); !xerrors.HasCode(err, CodeTaskValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := service.Submit(ctx, Request{EntityID: "alice"}); !xerrors.HasCode(err, CodeTaskValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	first, err := service.Submit(ctx, Request{ID: "same", EntityID: "alice", Prompt: "hi"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := service.Submit(ctx, Request{ID: "same", EntityID: "alice", Prompt: "other"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.Prompt != first.Prompt || second.MaxRetries != 3 || first.Source != SourceAPI {
		t.Fatalf("expected existing task, got %+v", second)
	}
	if len(queue.ch) != 1 {
		t.Fatalf("duplicate submit should not publish again, queued=%d", len(queue.ch))
	}
}

func TestServiceSubmitMarksTaskFailedWhenPublishFails(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1)
	_ = queue.Close()
	service := NewService(store, queue, 3)

	_, err := service.Submit(context.Background(), Request{ID: "t1", EntityID: "alice", Prompt: "hi"})
	if !xerrors.HasCode(err, CodeTaskPublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
	task, getErr := store.Get(context.Background(), "t1")
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if task.Status != StatusFailed || !task.Finished() {
		t.Fatalf("task should be terminally failed: %+v", task)
	}
}
