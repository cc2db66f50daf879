package task

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "t1", EntityID: "alice", Prompt: "p", Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: "t1", EntityID: "alice", Prompt: "p"}); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	claimed, err := store.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("running task should not be claimed twice, got %v", err)
	}

	if err := store.MarkFailed(ctx, "t1", CodeTaskProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); err != nil {
		t.Fatalf("failed task should be claimable again: %v", err)
	}
	if err := store.MarkFailed(ctx, "t1", CodeTaskProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("expected exhausted after max retries, got %v", err)
	}

	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ErrorCode != string(CodeTaskProcessing) || got.LastError != "boom" || !got.Finished() {
		t.Fatalf("unexpected failed task: %+v", got)
	}
}

func TestMemoryStoreTerminalFailureStopsRetries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Task{ID: "t1", EntityID: "alice", Prompt: "p", Status: StatusPending, MaxRetries: 5})

	if _, err := store.Claim(ctx, "t1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "t1", CodeTaskValidation, "bad", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("terminal failure should not be claimable, got %v", err)
	}
}

func TestMemoryStoreSucceededAndList(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, id := range []string{"t1", "t2", "t3"} {
		entity := "alice"
		if i == 2 {
			entity = "bob"
		}
		if err := store.Create(ctx, &Task{ID: id, EntityID: entity, Prompt: "p", Status: StatusPending, MaxRetries: 3}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := store.MarkSucceeded(ctx, "t2", ExecutionResult{Reply: "ok", ToolCalls: 2}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = 100
	store.tasks["t2"].UpdatedAt = 300
	store.tasks["t3"].UpdatedAt = 200
	store.mu.Unlock()

	all, err := store.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "t2" || all[1].ID != "t3" || all[2].ID != "t1" {
		t.Fatalf("unexpected order: %v %v %v", all[0].ID, all[1].ID, all[2].ID)
	}
	if all[0].Result == nil || all[0].Result.ToolCalls != 2 {
		t.Fatalf("expected result on succeeded task: %+v", all[0])
	}

	alice, _ := store.List(ctx, "alice", 1)
	if len(alice) != 1 || alice[0].ID != "t2" {
		t.Fatalf("unexpected entity filter result: %+v", alice)
	}

	if _, err := store.Claim(ctx, "t2"); !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	if !IsTaskError(ErrTaskCompleted, CodeTaskCompleted) || IsTaskError(ErrTaskCompleted, CodeTaskConflict) {
		t.Fatalf("IsTaskError mismatch")
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Task{ID: "t1", EntityID: "alice", Prompt: "p", Status: StatusPending, MaxRetries: 3})
	_ = store.MarkSucceeded(ctx, "t1", ExecutionResult{Reply: "ok"})

	got, _ := store.Get(ctx, "t1")
	got.Result.Reply = "mutated"
	again, _ := store.Get(ctx, "t1")
	if again.Result.Reply != "ok" {
		t.Fatalf("store leaked internal state")
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
