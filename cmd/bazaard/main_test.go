package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/config"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/conversation"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/task"
)

func TestSQLiteStoresShareOnePool(t *testing.T) {
	ctx := context.Background()
	storage := config.StorageConfig{
		Conversation: config.ConversationStoreConfig{
			Driver:      "sqlite",
			DSN:         filepath.Join(t.TempDir(), "bazaar.db"),
			AutoMigrate: true,
		},
		TaskStore: config.TaskStoreConfig{Driver: "sqlite"},
	}

	store, db, err := openConversationStore(ctx, storage.Conversation)
	if err != nil {
		t.Fatalf("open conversation store: %v", err)
	}
	if db == nil {
		t.Fatalf("sql driver should return the pool")
	}
	t.Cleanup(func() { _ = db.Close() })

	msg := &conversation.Message{EntityID: "e1", ChatID: "c1", Role: conversation.RoleUser, Payload: conversation.TextPayload("hi")}
	if err := store.Save(ctx, msg); err != nil {
		t.Fatalf("save: %v", err)
	}

	tasks, err := openTaskStore(ctx, storage, db)
	if err != nil {
		t.Fatalf("open task store: %v", err)
	}
	if err := tasks.Create(ctx, &task.Task{ID: "t1", EntityID: "e1", Prompt: "p", Status: task.StatusPending, MaxRetries: 1}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	// 共享连接池时关闭任务存储不能关闭对话存储。
	if err := tasks.Close(); err != nil {
		t.Fatalf("close task store: %v", err)
	}
	if _, err := store.List(ctx, "e1", "c1", 10); err != nil {
		t.Fatalf("conversation store should survive task store close: %v", err)
	}
}

func TestMemoryBackends(t *testing.T) {
	live, closeLive, err := buildLiveStore(config.LiveSyncConfig{
		Backend:                "memory",
		RecordTTLSeconds:       60,
		JanitorIntervalSeconds: 60,
	}, config.RedisConfig{}, nil)
	if err != nil {
		t.Fatalf("live store: %v", err)
	}
	defer closeLive()
	if err := live.Append(context.Background(), "ctx", "hi"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec, err := live.Get(context.Background(), "ctx"); err != nil || rec.Text != "hi" {
		t.Fatalf("unexpected record %+v %v", rec, err)
	}

	if _, _, err := buildLiveStore(config.LiveSyncConfig{Backend: "redis"}, config.RedisConfig{}, nil); err == nil {
		t.Fatalf("redis backend without a client should fail")
	}

	queue, err := openTaskQueue(config.TaskQueueConfig{Driver: "memory", Buffer: 4}, nil)
	if err != nil {
		t.Fatalf("memory queue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := queue.Publish(ctx, "t1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = queue.Close()

	if _, err := openTaskQueue(config.TaskQueueConfig{Driver: "kafka"}, nil); err == nil {
		t.Fatalf("unknown queue driver should fail")
	}
}

func TestBuildAlertingRejectsBadWebhook(t *testing.T) {
	if _, err := buildAlerting(config.AlertingConfig{}); err != nil {
		t.Fatalf("log-only alerting should build: %v", err)
	}
	if _, err := buildAlerting(config.AlertingConfig{WebhookURL: "://bad", WebhookPerMinute: 1}); err == nil {
		t.Fatalf("expected invalid webhook url error")
	}
}
