package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/livesync"
)

// openTestRedis 连接 BAZAAR_TEST_REDIS 指向的实例，未设置时跳过。
func openTestRedis(t *testing.T) (*LiveStore, context.Context) {
	t.Helper()
	addr := os.Getenv("BAZAAR_TEST_REDIS")
	if addr == "" {
		t.Skip("Set BAZAAR_TEST_REDIS=host:port to run Redis script tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis at %s: %v", addr, err)
	}
	return NewLiveStore(client, "bazaar-test-"+uuid.NewString(), time.Minute), ctx
}

func TestLiveStoreScriptsSealOnce(t *testing.T) {
	store, ctx := openTestRedis(t)
	contextID := "ctx-seal"
	t.Cleanup(func() { store.client.Del(context.Background(), store.key(contextID)) })

	for _, delta := range []string{"Hello", " world"} {
		if err := store.Append(ctx, contextID, delta); err != nil {
			t.Fatalf("append %q: %v", delta, err)
		}
	}
	rec, err := store.Get(ctx, contextID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Text != "Hello world" || rec.Sealed() || rec.UpdatedAt.IsZero() {
		t.Fatalf("unexpected in-progress record %+v", rec)
	}

	sealed, err := store.Seal(ctx, contextID)
	if err != nil || !sealed {
		t.Fatalf("first seal should win, sealed=%t err=%v", sealed, err)
	}
	sealed, err = store.Seal(ctx, contextID)
	if err != nil || sealed {
		t.Fatalf("second seal should be a no-op, sealed=%t err=%v", sealed, err)
	}
	first, err := store.Get(ctx, contextID)
	if err != nil || !first.Sealed() {
		t.Fatalf("record should be sealed: %+v %v", first, err)
	}

	if err := store.Append(ctx, contextID, " again"); err != nil {
		t.Fatalf("append after seal: %v", err)
	}
	after, err := store.Get(ctx, contextID)
	if err != nil {
		t.Fatalf("get after seal: %v", err)
	}
	if after.Text != "Hello world" || !after.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("sealed record must not change, got %+v", after)
	}

	ttl, err := store.client.PTTL(ctx, store.key(contextID)).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Fatalf("record should carry the store ttl, got %v %v", ttl, err)
	}
}

func TestLiveStoreSealWithoutText(t *testing.T) {
	store, ctx := openTestRedis(t)
	contextID := "ctx-empty"
	t.Cleanup(func() { store.client.Del(context.Background(), store.key(contextID)) })

	if _, err := store.Get(ctx, contextID); !errors.Is(err, livesync.ErrNotFound) {
		t.Fatalf("expected not found before any write, got %v", err)
	}
	sealed, err := store.Seal(ctx, contextID)
	if err != nil || !sealed {
		t.Fatalf("seal: sealed=%t err=%v", sealed, err)
	}
	rec, err := store.Get(ctx, contextID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Text != "" || !rec.Sealed() {
		t.Fatalf("empty turn should seal with empty text, got %+v", rec)
	}
}
