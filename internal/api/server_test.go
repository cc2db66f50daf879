package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/agent"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/cache"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/conversation"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/livesync"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/llm"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/observability/metrics"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/stream"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/task"
)

var helloStep = []any{
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello "}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}`,
	`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
}

type noTools struct{}

func (noTools) Execute(context.Context, string, map[string]any, string) (stream.ToolResult, error) {
	return stream.ToolResult{Success: false, Error: "no tools"}, nil
}

type fixture struct {
	server  *Server
	store   *conversation.MemoryRecorder
	live    *livesync.MemoryStore
	tasks   *task.Service
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := conversation.NewMemoryRecorder()
	records := cache.New[string, livesync.Record](time.Minute, 0)
	t.Cleanup(records.Close)
	liveStore := livesync.NewMemoryStore(records)
	queue := livesync.NewQueue(liveStore)
	t.Cleanup(func() { _ = queue.Close(context.Background()) })

	pipeline, err := stream.New(store, noTools{}, stream.WithLiveSync(queue))
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	client := llm.Func(func(context.Context, llm.Request) (stream.Source, error) {
		return stream.NewSliceSource(helloStep...), nil
	})
	ag, err := agent.New(client, store, pipeline, agent.WithLiveOpener(queue))
	if err != nil {
		t.Fatalf("agent: %v", err)
	}

	m := metrics.New(false)
	tasks := task.NewService(task.NewMemoryStore(), task.NewMemoryQueue(8), 3)
	base := []Option{
		WithLiveReader(liveStore),
		WithHistory(store),
		WithTasks(tasks),
		WithMetrics(m.Handler(), m),
	}
	return &fixture{
		server:  NewServer(":0", ag, append(base, opts...)...),
		store:   store,
		live:    liveStore,
		tasks:   tasks,
		metrics: m,
	}
}

func (f *fixture) do(method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestChatStreamsFramesAndSealsLiveRecord(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/chat", `{"entity_id":"alice","chat_id":"c1","message":"hi"}`,
		map[string]string{HeaderContextID: "ctx-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if rec.Header().Get(HeaderContextID) != "ctx-1" {
		t.Fatalf("context id not echoed")
	}
	want := `0:"Hello "` + "\n\n" + `0:"world"` + "\n\n" + `data: {"type":"done"}` + "\n\n"
	if rec.Body.String() != want {
		t.Fatalf("unexpected frames:\n%q\nwant\n%q", rec.Body.String(), want)
	}

	live := f.do(http.MethodGet, "/api/v1/live/ctx-1", "", nil)
	if live.Code != http.StatusOK {
		t.Fatalf("live status %d", live.Code)
	}
	var record livesync.Record
	if err := json.Unmarshal(live.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode live record: %v", err)
	}
	if record.Text != "Hello world" || !record.Sealed() {
		t.Fatalf("live record should be sealed before the done frame: %+v", record)
	}

	history := f.do(http.MethodGet, "/api/v1/chats/alice/messages?chat_id=c1", "", nil)
	var body struct {
		Messages []conversation.Message `json:"messages"`
	}
	if err := json.Unmarshal(history.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(body.Messages) != 2 || body.Messages[0].Role != conversation.RoleUser || body.Messages[1].Role != conversation.RoleAssistant {
		t.Fatalf("unexpected history: %+v", body.Messages)
	}
}

func TestChatRejectsInvalidRequestBeforeStreaming(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/chat", `{"entity_id":"alice","message":"  "}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "data:") {
		t.Fatalf("no frames should be written: %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}

	rec = f.do(http.MethodPost, "/api/v1/chat", `not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
	if len(f.store.Messages()) != 0 {
		t.Fatalf("nothing should be persisted")
	}
}

func TestChatRateLimitsPerEntity(t *testing.T) {
	f := newFixture(t, WithRateLimit(0.001, 1))
	body := `{"entity_id":"alice","message":"hi"}`

	if rec := f.do(http.MethodPost, "/api/v1/chat", body, nil); rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}
	rec := f.do(http.MethodPost, "/api/v1/chat", body, nil)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/v1/chat", `{"entity_id":"bob","message":"hi"}`, nil); rec.Code != http.StatusOK {
		t.Fatalf("other entities keep their own bucket, got %d", rec.Code)
	}
}

func TestLiveRecordNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/v1/live/unknown", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestTaskEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/tasks", `{"id":"t1","entity_id":"alice","prompt":"report"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var created task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID != "t1" || created.Status != task.StatusPending || created.Source != task.SourceAPI {
		t.Fatalf("unexpected task %+v", created)
	}

	rec = f.do(http.MethodGet, "/api/v1/tasks/t1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status %d", rec.Code)
	}

	rec = f.do(http.MethodGet, "/api/v1/tasks?entity_id=alice", "", nil)
	var list struct {
		Tasks []task.Task `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list.Tasks) != 1 {
		t.Fatalf("unexpected list %s (%v)", rec.Body.String(), err)
	}

	if rec := f.do(http.MethodGet, "/api/v1/tasks/missing", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/v1/tasks", `{"entity_id":"alice"}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing prompt, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/v1/tasks?limit=abc", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	f.do(http.MethodPost, "/api/v1/chat", `{"entity_id":"alice","message":"hi"}`, nil)

	rec := f.do(http.MethodGet, "/metrics", "", nil)
	out := rec.Body.String()
	if !strings.Contains(out, `bazaar_http_requests_total{code="200",handler="chat",method="POST"} 1`) {
		t.Fatalf("missing http metric:\n%s", out)
	}
	if rec := f.do(http.MethodDelete, "/api/v1/tasks/t1", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
