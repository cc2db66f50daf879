package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/agent"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/conversation"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/livesync"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/task"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/pkg/logger"
)

// Responder 运行一次对话轮次并把帧写入 w。
type Responder interface {
	Respond(ctx context.Context, req agent.ChatRequest, w io.Writer) (*agent.TurnResult, error)
}

// LiveReader 读取实时镜像记录。
type LiveReader interface {
	Get(ctx context.Context, contextID string) (*livesync.Record, error)
}

// TaskService 提交与查询排队任务。
type TaskService interface {
	Submit(ctx context.Context, req task.Request) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, entityID string, limit int) ([]*task.Task, error)
}

// Observer 接收 HTTP 指标。
type Observer interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
	RateLimited(handler string)
}

type nopObserver struct{}

func (nopObserver) ObserveHTTPRequest(string, string, int, time.Duration) {}
func (nopObserver) RateLimited(string)                                    {}

// Server 负责暴露 REST 与 SSE 接口。
type Server struct {
	addr            string
	responder       Responder
	live            LiveReader
	history         conversation.History
	tasks           TaskService
	metrics         http.Handler
	observer        Observer
	limiter         *entityLimiter
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 自定义 Server。
type Option func(*Server)

// WithLiveReader 启用 GET /api/v1/live/{context_id}。
func WithLiveReader(live LiveReader) Option {
	return func(s *Server) { s.live = live }
}

// WithHistory 启用 GET /api/v1/chats/{entity_id}/messages。
func WithHistory(history conversation.History) Option {
	return func(s *Server) { s.history = history }
}

// WithTasks 启用任务接口。
func WithTasks(tasks TaskService) Option {
	return func(s *Server) { s.tasks = tasks }
}

// WithMetrics 在 /metrics 暴露指标并记录请求耗时。
func WithMetrics(handler http.Handler, observer Observer) Option {
	return func(s *Server) {
		s.metrics = handler
		if observer != nil {
			s.observer = observer
		}
	}
}

// WithRateLimit 为聊天接口设置按实体的令牌桶。perSecond 不大于 0 时不限流。
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.limiter = newEntityLimiter(perSecond, burst, 10*time.Minute)
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, responder Responder, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		responder:       responder,
		observer:        nopObserver{},
		shutdownTimeout: 15 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/chat", s.instrument("chat", http.HandlerFunc(s.handleChat)))
	mux.Handle("GET /api/v1/live/{context_id}", s.instrument("live", http.HandlerFunc(s.handleLive)))
	mux.Handle("GET /api/v1/chats/{entity_id}/messages", s.instrument("history", http.HandlerFunc(s.handleHistory)))
	mux.Handle("POST /api/v1/tasks", s.instrument("task_create", http.HandlerFunc(s.handleCreateTask)))
	mux.Handle("GET /api/v1/tasks", s.instrument("task_list", http.HandlerFunc(s.handleListTasks)))
	mux.Handle("GET /api/v1/tasks/{id}", s.instrument("task_detail", http.HandlerFunc(s.handleTaskDetail)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。关闭时等待进行中的
// 轮次写完终止帧。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		if s.limiter != nil {
			s.limiter.Close()
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
