package api

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/cache"
)

// statusRecorder 记录响应码，同时保留 Flush 能力以支持 SSE。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		elapsed := time.Since(started)
		s.observer.ObserveHTTPRequest(name, r.Method, rec.status, elapsed)
		s.logger.Debug("HTTP 请求完成",
			slog.String("handler", name),
			slog.String("method", r.Method),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", elapsed))
	})
}

// entityLimiter 为每个实体维护一个令牌桶，长时间不活跃的桶随缓存过期。
type entityLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *cache.TTLCache[string, *rate.Limiter]
}

func newEntityLimiter(perSecond float64, burst int, idle time.Duration) *entityLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &entityLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: cache.New[string, *rate.Limiter](idle, idle),
	}
}

// Allow 报告实体是否还有可用令牌。
func (l *entityLimiter) Allow(entityID string) bool {
	if l == nil {
		return true
	}
	bucket := l.buckets.Update(entityID, func(cur *rate.Limiter, ok bool) (*rate.Limiter, bool) {
		if ok {
			return cur, true
		}
		return rate.NewLimiter(l.limit, l.burst), true
	})
	return bucket.Allow()
}

func (l *entityLimiter) Close() {
	if l != nil {
		l.buckets.Close()
	}
}
