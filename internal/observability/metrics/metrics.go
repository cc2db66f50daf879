// Package metrics exposes Prometheus collectors for the HTTP surface, the
// streaming pipeline, the live-sync queue and the task processor. All
// collectors live on a private registry so tests can build isolated sets.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "bazaar"

// Metrics groups every collector registered by the daemon.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	frames       *prometheus.CounterVec
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	turns        *prometheus.CounterVec

	liveDropped prometheus.Counter
	liveSealed  prometheus.Counter

	tasks        *prometheus.CounterVec
	taskDuration prometheus.Histogram

	rateLimited *prometheus.CounterVec
}

// New creates the collectors on a fresh registry. When withRuntime is set the
// Go runtime and process collectors are registered too.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"handler", "method"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Frames written to clients by kind.",
		}, []string{"kind"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool name and result.",
		}, []string{"tool", "success"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "tool_duration_seconds",
			Help:      "Tool execution time in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "turns_total",
			Help:      "Finished turns by outcome.",
		}, []string{"outcome"}),
		liveDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "livesync",
			Name:      "chunks_dropped_total",
			Help:      "Live-sync chunk updates dropped because a shard was full or closed.",
		}),
		liveSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "livesync",
			Name:      "records_sealed_total",
			Help:      "Live records sealed.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "processed_total",
			Help:      "Queued agent runs handled by the processor, by status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Time spent handling one queued agent run.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-entity limiter.",
		}, []string{"handler"}),
	}
	reg.MustRegister(
		m.httpRequests, m.httpDuration,
		m.frames, m.toolCalls, m.toolDuration, m.turns,
		m.liveDropped, m.liveSealed,
		m.tasks, m.taskDuration,
		m.rateLimited,
	)
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// FrameWritten implements stream.Observer.
func (m *Metrics) FrameWritten(kind string) {
	m.frames.WithLabelValues(kind).Inc()
}

// ToolExecuted implements stream.Observer.
func (m *Metrics) ToolExecuted(name string, success bool, elapsed time.Duration) {
	label := "false"
	if success {
		label = "true"
	}
	m.toolCalls.WithLabelValues(name, label).Inc()
	m.toolDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// TurnFinished implements stream.Observer.
func (m *Metrics) TurnFinished(outcome string) {
	m.turns.WithLabelValues(outcome).Inc()
}

// ChunkDropped implements livesync.Observer.
func (m *Metrics) ChunkDropped() {
	m.liveDropped.Inc()
}

// RecordSealed implements livesync.Observer.
func (m *Metrics) RecordSealed() {
	m.liveSealed.Inc()
}

// TaskProcessed implements task.Observer.
func (m *Metrics) TaskProcessed(status string, elapsed time.Duration) {
	m.tasks.WithLabelValues(status).Inc()
	m.taskDuration.Observe(elapsed.Seconds())
}

// RateLimited counts a request rejected by the limiter.
func (m *Metrics) RateLimited(handler string) {
	m.rateLimited.WithLabelValues(handler).Inc()
}
