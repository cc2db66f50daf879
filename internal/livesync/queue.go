package livesync

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/pkg/logger"
)

// Observer receives queue metrics.
type Observer interface {
	ChunkDropped()
	RecordSealed()
}

type nopObserver struct{}

func (nopObserver) ChunkDropped() {}
func (nopObserver) RecordSealed() {}

type jobKind int

const (
	jobAppend jobKind = iota
	jobSeal
)

type job struct {
	kind      jobKind
	contextID string
	delta     string
	done      chan error
}

// Queue serialises live-sync writes per context id. Each context id hashes
// to one shard served by a single worker, so a seal is applied after every
// chunk queued before it for the same context.
type Queue struct {
	store     Store
	shards    []chan job
	opTimeout time.Duration
	observer  Observer
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// Option customises a Queue.
type Option func(*Queue)

// WithShards sets the number of shards and the buffer size of each.
func WithShards(shards, buffer int) Option {
	return func(q *Queue) {
		if shards > 0 {
			q.shards = make([]chan job, shards)
		}
		if buffer > 0 {
			for i := range q.shards {
				q.shards[i] = make(chan job, buffer)
			}
		}
	}
}

// WithOperationTimeout bounds each store call made by the workers.
func WithOperationTimeout(timeout time.Duration) Option {
	return func(q *Queue) {
		if timeout > 0 {
			q.opTimeout = timeout
		}
	}
}

// WithObserver registers a metrics observer.
func WithObserver(observer Observer) Option {
	return func(q *Queue) {
		if observer != nil {
			q.observer = observer
		}
	}
}

// WithLogger overrides the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

const (
	defaultShards      = 4
	defaultShardBuffer = 256
	defaultOpTimeout   = 2 * time.Second
)

// NewQueue starts one worker per shard. Call Close to drain and stop them.
func NewQueue(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:     store,
		opTimeout: defaultOpTimeout,
		observer:  nopObserver{},
		logger:    logger.Named("livesync"),
	}
	WithShards(defaultShards, defaultShardBuffer)(q)
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	for i, shard := range q.shards {
		if shard == nil {
			q.shards[i] = make(chan job, defaultShardBuffer)
		}
	}
	for _, shard := range q.shards {
		q.wg.Add(1)
		go q.worker(shard)
	}
	return q
}

// Open creates an empty record so pollers see the turn as in progress.
func (q *Queue) Open(contextID string) {
	q.QueueChunkUpdate(contextID, "")
}

// QueueChunkUpdate enqueues a text delta without blocking. When the shard is
// full or the queue is closed the delta is dropped.
func (q *Queue) QueueChunkUpdate(contextID, delta string) {
	if contextID == "" {
		return
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.drop(contextID, "queue closed")
		return
	}
	select {
	case q.shardFor(contextID) <- job{kind: jobAppend, contextID: contextID, delta: delta}:
	default:
		q.drop(contextID, "shard full")
	}
}

// QueueCompletion enqueues the seal and waits until it has been applied or
// ctx ends.
func (q *Queue) QueueCompletion(ctx context.Context, contextID string) error {
	if contextID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "context id 不能为空")
	}
	done := make(chan error, 1)

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return xerrors.New(xerrors.CodeQueueFailure, "live sync queue is closed")
	}
	select {
	case q.shardFor(contextID) <- job{kind: jobSeal, contextID: contextID, done: done}:
		q.mu.RUnlock()
	case <-ctx.Done():
		q.mu.RUnlock()
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "enqueue live seal")
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "await live seal")
	}
}

// Close stops intake and waits for queued jobs to drain or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for _, shard := range q.shards {
			close(shard)
		}
	}
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "drain live sync queue")
	}
}

func (q *Queue) worker(jobs <-chan job) {
	defer q.wg.Done()
	for j := range jobs {
		q.apply(j)
	}
}

func (q *Queue) apply(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.opTimeout)
	defer cancel()

	switch j.kind {
	case jobAppend:
		if err := q.store.Append(ctx, j.contextID, j.delta); err != nil {
			q.logger.Warn("live chunk update failed", slog.String("context_id", j.contextID), slog.Any("error", err))
		}
	case jobSeal:
		sealed, err := q.store.Seal(ctx, j.contextID)
		if err != nil {
			q.logger.Warn("live seal failed", slog.String("context_id", j.contextID), slog.Any("error", err))
			err = xerrors.Wrap(xerrors.CodeQueueFailure, err, "seal live record")
		} else if sealed {
			q.observer.RecordSealed()
		}
		j.done <- err
	}
}

func (q *Queue) drop(contextID, reason string) {
	q.observer.ChunkDropped()
	q.logger.Debug("live chunk dropped", slog.String("context_id", contextID), slog.String("reason", reason))
}

func (q *Queue) shardFor(contextID string) chan job {
	h := fnv.New32a()
	_, _ = h.Write([]byte(contextID))
	return q.shards[h.Sum32()%uint32(len(q.shards))]
}
