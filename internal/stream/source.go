package stream

import (
	"context"
	"io"
	"sync"
)

// Source yields raw provider events one at a time. Recv returns io.EOF once
// the provider stream has ended. Close releases the underlying connection and
// may be called more than once.
type Source interface {
	Recv(ctx context.Context) (any, error)
	Close() error
}

// SliceSource replays a fixed list of events.
type SliceSource struct {
	mu     sync.Mutex
	events []any
	pos    int
	tail   error
	closed bool
}

// NewSliceSource returns a source yielding events in order followed by io.EOF.
func NewSliceSource(events ...any) *SliceSource {
	return &SliceSource{events: events, tail: io.EOF}
}

// FailWith makes the source return err instead of io.EOF after the events.
func (s *SliceSource) FailWith(err error) *SliceSource {
	s.mu.Lock()
	s.tail = err
	s.mu.Unlock()
	return s
}

// Recv implements Source.
func (s *SliceSource) Recv(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.EOF
	}
	if s.pos >= len(s.events) {
		return nil, s.tail
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

// Close implements Source.
func (s *SliceSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (s *SliceSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type errorSource struct {
	err error
}

// ErrorSource returns a source whose first Recv fails with err. Providers use
// it to hand stream initiation failures to the pipeline so they follow the
// same error policy as mid-stream failures.
func ErrorSource(err error) Source {
	return errorSource{err: err}
}

func (s errorSource) Recv(context.Context) (any, error) { return nil, s.err }
func (s errorSource) Close() error                      { return nil }
