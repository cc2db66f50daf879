// Package livesync mirrors in-flight assistant text into a short-lived
// StreamingRecord so pollers can follow a turn before its durable history is
// written. Writes go through a sharded, bounded Queue; records live in a
// Store (in-process TTL cache or Redis).
package livesync

import (
	"context"
	"time"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/cache"
	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
)

// Record is the live view of one turn. CompletedAt moves from nil to a
// timestamp exactly once; the record is immutable afterwards.
type Record struct {
	ContextID   string     `json:"context_id"`
	Text        string     `json:"text"`
	CompletedAt *time.Time `json:"completed_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Sealed reports whether the record has been completed.
func (r Record) Sealed() bool {
	return r.CompletedAt != nil
}

// Store persists StreamingRecords. Append on a sealed record is ignored and
// Seal on a sealed record returns false without error.
type Store interface {
	Append(ctx context.Context, contextID, delta string) error
	Seal(ctx context.Context, contextID string) (bool, error)
	Get(ctx context.Context, contextID string) (*Record, error)
}

// ErrNotFound is returned by Get for unknown or expired context ids.
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "live record not found")

// MemoryStore keeps records in an injected TTL cache.
type MemoryStore struct {
	records *cache.TTLCache[string, Record]
	now     func() time.Time
}

// NewMemoryStore wraps records. The caller owns the cache and closes it on
// shutdown.
func NewMemoryStore(records *cache.TTLCache[string, Record]) *MemoryStore {
	return &MemoryStore{records: records, now: time.Now}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, contextID, delta string) error {
	now := s.now().UTC()
	s.records.Update(contextID, func(cur Record, ok bool) (Record, bool) {
		if ok && cur.Sealed() {
			return cur, false
		}
		if !ok {
			cur = Record{ContextID: contextID}
		}
		cur.Text += delta
		cur.UpdatedAt = now
		return cur, true
	})
	return nil
}

// Seal implements Store.
func (s *MemoryStore) Seal(_ context.Context, contextID string) (bool, error) {
	now := s.now().UTC()
	sealed := false
	s.records.Update(contextID, func(cur Record, ok bool) (Record, bool) {
		if ok && cur.Sealed() {
			return cur, false
		}
		if !ok {
			cur = Record{ContextID: contextID}
		}
		completed := now
		cur.CompletedAt = &completed
		cur.UpdatedAt = now
		sealed = true
		return cur, true
	})
	return sealed, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, contextID string) (*Record, error) {
	rec, ok := s.records.Get(contextID)
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}
