// Package cache provides an explicitly owned TTL cache. Each cache runs its
// own janitor goroutine which is stopped by Close.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is a concurrency safe map whose entries expire after a fixed TTL.
type TTLCache[K comparable, V any] struct {
	ttl   time.Duration
	now   func() time.Time
	mu    sync.Mutex
	items map[K]entry[V]

	onEvict func(K, V)

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option customises a TTLCache.
type Option[K comparable, V any] func(*TTLCache[K, V])

// WithClock overrides the time source, mainly for tests.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *TTLCache[K, V]) {
		if now != nil {
			c.now = now
		}
	}
}

// WithEvictCallback registers a callback invoked for every expired entry the
// janitor removes.
func WithEvictCallback[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *TTLCache[K, V]) {
		c.onEvict = fn
	}
}

// New creates a cache. A positive janitorInterval starts a background sweep
// that runs until Close is called; otherwise expired entries are only dropped
// lazily on access.
func New[K comparable, V any](ttl, janitorInterval time.Duration, opts ...Option[K, V]) *TTLCache[K, V] {
	c := &TTLCache[K, V]{
		ttl:   ttl,
		now:   time.Now,
		items: make(map[K]entry[V]),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if janitorInterval > 0 {
		go c.janitor(janitorInterval)
	} else {
		close(c.done)
	}
	return c
}

// Get returns the live value stored under key.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.expired(item) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return item.value, true
}

// Set stores value under key with the cache TTL.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, expiresAt: c.deadline()}
	c.mu.Unlock()
}

// Update atomically transforms the value under key. fn receives the current
// value (zero and false when absent or expired) and returns the replacement
// and whether it should be stored. The TTL is refreshed on store.
func (c *TTLCache[K, V]) Update(key K, fn func(current V, ok bool) (V, bool)) V {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if ok && c.expired(item) {
		delete(c.items, key)
		ok = false
		item = entry[V]{}
	}
	next, store := fn(item.value, ok)
	if !store {
		return item.value
	}
	c.items[key] = entry[V]{value: next, expiresAt: c.deadline()}
	return next
}

// Delete removes key.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len reports the number of stored entries, including expired ones not yet
// swept.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *TTLCache[K, V]) Sweep() int {
	type evicted struct {
		key   K
		value V
	}
	var dropped []evicted

	c.mu.Lock()
	for key, item := range c.items {
		if c.expired(item) {
			delete(c.items, key)
			dropped = append(dropped, evicted{key: key, value: item.value})
		}
	}
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, d := range dropped {
			c.onEvict(d.key, d.value)
		}
	}
	return len(dropped)
}

// Close stops the janitor and waits for it to exit. It is safe to call more
// than once.
func (c *TTLCache[K, V]) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
}

func (c *TTLCache[K, V]) janitor(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *TTLCache[K, V]) deadline() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(c.ttl)
}

func (c *TTLCache[K, V]) expired(item entry[V]) bool {
	if item.expiresAt.IsZero() {
		return false
	}
	return !c.now().Before(item.expiresAt)
}
