// ABOUTME: Thread-safe TTL cache remembering the result of an operation per idempotency key
// ABOUTME: Concurrent callers with the same key share one execution; failures are never cached

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// entry is a finished or in-flight result for one key.
type entry[V any] struct {
	value   V
	stored  time.Time
	element *list.Element

	// ready is closed once the first execution finishes; err is set if it failed.
	ready chan struct{}
	err   error
}

// Cache remembers operation results by key for a TTL, bounded by maxSize.
// Insertion order is kept in a linked list so eviction of the oldest entry
// is O(1).
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache. A background goroutine drops expired entries until Close.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Lookup returns a stored, unexpired result.
func (c *Cache[V]) Lookup(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !c.finishedLocked(e) || c.expiredLocked(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Do returns the remembered result for key, or runs fn and remembers its
// result. Callers arriving while fn runs wait for it. replayed reports that
// the value came from an earlier call. An error from fn is returned to every
// waiter and is not remembered.
func (c *Cache[V]) Do(ctx context.Context, key string, fn func() (V, error)) (value V, replayed bool, err error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && !c.expiredLocked(e) {
		c.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			var zero V
			return zero, false, ctx.Err()
		}
		if e.err != nil {
			var zero V
			return zero, false, e.err
		}
		return e.value, true, nil
	}

	e := &entry[V]{ready: make(chan struct{})}
	c.insertLocked(key, e)
	c.mu.Unlock()

	value, err = fn()

	c.mu.Lock()
	e.value = value
	e.err = err
	e.stored = time.Now()
	if err != nil && c.entries[key] == e {
		c.order.Remove(e.element)
		delete(c.entries, key)
	}
	close(e.ready)
	c.mu.Unlock()

	return value, false, err
}

// Len returns the number of entries, including in-flight ones.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) finishedLocked(e *entry[V]) bool {
	select {
	case <-e.ready:
		return e.err == nil
	default:
		return false
	}
}

// expiredLocked reports whether a finished entry outlived the TTL.
// In-flight entries never expire.
func (c *Cache[V]) expiredLocked(e *entry[V]) bool {
	if e.stored.IsZero() {
		return false
	}
	return time.Since(e.stored) >= c.ttl
}

func (c *Cache[V]) insertLocked(key string, e *entry[V]) {
	if old, ok := c.entries[key]; ok {
		c.order.Remove(old.element)
		delete(c.entries, key)
	}
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	e.element = c.order.PushBack(key)
	c.entries[key] = e
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes every expired entry.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if c.expiredLocked(e) {
			c.order.Remove(e.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
