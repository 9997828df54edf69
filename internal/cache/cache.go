// Package cache provides a small TTL cache owned by the component that fills it.
package cache

import (
	"sync"
	"time"
)

// TTL is an in-memory cache whose entries expire after a fixed duration.
type TTL[K comparable, V any] struct {
	mu    sync.RWMutex
	store map[K]entry[V]
	ttl   time.Duration
	now   func() time.Time
}

type entry[V any] struct {
	v  V
	ts time.Time
}

// New creates a cache with the provided TTL.
func New[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{store: make(map[K]entry[V]), ttl: ttl, now: time.Now}
}

// Get returns the cached value and true if present and not expired.
func (c *TTL[K, V]) Get(k K) (V, bool) {
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		if cur, ok := c.store[k]; ok && cur.ts.Equal(e.ts) {
			delete(c.store, k)
		}
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *TTL[K, V]) Set(k K, v V) {
	c.mu.Lock()
	c.store[k] = entry[V]{v: v, ts: c.now()}
	c.mu.Unlock()
}

// Invalidate drops one key.
func (c *TTL[K, V]) Invalidate(k K) {
	c.mu.Lock()
	delete(c.store, k)
	c.mu.Unlock()
}

// Purge drops every entry.
func (c *TTL[K, V]) Purge() {
	c.mu.Lock()
	c.store = make(map[K]entry[V])
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included.
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
