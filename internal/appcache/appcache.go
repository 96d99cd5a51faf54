// Package appcache implements the bounded, TTL-swept entry cache used
// by the Queue Wait Collector (spec §4.7 "Message cache bounds"): a
// sync.Mutex-guarded map with a hard size cap, periodic TTL expiry,
// and a drop-oldest-by-insertion-time fallback when TTL sweeping alone
// isn't enough to bring the cache back under bound. This generalizes
// the capped, drop-oldest shape internal/egress/retry.go uses for its
// retry queue, rather than reaching for a third-party LRU the example
// pack never imports.
package appcache

import (
	"sort"
	"sync"
	"time"
)

// entry wraps a cached value with the bookkeeping needed for both TTL
// expiry and drop-oldest eviction.
type entry[V any] struct {
	value    V
	cachedAt time.Time
}

// Cache is a bounded map keyed by string, generic over its value type;
// the Queue Wait Collector keeps its queue-position snapshots in it.
// The Observer Collector keeps its records in its own maps instead.
type Cache[V any] struct {
	mu         sync.Mutex
	entries    map[string]*entry[V]
	maxSize    int
	ttl        time.Duration
	dropFrac   float64 // fraction of entries dropped when still over bound after a TTL sweep
}

// New constructs a Cache bounded to maxSize entries, with entries older
// than ttl eligible for sweeping. dropFrac is the fraction (0..1)
// dropped, oldest-by-cached-at first, when a sweep still leaves the
// cache over bound.
func New[V any](maxSize int, ttl time.Duration, dropFrac float64) *Cache[V] {
	return &Cache[V]{
		entries:  make(map[string]*entry[V]),
		maxSize:  maxSize,
		ttl:      ttl,
		dropFrac: dropFrac,
	}
}

// Put inserts or overwrites a key's value, stamping cachedAt.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry[V]{value: value, cachedAt: time.Now()}
}

// Get returns the value for key, if present.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Take atomically reads and removes key.
func (c *Cache[V]) Take(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(c.entries, key)
	return e.value, true
}

// Delete removes key without returning its value.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeleteMatching removes every entry whose key satisfies match, used
// by session-close bookkeeping to evict all (session, *) keys at once.
func (c *Cache[V]) DeleteMatching(match func(key string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
		}
	}
}

// Match returns a snapshot copy of every entry whose key satisfies
// match, without removing them.
func (c *Cache[V]) Match(match func(key string) bool) map[string]V {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]V)
	for k, e := range c.entries {
		if match(k) {
			out[k] = e.value
		}
	}
	return out
}

// Len reports the current entry count.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep drops TTL-expired entries, then, if the cache is still over
// maxSize, drops the oldest dropFrac fraction by cachedAt (spec §4.7:
// "TTL-expired entries (>5 min old) swept every 60s; if still above
// bound, drop oldest 20% by cached-at"). Returns the number of entries
// removed by each phase.
func (c *Cache[V]) Sweep() (expired, droppedOldest int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, e := range c.entries {
		if now.Sub(e.cachedAt) > c.ttl {
			delete(c.entries, k)
			expired++
		}
	}

	if c.maxSize <= 0 || len(c.entries) <= c.maxSize {
		return expired, 0
	}

	type keyed struct {
		key      string
		cachedAt time.Time
	}
	ordered := make([]keyed, 0, len(c.entries))
	for k, e := range c.entries {
		ordered = append(ordered, keyed{k, e.cachedAt})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].cachedAt.Before(ordered[j].cachedAt) })

	toDrop := int(float64(len(ordered)) * c.dropFrac)
	if toDrop < len(ordered)-c.maxSize {
		toDrop = len(ordered) - c.maxSize
	}
	for i := 0; i < toDrop && i < len(ordered); i++ {
		delete(c.entries, ordered[i].key)
		droppedOldest++
	}
	return expired, droppedOldest
}
