// Package cache memoizes expensive pairwise computations such as merchant
// normalization and merchant similarity.
//
// A cache is purely an optimization: every lookup path falls back to
// recomputing the value when the cache is missing, failing, or returns an
// entry that does not pass validation.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is the minimal capability the matcher depends on
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
	Len() int
	Purge()
}

// Stats reports cache effectiveness
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// LRU is a bounded, TTL-expiring cache safe for concurrent use
type LRU[K comparable, V any] struct {
	lru    *expirable.LRU[K, V]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewLRU creates a cache holding at most size entries, each living for ttl.
// A non-positive ttl disables expiry.
func NewLRU[K comparable, V any](size int, ttl time.Duration) *LRU[K, V] {
	if size <= 0 {
		size = 1
	}
	if ttl < 0 {
		ttl = 0
	}
	return &LRU[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	value, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return value, ok
}

func (c *LRU[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

func (c *LRU[K, V]) Len() int {
	return c.lru.Len()
}

func (c *LRU[K, V]) Purge() {
	c.lru.Purge()
}

// Stats returns a snapshot of hit/miss counters
func (c *LRU[K, V]) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.lru.Len(),
	}
}

// Noop never stores anything
type Noop[K comparable, V any] struct{}

func (Noop[K, V]) Get(K) (V, bool) {
	var zero V
	return zero, false
}

func (Noop[K, V]) Set(K, V) {}

func (Noop[K, V]) Len() int { return 0 }

func (Noop[K, V]) Purge() {}

// GetOrCompute returns the cached value for key or computes and stores it
func GetOrCompute[K comparable, V any](c Cache[K, V], key K, compute func() V) V {
	return GetOrComputeChecked(c, key, compute, nil)
}

// GetOrComputeChecked is GetOrCompute with a validity check on cached
// entries. Entries failing valid are recomputed and overwritten.
func GetOrComputeChecked[K comparable, V any](c Cache[K, V], key K, compute func() V, valid func(V) bool) V {
	if c == nil {
		return compute()
	}

	if value, ok := safeGet(c, key); ok && (valid == nil || valid(value)) {
		return value
	}

	value := compute()
	safeSet(c, key, value)
	return value
}

func safeGet[K comparable, V any](c Cache[K, V], key K) (value V, ok bool) {
	defer func() {
		if recover() != nil {
			var zero V
			value, ok = zero, false
		}
	}()
	return c.Get(key)
}

func safeSet[K comparable, V any](c Cache[K, V], key K, value V) {
	defer func() { _ = recover() }()
	c.Set(key, value)
}
