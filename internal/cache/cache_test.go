package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLRU_GetSet(t *testing.T) {
	c := NewLRU[string, string](10, time.Minute)

	c.Set("starbucks #4521", "starbucks")

	value, found := c.Get("starbucks #4521")
	assert.True(t, found)
	assert.Equal(t, "starbucks", value)

	value, found = c.Get("shell")
	assert.False(t, found)
	assert.Empty(t, value)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.InDelta(t, 0.5, stats.HitRate(), 1e-12)
}

func TestLRU_Bounded(t *testing.T) {
	c := NewLRU[int, int](3, 0)
	for i := 0; i < 10; i++ {
		c.Set(i, i*i)
	}

	assert.Equal(t, 3, c.Len())
	_, found := c.Get(0)
	assert.False(t, found, "oldest entry should be evicted")
	v, found := c.Get(9)
	assert.True(t, found)
	assert.Equal(t, 81, v)

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestLRU_TTL(t *testing.T) {
	c := NewLRU[string, int](10, 20*time.Millisecond)
	c.Set("a", 1)

	assert.Eventually(t, func() bool {
		_, ok := c.Get("a")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestLRU_Concurrent(t *testing.T) {
	c := NewLRU[string, string](1000, time.Minute)

	var wg sync.WaitGroup
	numGoroutines := 100
	wg.Add(numGoroutines * 2)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			c.Set(fmt.Sprintf("key_%d", id), fmt.Sprintf("value_%d", id))
		}(i)
	}
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			GetOrCompute[string, string](c, fmt.Sprintf("key_%d", id), func() string {
				return fmt.Sprintf("value_%d", id)
			})
		}(i)
	}

	wg.Wait()
	assert.Equal(t, numGoroutines, c.Len())
}

func TestGetOrCompute(t *testing.T) {
	c := NewLRU[string, int](10, time.Minute)
	calls := 0
	compute := func() int {
		calls++
		return 42
	}

	assert.Equal(t, 42, GetOrCompute[string, int](c, "k", compute))
	assert.Equal(t, 42, GetOrCompute[string, int](c, "k", compute))
	assert.Equal(t, 1, calls)
}

func TestGetOrCompute_NilAndNoop(t *testing.T) {
	calls := 0
	compute := func() int {
		calls++
		return 7
	}

	assert.Equal(t, 7, GetOrCompute[string, int](nil, "k", compute))
	assert.Equal(t, 7, GetOrCompute[string, int](Noop[string, int]{}, "k", compute))
	assert.Equal(t, 7, GetOrCompute[string, int](Noop[string, int]{}, "k", compute))
	assert.Equal(t, 3, calls)
}

func TestGetOrComputeChecked_CorruptedEntry(t *testing.T) {
	c := NewLRU[string, float64](10, time.Minute)
	c.Set("pair", 7.5)

	valid := func(v float64) bool { return v >= 0 && v <= 1 }
	got := GetOrComputeChecked[string, float64](c, "pair", func() float64 { return 0.9 }, valid)
	assert.Equal(t, 0.9, got)

	stored, ok := c.Get("pair")
	assert.True(t, ok)
	assert.Equal(t, 0.9, stored, "corrupted entry should be overwritten")
}

type brokenCache struct{}

func (brokenCache) Get(string) (int, bool) { panic("backend unavailable") }
func (brokenCache) Set(string, int)        { panic("backend unavailable") }
func (brokenCache) Len() int               { return 0 }
func (brokenCache) Purge()                 {}

func TestGetOrCompute_UnavailableCache(t *testing.T) {
	got := GetOrCompute[string, int](brokenCache{}, "k", func() int { return 5 })
	assert.Equal(t, 5, got)
}
