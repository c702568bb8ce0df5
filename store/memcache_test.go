package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCachePanicsOnInvalidConfig(t *testing.T) {
	assert.Panics(t, func() { NewMemoryCache[string, string](0, time.Minute) })
	assert.Panics(t, func() { NewMemoryCache[string, string](10, 0) })
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	c := NewMemoryCache[string, string](10, time.Minute)
	now := time.Unix(0, 0)
	c.now = func() time.Time { return now }

	c.Put("a", "v1")
	_, ok := c.Get("a")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry must expire once its TTL has elapsed")
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCacheLRUEviction(t *testing.T) {
	c := NewMemoryCache[string, int](2, time.Minute)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3) // evicts "a", the least recently touched

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestMemoryCacheRemoveAll(t *testing.T) {
	c := NewMemoryCache[string, int](10, time.Minute)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	c.RemoveAll([]string{"a", "c"})

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.False(t, ok)
}
