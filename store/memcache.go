package store

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// memEntry is the value stored behind every key in the LRU: the cached
// value plus the instant it was written.
type memEntry[Domain any] struct {
	value       Domain
	writeInstant time.Time
}

// MemoryCache is the bounded LRU+TTL cache sitting in front of the source
// teacher's direct dependency on hashicorp/golang-lru for the O(1)
// hashmap-plus-recency-list structure (the same data structure
// triedb/pathdb.diskLayer's fastcache clean cache gives at the byte
// level; golang-lru is used here instead because MemoryCache must hold
// arbitrary Domain values, not just []byte). All operations are
// serialized by a single outer mutex, held around golang-lru's own
// internally locked calls, so TTL eviction and
// LRU eviction never observe half-mutated state (readers never
// observe half-mutated LRU state").
type MemoryCache[K comparable, Domain any] struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryCache constructs a MemoryCache. capacity must be positive and
// ttl must be positive; both panic otherwise ("must not
// silently accept zero/negative capacity or non-positive ttl".
func NewMemoryCache[K comparable, Domain any](capacity int, ttl time.Duration) *MemoryCache[K, Domain] {
	if capacity <= 0 {
		panic("fluxstore: MemoryCache capacity must be positive")
	}
	if ttl <= 0 {
		panic("fluxstore: MemoryCache ttl must be positive")
	}
	c, err := lru.New(capacity)
	if err != nil {
		// golang-lru only errors on size <= 0, already guarded above.
		panic(err)
	}
	return &MemoryCache[K, Domain]{cache: c, ttl: ttl, now: time.Now}
}

// Get returns the value for k iff present and not expired. An expired
// entry is evicted under the same exclusive section that observed it.
func (c *MemoryCache[K, Domain]) Get(k K) (Domain, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok := c.cache.Get(k)
	if !ok {
		var zero Domain
		return zero, false
	}
	entry := raw.(memEntry[Domain])
	if c.now().Sub(entry.writeInstant) > c.ttl {
		c.cache.Remove(k)
		var zero Domain
		return zero, false
	}
	return entry.value, true
}

// Put upserts k with writeInstant = now, evicting the least-recently-used
// entry under capacity pressure (golang-lru's own eviction, driven by its
// internal recency list which Get/Add both update).
func (c *MemoryCache[K, Domain]) Put(k K, v Domain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(k, memEntry[Domain]{value: v, writeInstant: c.now()})
}

// GetWithAge is Get plus how long ago the entry was written, for
// collaborators (the Coordinator's fast path) that report an Age
// alongside the value.
func (c *MemoryCache[K, Domain]) GetWithAge(k K) (Domain, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok := c.cache.Get(k)
	if !ok {
		var zero Domain
		return zero, 0, false
	}
	entry := raw.(memEntry[Domain])
	age := c.now().Sub(entry.writeInstant)
	if age > c.ttl {
		c.cache.Remove(k)
		var zero Domain
		return zero, 0, false
	}
	return entry.value, age, true
}

func (c *MemoryCache[K, Domain]) Remove(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(k)
}

func (c *MemoryCache[K, Domain]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Len reports the current entry count, including not-yet-lazily-expired
// entries (an exact count requires a full TTL sweep, which Len does not
// perform).
func (c *MemoryCache[K, Domain]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// RemoveAll evicts every key in keys. Used by the Coordinator's
// InvalidateNamespace (InvalidateAll uses Clear); the namespace→keys index
// (namespace_index.go) supplies the candidate set so this never needs to
// scan the whole cache.
func (c *MemoryCache[K, Domain]) RemoveAll(keys []K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.cache.Remove(k)
	}
}
