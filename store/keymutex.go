package store

import (
	"container/list"
	"sync"
)

// keyLock is the value stored per key in KeyMutex: the actual mutex plus
// a reference count of callers currently holding or waiting on it, so
// bounded eviction can skip over entries that are still in use.
type keyLock struct {
	key      any
	mu       sync.Mutex
	refCount int
}

// KeyMutex hands out a mutex per key, bounding the number of live
// mutexes with an LRU so a long-running engine does not leak one mutex
// per key ever seen. The bookkeeping structure is the same
// hashmap-plus-doubly-linked-list shape MemoryCache's LRU uses, but
// implemented directly over container/list here (rather than reusing
// hashicorp/golang-lru) because eviction must skip any entry whose
// refCount is still positive — golang-lru's NewWithEvict always evicts
// strictly the least-recently-used entry with no way to veto it, which
// cannot honor the rule that eviction does not happen while a caller holds a
// lock they obtained" guarantee.
type KeyMutex[K comparable] struct {
	mu       sync.Mutex // guards the map+list below, not the per-key locks
	capacity int
	entries  map[K]*list.Element // element.Value is *keyLock
	order    *list.List           // front = most recently touched
}

// NewKeyMutex constructs a KeyMutex bounded at capacity entries (default
// 1000.
func NewKeyMutex[K comparable](capacity int) *KeyMutex[K] {
	if capacity <= 0 {
		capacity = 1000
	}
	return &KeyMutex[K]{
		capacity: capacity,
		entries:  make(map[K]*list.Element),
		order:    list.New(),
	}
}

// Lock blocks until the mutex for k is acquired and returns an unlocker.
// Calling the returned func unlocks it exactly once.
func (km *KeyMutex[K]) Lock(k K) func() {
	km.mu.Lock()
	var kl *keyLock
	if elem, ok := km.entries[k]; ok {
		kl = elem.Value.(*keyLock)
		km.order.MoveToFront(elem)
		kl.refCount++
	} else {
		kl = &keyLock{key: k}
		kl.refCount++ // pinned before eviction runs, so it cannot evict itself
		elem := km.order.PushFront(kl)
		km.entries[k] = elem
		km.evictLocked()
	}
	km.mu.Unlock()

	kl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.mu.Unlock()
			km.mu.Lock()
			kl.refCount--
			km.mu.Unlock()
		})
	}
}

// evictLocked drops least-recently-used entries until the map is back
// at or under capacity, skipping any entry still referenced by a live
// caller. Must be called with km.mu held.
func (km *KeyMutex[K]) evictLocked() {
	if km.order.Len() <= km.capacity {
		return
	}
	// Walk from the back (oldest) forward; an entry with refCount>0 is
	// left in place and we continue scanning toward the front. In the
	// pathological case where every entry is pinned, the map simply
	// exceeds capacity temporarily until some lock is released.
	for e := km.order.Back(); e != nil && km.order.Len() > km.capacity; {
		prev := e.Prev()
		kl := e.Value.(*keyLock)
		if kl.refCount == 0 {
			km.order.Remove(e)
			delete(km.entries, kl.key.(K))
		}
		e = prev
	}
}

// Len reports the number of live mutex entries (including pinned ones
// kept past capacity).
func (km *KeyMutex[K]) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.order.Len()
}
