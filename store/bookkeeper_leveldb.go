package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelDBBookkeeper is a durable Bookkeeper backed by go-ethereum's
// direct dependency github.com/syndtr/goleveldb, for deployments that
// want key status (last success/failure, etag, backoff) to survive a
// process restart instead of resetting to empty like MemoryBookkeeper.
// KeyStatus values are JSON-encoded; KeyString renders K to the leveldb
// key bytes. mu serializes the load-modify-store cycle in
// RecordSuccess/RecordFailure, matching the "safe for concurrent readers
// and writers" contract Bookkeeper promises (two concurrent RecordFailure
// calls on the same key must not clobber each other's streak increment).
type LevelDBBookkeeper[K comparable] struct {
	db        *leveldb.DB
	keyString func(K) string
	backoff   BackoffPolicy

	mu sync.Mutex
}

// OpenLevelDBBookkeeper opens (or creates) a leveldb database at dir.
func OpenLevelDBBookkeeper[K comparable](dir string, keyString func(K) string, backoff BackoffPolicy) (*LevelDBBookkeeper[K], error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("bookkeeper: opening %s: %w", dir, err)
	}
	if backoff == nil {
		backoff = NoBackoff
	}
	return &LevelDBBookkeeper[K]{db: db, keyString: keyString, backoff: backoff}, nil
}

func (b *LevelDBBookkeeper[K]) Close() error { return b.db.Close() }

// persistedStatus adds the failure streak KeyStatus itself does not
// carry, so RecordFailure can recompute backoff across restarts.
type persistedStatus struct {
	KeyStatus
	FailureStreak int
}

func (b *LevelDBBookkeeper[K]) load(key K) (persistedStatus, bool) {
	raw, err := b.db.Get([]byte(b.keyString(key)), nil)
	if err != nil {
		return persistedStatus{}, false
	}
	var ps persistedStatus
	if err := json.Unmarshal(raw, &ps); err != nil {
		return persistedStatus{}, false
	}
	return ps, true
}

func (b *LevelDBBookkeeper[K]) store(key K, ps persistedStatus) {
	raw, err := json.Marshal(ps)
	if err != nil {
		return
	}
	_ = b.db.Put([]byte(b.keyString(key)), raw, nil)
}

func (b *LevelDBBookkeeper[K]) RecordSuccess(key K, etag string, hasETag bool, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps, _ := b.load(key)
	ps.LastSuccessAt = at
	ps.HasLastSuccess = true
	if hasETag {
		ps.LastETag = etag
		ps.HasLastETag = true
	}
	ps.HasBackoffUntil = false
	ps.BackoffUntil = time.Time{}
	ps.FailureStreak = 0
	b.store(key, ps)
}

func (b *LevelDBBookkeeper[K]) RecordFailure(key K, cause error, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps, _ := b.load(key)
	ps.LastFailureAt = at
	ps.HasLastFailure = true
	ps.FailureStreak++
	if until, ok := b.backoff(ps.FailureStreak, at); ok {
		ps.BackoffUntil = until
		ps.HasBackoffUntil = true
	}
	b.store(key, ps)
}

func (b *LevelDBBookkeeper[K]) LastStatus(key K) (KeyStatus, bool) {
	ps, ok := b.load(key)
	return ps.KeyStatus, ok
}
