// Package pebblesot is a reference store.SourceOfTruth backed by
// github.com/cockroachdb/pebble, a common choice for
// durable, ordered on-disk storage. A github.com/VictoriaMetrics/fastcache
// tier sits in front of it as the "clean cache" for hot reads, mirroring
// the shape of go-ethereum's triedb/pathdb diskLayer (a durable backing
// store fronted by a byte-addressed clean cache) but holding wire-encoded
// entity bytes instead of trie nodes.
package pebblesot

import (
	"context"
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/cockroachdb/pebble"

	"github.com/fluxstore/fluxstore/store"
)

// Codec converts between a key's wire bytes and the ReadEntity/WriteEntity
// types a particular Engine instantiation uses. ReadEntity and WriteEntity
// are expected to be two views over the same wire format (e.g. the same
// generated message type under different names), which is why both
// Decode methods accept the identical byte slice PebbleSoT stores.
type Codec[ReadEntity any, WriteEntity any] interface {
	EncodeWrite(entity WriteEntity) ([]byte, error)
	DecodeRead(data []byte) (ReadEntity, error)
	DecodeWrite(data []byte) (WriteEntity, error)
}

type subscriber[ReadEntity any] struct {
	ch chan store.ReadEntityEvent[ReadEntity]
}

// PebbleSoT implements store.SourceOfTruth, store.Rekeyer, and
// store.CacheClearer.
type PebbleSoT[K store.Key, ReadEntity any, WriteEntity any] struct {
	db    *pebble.DB
	clean *fastcache.Cache
	codec Codec[ReadEntity, WriteEntity]

	mu   sync.Mutex
	subs map[string][]*subscriber[ReadEntity]
}

// Open opens (or creates) a pebble store at dir, fronted by an
// in-process clean cache of cleanCacheBytes capacity.
func Open[K store.Key, ReadEntity any, WriteEntity any](
	dir string, cleanCacheBytes int, codec Codec[ReadEntity, WriteEntity],
) (*PebbleSoT[K, ReadEntity, WriteEntity], error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebblesot: opening %s: %w", dir, err)
	}
	if cleanCacheBytes <= 0 {
		cleanCacheBytes = 32 * 1024 * 1024
	}
	return &PebbleSoT[K, ReadEntity, WriteEntity]{
		db:    db,
		clean: fastcache.New(cleanCacheBytes),
		codec: codec,
		subs:  make(map[string][]*subscriber[ReadEntity]),
	}, nil
}

func (s *PebbleSoT[K, ReadEntity, WriteEntity]) Close() error {
	s.clean.Reset()
	return s.db.Close()
}

func wireKey[K store.Key](key K) []byte {
	return []byte(fmt.Sprintf("%s\x00%016x", key.Namespace(), key.StableHash()))
}

func (s *PebbleSoT[K, ReadEntity, WriteEntity]) lookup(kb []byte) ([]byte, bool, error) {
	if v, ok := s.clean.HasGet(nil, kb); ok {
		return v, true, nil
	}
	v, closer, err := s.db.Get(kb)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	out := append([]byte(nil), v...)
	s.clean.Set(kb, out)
	return out, true, nil
}

// Reader implements store.SourceOfTruth. The returned channel emits the
// current state immediately, per store.SourceOfTruth's contract, then
// one event per subsequent Write/Delete/WithTransaction touching key.
func (s *PebbleSoT[K, ReadEntity, WriteEntity]) Reader(ctx context.Context, key K) (<-chan store.ReadEntityEvent[ReadEntity], error) {
	kb := wireKey(key)
	keyStr := string(kb)

	raw, present, err := s.lookup(kb)
	if err != nil {
		return nil, fmt.Errorf("pebblesot: initial read for %v: %w", key, err)
	}

	var initial store.ReadEntityEvent[ReadEntity]
	if present {
		entity, err := s.codec.DecodeRead(raw)
		if err != nil {
			return nil, fmt.Errorf("pebblesot: decoding entry for %v: %w", key, err)
		}
		initial = store.PresentEvent(entity)
	} else {
		initial = store.AbsentEvent[ReadEntity]()
	}

	sub := &subscriber[ReadEntity]{ch: make(chan store.ReadEntityEvent[ReadEntity], 1)}
	sub.ch <- initial

	s.mu.Lock()
	s.subs[keyStr] = append(s.subs[keyStr], sub)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.subs[keyStr]
		for i, other := range list {
			if other == sub {
				s.subs[keyStr] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(s.subs[keyStr]) == 0 {
			delete(s.subs, keyStr)
		}
		close(sub.ch)
	}()

	return sub.ch, nil
}

// notify delivers ev to every live subscriber of key, conflating with
// any undelivered event already buffered (the same single-slot pattern
// store.Engine's pump uses), so a slow Reader consumer never blocks a
// writer.
func (s *PebbleSoT[K, ReadEntity, WriteEntity]) notify(key K, ev store.ReadEntityEvent[ReadEntity]) {
	s.mu.Lock()
	subs := append([]*subscriber[ReadEntity](nil), s.subs[string(wireKey(key))]...)
	s.mu.Unlock()

	for _, sub := range subs {
		for {
			select {
			case sub.ch <- ev:
			default:
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func (s *PebbleSoT[K, ReadEntity, WriteEntity]) Write(ctx context.Context, key K, entity WriteEntity) error {
	raw, err := s.codec.EncodeWrite(entity)
	if err != nil {
		return fmt.Errorf("pebblesot: encoding entry for %v: %w", key, err)
	}
	kb := wireKey(key)
	if err := s.db.Set(kb, raw, pebble.Sync); err != nil {
		return fmt.Errorf("pebblesot: writing %v: %w", key, err)
	}
	s.clean.Set(kb, raw)

	read, err := s.codec.DecodeRead(raw)
	if err != nil {
		return fmt.Errorf("pebblesot: re-decoding written entry for %v: %w", key, err)
	}
	s.notify(key, store.PresentEvent(read))
	return nil
}

func (s *PebbleSoT[K, ReadEntity, WriteEntity]) Delete(ctx context.Context, key K) error {
	kb := wireKey(key)
	if err := s.db.Delete(kb, pebble.Sync); err != nil {
		return fmt.Errorf("pebblesot: deleting %v: %w", key, err)
	}
	s.clean.Del(kb)
	s.notify(key, store.AbsentEvent[ReadEntity]())
	return nil
}

// ClearCache implements store.CacheClearer.
func (s *PebbleSoT[K, ReadEntity, WriteEntity]) ClearCache(key K) {
	s.clean.Del(wireKey(key))
}

type pendingNotify[K store.Key, ReadEntity any] struct {
	key K
	ev  store.ReadEntityEvent[ReadEntity]
	raw []byte // wire bytes for a Present event; nil for Absent
}

type pebbleTx[K store.Key, ReadEntity any, WriteEntity any] struct {
	parent  *PebbleSoT[K, ReadEntity, WriteEntity]
	batch   *pebble.Batch
	pending []pendingNotify[K, ReadEntity]
}

func (tx *pebbleTx[K, ReadEntity, WriteEntity]) Write(ctx context.Context, key K, entity WriteEntity) error {
	raw, err := tx.parent.codec.EncodeWrite(entity)
	if err != nil {
		return fmt.Errorf("pebblesot: encoding entry for %v: %w", key, err)
	}
	if err := tx.batch.Set(wireKey(key), raw, nil); err != nil {
		return err
	}
	read, err := tx.parent.codec.DecodeRead(raw)
	if err != nil {
		return fmt.Errorf("pebblesot: re-decoding entry for %v: %w", key, err)
	}
	tx.pending = append(tx.pending, pendingNotify[K, ReadEntity]{key: key, ev: store.PresentEvent(read), raw: raw})
	return nil
}

func (tx *pebbleTx[K, ReadEntity, WriteEntity]) Delete(ctx context.Context, key K) error {
	if err := tx.batch.Delete(wireKey(key), nil); err != nil {
		return err
	}
	tx.pending = append(tx.pending, pendingNotify[K, ReadEntity]{key: key, ev: store.AbsentEvent[ReadEntity]()})
	return nil
}

// WithTransaction implements store.SourceOfTruth's atomic multi-write
// surface via a pebble.Batch, committed with a single fsync so readers
// never observe a torn intermediate state.
func (s *PebbleSoT[K, ReadEntity, WriteEntity]) WithTransaction(
	ctx context.Context, fn func(tx store.Transaction[K, WriteEntity]) error,
) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	tx := &pebbleTx[K, ReadEntity, WriteEntity]{parent: s, batch: batch}
	if err := fn(tx); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblesot: committing transaction: %w", err)
	}

	for _, p := range tx.pending {
		kb := wireKey(p.key)
		if p.ev.Present {
			s.clean.Set(kb, p.raw)
		} else {
			s.clean.Del(kb)
		}
		s.notify(p.key, p.ev)
	}
	return nil
}

// Rekey implements store.Rekeyer: it moves old's stored entity to new,
// letting reconcile adjust the write-model value (typically to stamp
// the canonical id into the payload) before it is persisted.
func (s *PebbleSoT[K, ReadEntity, WriteEntity]) Rekey(
	ctx context.Context, old K, new K, reconcile func(WriteEntity) WriteEntity,
) error {
	oldKB := wireKey(old)
	raw, present, err := s.lookup(oldKB)
	if err != nil {
		return fmt.Errorf("pebblesot: reading %v for rekey: %w", old, err)
	}
	if !present {
		return nil
	}
	entity, err := s.codec.DecodeWrite(raw)
	if err != nil {
		return fmt.Errorf("pebblesot: decoding %v for rekey: %w", old, err)
	}
	entity = reconcile(entity)

	if err := s.Write(ctx, new, entity); err != nil {
		return err
	}
	return s.Delete(ctx, old)
}
