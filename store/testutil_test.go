package store

import (
	"context"
	"sync"
	"time"
)

// fakeEntity is the ReadEntity/WriteEntity/NetworkResponse shape shared
// by this package's engine-level tests: a value plus the instant it was
// last written and an optional etag, which is all FreshnessValidator and
// Bookkeeper need to exercise their decision logic end to end.
type fakeEntity struct {
	Value     string
	UpdatedAt time.Time
	ETag      string
}

// fakeSoT is a minimal in-memory SourceOfTruth, used across this
// package's tests instead of a real pebble/leveldb backend.
type fakeSoT struct {
	mu   sync.Mutex
	data map[ByIDKey]fakeEntity
	subs map[ByIDKey][]chan ReadEntityEvent[fakeEntity]
}

func newFakeSoT() *fakeSoT {
	return &fakeSoT{
		data: make(map[ByIDKey]fakeEntity),
		subs: make(map[ByIDKey][]chan ReadEntityEvent[fakeEntity]),
	}
}

func (f *fakeSoT) Reader(ctx context.Context, key ByIDKey) (<-chan ReadEntityEvent[fakeEntity], error) {
	f.mu.Lock()
	ch := make(chan ReadEntityEvent[fakeEntity], 1)
	if v, ok := f.data[key]; ok {
		ch <- PresentEvent(v)
	} else {
		ch <- AbsentEvent[fakeEntity]()
	}
	f.subs[key] = append(f.subs[key], ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		list := f.subs[key]
		for i, other := range list {
			if other == ch {
				f.subs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (f *fakeSoT) notifyLocked(key ByIDKey, ev ReadEntityEvent[fakeEntity]) {
	for _, ch := range f.subs[key] {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
}

func (f *fakeSoT) Write(ctx context.Context, key ByIDKey, entity fakeEntity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = entity
	f.notifyLocked(key, PresentEvent(entity))
	return nil
}

func (f *fakeSoT) Delete(ctx context.Context, key ByIDKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	f.notifyLocked(key, AbsentEvent[fakeEntity]())
	return nil
}

func (f *fakeSoT) WithTransaction(ctx context.Context, fn func(tx Transaction[ByIDKey, fakeEntity]) error) error {
	return fn(fakeTx{f})
}

type fakeTx struct{ f *fakeSoT }

func (t fakeTx) Write(ctx context.Context, key ByIDKey, entity fakeEntity) error {
	return t.f.Write(ctx, key, entity)
}
func (t fakeTx) Delete(ctx context.Context, key ByIDKey) error { return t.f.Delete(ctx, key) }

// identityConverter treats Domain as the entity's bare string Value.
type identityConverter struct{}

func (identityConverter) NetToWriteEntity(key ByIDKey, net fakeEntity) (fakeEntity, error) {
	return net, nil
}
func (identityConverter) ReadEntityToDomain(key ByIDKey, read fakeEntity) (string, error) {
	return read.Value, nil
}
func (identityConverter) ReadEntityToDBMeta(read fakeEntity) DBMeta {
	return DBMeta{UpdatedAt: read.UpdatedAt}
}
func (identityConverter) NetToNetMeta(net fakeEntity) NetMeta {
	return NetMeta{ETag: net.ETag, HasETag: net.ETag != ""}
}
func (identityConverter) DomainToWriteEntity(key ByIDKey, domain string) (fakeEntity, bool) {
	return fakeEntity{Value: domain}, true
}

// fakeFetcher returns a scripted sequence of outcomes, one per call,
// repeating the last one once exhausted.
type fakeFetcher struct {
	mu       sync.Mutex
	outcomes []FetchOutcome[fakeEntity]
	calls    int
}

func (f *fakeFetcher) Fetch(ctx context.Context, key ByIDKey, req FetchRequest) (<-chan FetchOutcome[fakeEntity], error) {
	f.mu.Lock()
	idx := f.calls
	if idx >= len(f.outcomes) {
		idx = len(f.outcomes) - 1
	}
	f.calls++
	out := f.outcomes[idx]
	f.mu.Unlock()

	ch := make(chan FetchOutcome[fakeEntity], 1)
	ch <- out
	close(ch)
	return ch, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
