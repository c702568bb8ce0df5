package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, sot *fakeSoT, fetcher Fetcher[ByIDKey, fakeEntity]) *Engine[ByIDKey, string, fakeEntity, fakeEntity, fakeEntity] {
	t.Helper()
	e, err := New(Config[ByIDKey, string, fakeEntity, fakeEntity, fakeEntity]{
		Memory:    NewMemoryCache[ByIDKey, string](100, time.Minute),
		SoT:       sot,
		Fetcher:   fetcher,
		Converter: identityConverter{},
		Validator: FreshnessValidator{DefaultTTL: time.Minute},
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngineGetCachedOrFetchSkipsFetchWhenFresh(t *testing.T) {
	sot := newFakeSoT()
	key := ByIDKey{Ns: "n", EntityType: "t", EntityID: "1"}
	require.NoError(t, sot.Write(context.Background(), key, fakeEntity{Value: "fresh", UpdatedAt: time.Now()}))

	fetcher := &fakeFetcher{outcomes: []FetchOutcome[fakeEntity]{
		FetchError[fakeEntity](errors.New("must not be called")),
	}}
	e := newTestEngine(t, sot, fetcher)

	val, err := e.Get(context.Background(), key, CachedOrFetch())
	require.NoError(t, err)
	assert.Equal(t, "fresh", val)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, fetcher.callCount(), "fresh local data must not trigger a fetch under CachedOrFetch")
}

func TestEngineGetMustBeFreshPropagatesFetchError(t *testing.T) {
	sot := newFakeSoT()
	key := ByIDKey{Ns: "n", EntityType: "t", EntityID: "1"}
	require.NoError(t, sot.Write(context.Background(), key, fakeEntity{Value: "stale", UpdatedAt: time.Now().Add(-time.Hour)}))

	wantErr := errors.New("upstream unavailable")
	fetcher := &fakeFetcher{outcomes: []FetchOutcome[fakeEntity]{FetchError[fakeEntity](wantErr)}}
	e := newTestEngine(t, sot, fetcher)

	_, err := e.Get(context.Background(), key, MustBeFresh())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream unavailable")
}

func TestEngineGetMustBeFreshAppliesSuccessfulFetch(t *testing.T) {
	sot := newFakeSoT()
	key := ByIDKey{Ns: "n", EntityType: "t", EntityID: "1"}

	fetcher := &fakeFetcher{outcomes: []FetchOutcome[fakeEntity]{
		FetchSuccess(fakeEntity{Value: "from-network"}, "etag-1", true, 0, false),
	}}
	e := newTestEngine(t, sot, fetcher)

	val, err := e.Get(context.Background(), key, MustBeFresh())
	require.NoError(t, err)
	assert.Equal(t, "from-network", val)

	status, ok := e.bookkeeper.LastStatus(key)
	require.True(t, ok)
	assert.Equal(t, "etag-1", status.LastETag)
}

func TestEngineInvalidateDropsMemoryEntry(t *testing.T) {
	sot := newFakeSoT()
	key := ByIDKey{Ns: "n", EntityType: "t", EntityID: "1"}
	require.NoError(t, sot.Write(context.Background(), key, fakeEntity{Value: "v", UpdatedAt: time.Now()}))

	e := newTestEngine(t, sot, nil)
	_, err := e.Get(context.Background(), key, CachedOrFetch())
	require.NoError(t, err)
	_, ok := e.memory.Get(key)
	require.True(t, ok)

	e.Invalidate(key)
	_, ok = e.memory.Get(key)
	assert.False(t, ok)
}

func TestEngineInvalidateNamespaceClearsOnlyThatNamespace(t *testing.T) {
	sot := newFakeSoT()
	a := ByIDKey{Ns: "ns-a", EntityType: "t", EntityID: "1"}
	b := ByIDKey{Ns: "ns-b", EntityType: "t", EntityID: "1"}
	require.NoError(t, sot.Write(context.Background(), a, fakeEntity{Value: "a", UpdatedAt: time.Now()}))
	require.NoError(t, sot.Write(context.Background(), b, fakeEntity{Value: "b", UpdatedAt: time.Now()}))

	e := newTestEngine(t, sot, nil)
	_, err := e.Get(context.Background(), a, CachedOrFetch())
	require.NoError(t, err)
	_, err = e.Get(context.Background(), b, CachedOrFetch())
	require.NoError(t, err)

	e.InvalidateNamespace("ns-a")

	_, ok := e.memory.Get(a)
	assert.False(t, ok)
	_, ok = e.memory.Get(b)
	assert.True(t, ok, "invalidating ns-a must not touch ns-b's entries")
}
