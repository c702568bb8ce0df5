package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePatchClient struct {
	resp MutationResponse[fakeEntity]
	err  error
}

func (c *fakePatchClient) Patch(ctx context.Context, key ByIDKey, wire any, pre Precondition) (MutationResponse[fakeEntity], error) {
	return c.resp, c.err
}

type fakePutClient struct {
	resp MutationResponse[fakeEntity]
	err  error
}

func (c *fakePutClient) Put(ctx context.Context, key ByIDKey, wire any, pre Precondition) (MutationResponse[fakeEntity], error) {
	return c.resp, c.err
}

type fakeDeleteClient struct {
	resp MutationResponse[fakeEntity]
	err  error
}

func (c *fakeDeleteClient) Delete(ctx context.Context, key ByIDKey, pre Precondition) (MutationResponse[fakeEntity], error) {
	return c.resp, c.err
}

func TestEngineUpdateAppliesEchoAndRecordsETag(t *testing.T) {
	sot := newFakeSoT()
	key := ByIDKey{Ns: "n", EntityType: "t", EntityID: "1"}
	require.NoError(t, sot.Write(context.Background(), key, fakeEntity{Value: "base", UpdatedAt: time.Now()}))

	e, err := New(Config[ByIDKey, string, fakeEntity, fakeEntity, fakeEntity]{
		Memory:    NewMemoryCache[ByIDKey, string](10, time.Minute),
		SoT:       sot,
		Converter: identityConverter{},
		Validator: FreshnessValidator{DefaultTTL: time.Minute},
		PatchClient: &fakePatchClient{
			resp: MutationSuccess(fakeEntity{Value: "echoed"}, true, "v2", true),
		},
	})
	require.NoError(t, err)
	defer e.Close()

	result := e.Update(context.Background(), key, fakeEntity{Value: "patched"}, MutationPolicy{})
	assert.True(t, result.IsSynced())

	sot.mu.Lock()
	got := sot.data[key]
	sot.mu.Unlock()
	assert.Equal(t, "echoed", got.Value, "a successful echo must be folded back into the source of truth")

	status, ok := e.bookkeeper.LastStatus(key)
	require.True(t, ok)
	assert.Equal(t, "v2", status.LastETag)
}

func TestEngineUpdateConflictDoesNotRollBackOptimisticWrite(t *testing.T) {
	sot := newFakeSoT()
	key := ByIDKey{Ns: "n", EntityType: "t", EntityID: "1"}
	require.NoError(t, sot.Write(context.Background(), key, fakeEntity{Value: "base", UpdatedAt: time.Now()}))

	e, err := New(Config[ByIDKey, string, fakeEntity, fakeEntity, fakeEntity]{
		Memory:    NewMemoryCache[ByIDKey, string](10, time.Minute),
		SoT:       sot,
		Converter: identityConverter{},
		Validator: FreshnessValidator{DefaultTTL: time.Minute},
		MergePatch: func(base, patch fakeEntity) (fakeEntity, error) {
			return fakeEntity{Value: patch.Value}, nil
		},
		PatchClient: &fakePatchClient{resp: MutationConflict[fakeEntity]("server-v9")},
	})
	require.NoError(t, err)
	defer e.Close()

	result := e.Update(context.Background(), key, fakeEntity{Value: "optimistic"}, MutationPolicy{})
	require.True(t, result.IsFailed())
	var conflict *ConflictError
	assert.ErrorAs(t, result.Cause(), &conflict)
	assert.Equal(t, "server-v9", conflict.ServerETag)

	sot.mu.Lock()
	got := sot.data[key]
	sot.mu.Unlock()
	assert.Equal(t, "optimistic", got.Value, "the core must not roll back the optimistic write on conflict")
}

func TestEngineUpdateRequireOnlineWithoutClientFails(t *testing.T) {
	sot := newFakeSoT()
	key := ByIDKey{Ns: "n", EntityType: "t", EntityID: "1"}

	e, err := New(Config[ByIDKey, string, fakeEntity, fakeEntity, fakeEntity]{
		Memory:    NewMemoryCache[ByIDKey, string](10, time.Minute),
		SoT:       sot,
		Converter: identityConverter{},
		Validator: FreshnessValidator{DefaultTTL: time.Minute},
	})
	require.NoError(t, err)
	defer e.Close()

	result := e.Update(context.Background(), key, fakeEntity{Value: "x"}, MutationPolicy{RequireOnline: true})
	require.True(t, result.IsFailed())
	assert.ErrorIs(t, result.Cause(), ErrNoClient)
}

func TestEngineUpsertDistinguishesCreatedFromReplaced(t *testing.T) {
	sot := newFakeSoT()
	key := ByIDKey{Ns: "n", EntityType: "t", EntityID: "1"}

	e, err := New(Config[ByIDKey, string, fakeEntity, fakeEntity, fakeEntity]{
		Memory:    NewMemoryCache[ByIDKey, string](10, time.Minute),
		SoT:       sot,
		Converter: identityConverter{},
		Validator: FreshnessValidator{DefaultTTL: time.Minute},
		PutClient: &fakePutClient{resp: MutationSuccessPut(fakeEntity{}, false, "", false, true)},
	})
	require.NoError(t, err)
	defer e.Close()

	result := e.Upsert(context.Background(), key, fakeEntity{Value: "new"}, MutationPolicy{})
	require.True(t, result.IsSynced())
	assert.True(t, result.Created())
}

func TestEngineUpsertLocalWithoutPutClient(t *testing.T) {
	sot := newFakeSoT()
	key := ByIDKey{Ns: "n", EntityType: "t", EntityID: "1"}

	e, err := New(Config[ByIDKey, string, fakeEntity, fakeEntity, fakeEntity]{
		Memory:    NewMemoryCache[ByIDKey, string](10, time.Minute),
		SoT:       sot,
		Converter: identityConverter{},
		Validator: FreshnessValidator{DefaultTTL: time.Minute},
	})
	require.NoError(t, err)
	defer e.Close()

	result := e.Upsert(context.Background(), key, fakeEntity{Value: "local-only"}, MutationPolicy{})
	assert.True(t, result.IsLocal())

	sot.mu.Lock()
	got, ok := sot.data[key]
	sot.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "local-only", got.Value)
}

func TestEngineDeleteReportsAlreadyDeleted(t *testing.T) {
	sot := newFakeSoT()
	key := ByIDKey{Ns: "n", EntityType: "t", EntityID: "1"}

	e, err := New(Config[ByIDKey, string, fakeEntity, fakeEntity, fakeEntity]{
		Memory:       NewMemoryCache[ByIDKey, string](10, time.Minute),
		SoT:          sot,
		Converter:    identityConverter{},
		Validator:    FreshnessValidator{DefaultTTL: time.Minute},
		DeleteClient: &fakeDeleteClient{resp: MutationSuccessDelete[fakeEntity](true)},
	})
	require.NoError(t, err)
	defer e.Close()

	result := e.Delete(context.Background(), key, MutationPolicy{})
	require.True(t, result.IsSynced())
	assert.True(t, result.AlreadyDeleted())
}

func TestEngineDeleteFailurePropagatesCause(t *testing.T) {
	sot := newFakeSoT()
	key := ByIDKey{Ns: "n", EntityType: "t", EntityID: "1"}
	wantErr := errors.New("network down")

	e, err := New(Config[ByIDKey, string, fakeEntity, fakeEntity, fakeEntity]{
		Memory:       NewMemoryCache[ByIDKey, string](10, time.Minute),
		SoT:          sot,
		Converter:    identityConverter{},
		Validator:    FreshnessValidator{DefaultTTL: time.Minute},
		DeleteClient: &fakeDeleteClient{err: wantErr},
	})
	require.NoError(t, err)
	defer e.Close()

	result := e.Delete(context.Background(), key, MutationPolicy{})
	require.True(t, result.IsFailed())
	assert.ErrorIs(t, result.Cause(), wantErr)
}
