package store

import (
	"context"
	"time"
)

// Precondition carries the optimistic-concurrency tag a mutation client
// should attach to its remote call (If-Match, version, or
// none").
type Precondition struct {
	IfMatch    string
	HasIfMatch bool
}

// NoPrecondition is the zero Precondition: the remote call is unconditional.
func NoPrecondition() Precondition { return Precondition{} }

// IfMatchPrecondition builds a Precondition carrying an expected etag.
func IfMatchPrecondition(etag string) Precondition {
	return Precondition{IfMatch: etag, HasIfMatch: true}
}

// MutationPolicy configures one call to Update/Create/Delete/Upsert/
// Replace: whether the operation requires its remote client to be
// configured, and the precondition to send.
type MutationPolicy struct {
	RequireOnline bool
	Precondition  Precondition
}

type mutationRespKind uint8

const (
	mutationSuccess mutationRespKind = iota
	mutationConflict
	mutationFailure
)

// MutationResponse is what a mutation client returns: Success (with an
// optional echo and etag), Conflict (with the server's current etag), or
// Failure. Created/AlreadyDeleted are populated only by Upsert/Delete
// clients respectively; other callers ignore them.
type MutationResponse[NetworkResponse any] struct {
	kind           mutationRespKind
	echo           NetworkResponse
	hasEcho        bool
	etag           string
	hasETag        bool
	serverETag     string
	cause          error
	created        bool
	alreadyDeleted bool
}

func MutationSuccess[NetworkResponse any](echo NetworkResponse, hasEcho bool, etag string, hasETag bool) MutationResponse[NetworkResponse] {
	return MutationResponse[NetworkResponse]{kind: mutationSuccess, echo: echo, hasEcho: hasEcho, etag: etag, hasETag: hasETag}
}

// MutationSuccessPut is MutationSuccess plus the created/replaced
// distinction Upsert's response needs.
func MutationSuccessPut[NetworkResponse any](echo NetworkResponse, hasEcho bool, etag string, hasETag bool, created bool) MutationResponse[NetworkResponse] {
	return MutationResponse[NetworkResponse]{kind: mutationSuccess, echo: echo, hasEcho: hasEcho, etag: etag, hasETag: hasETag, created: created}
}

// MutationSuccessDelete is MutationSuccess plus the alreadyDeleted signal
// a Delete client may report.
func MutationSuccessDelete[NetworkResponse any](alreadyDeleted bool) MutationResponse[NetworkResponse] {
	return MutationResponse[NetworkResponse]{kind: mutationSuccess, alreadyDeleted: alreadyDeleted}
}

func MutationConflict[NetworkResponse any](serverETag string) MutationResponse[NetworkResponse] {
	return MutationResponse[NetworkResponse]{kind: mutationConflict, serverETag: serverETag}
}

func MutationFailure[NetworkResponse any](cause error) MutationResponse[NetworkResponse] {
	return MutationResponse[NetworkResponse]{kind: mutationFailure, cause: cause}
}

func (r MutationResponse[NetworkResponse]) IsSuccess() bool  { return r.kind == mutationSuccess }
func (r MutationResponse[NetworkResponse]) IsConflict() bool { return r.kind == mutationConflict }
func (r MutationResponse[NetworkResponse]) IsFailure() bool  { return r.kind == mutationFailure }

func (r MutationResponse[NetworkResponse]) Echo() (NetworkResponse, bool) { return r.echo, r.hasEcho }
func (r MutationResponse[NetworkResponse]) ETag() (string, bool)          { return r.etag, r.hasETag }
func (r MutationResponse[NetworkResponse]) ServerETag() string           { return r.serverETag }
func (r MutationResponse[NetworkResponse]) Cause() error                 { return r.cause }
func (r MutationResponse[NetworkResponse]) Created() bool                { return r.created }
func (r MutationResponse[NetworkResponse]) AlreadyDeleted() bool         { return r.alreadyDeleted }

// PatchClient is the remote collaborator Update talks to. wire is
// whatever EncodePatch produced (or the raw WriteEntity if no encoder is
// configured).
type PatchClient[K Key, NetworkResponse any] interface {
	Patch(ctx context.Context, key K, wire any, pre Precondition) (MutationResponse[NetworkResponse], error)
}

// PostClient is the remote collaborator Create talks to. It returns the
// canonical key the server assigned in addition to the response.
type PostClient[K Key, NetworkResponse any] interface {
	Post(ctx context.Context, wire any, pre Precondition) (MutationResponse[NetworkResponse], K, error)
}

// DeleteClient is the remote collaborator Delete talks to.
type DeleteClient[K Key, NetworkResponse any] interface {
	Delete(ctx context.Context, key K, pre Precondition) (MutationResponse[NetworkResponse], error)
}

// PutClient is the remote collaborator Upsert and Replace talk to.
type PutClient[K Key, NetworkResponse any] interface {
	Put(ctx context.Context, key K, wire any, pre Precondition) (MutationResponse[NetworkResponse], error)
}

func encodeOrIdentity[WriteEntity any](enc MutationEncoder[WriteEntity, any], v WriteEntity) (any, bool) {
	if enc == nil {
		return v, true
	}
	return enc.Encode(v)
}

// peekDomain reads the current projection for key without holding a
// long-lived SoT subscription open: it subscribes, takes exactly the
// immediate current-state event per the SourceOfTruth.Reader contract, and
// cancels.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) peekDomain(ctx context.Context, key K) (Domain, bool, error) {
	peekCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := e.sot.Reader(peekCtx, key)
	if err != nil {
		var zero Domain
		return zero, false, err
	}
	select {
	case ev, ok := <-ch:
		if !ok || !ev.Present {
			var zero Domain
			return zero, false, nil
		}
		dom, err := e.converter.ReadEntityToDomain(key, ev.Entity)
		if err != nil {
			var zero Domain
			return zero, false, err
		}
		return dom, true, nil
	case <-ctx.Done():
		var zero Domain
		return zero, false, ctx.Err()
	}
}

// writeTx applies a single write inside a SoT transaction, the same
// atomic path §4.7 requires for optimistic and echo applies (step 2,
// step 6), instead of a bare Write.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) writeTx(
	ctx context.Context, key K, entity WriteEntity,
) error {
	return e.sot.WithTransaction(ctx, func(tx Transaction[K, WriteEntity]) error {
		return tx.Write(ctx, key, entity)
	})
}

// deleteTx is writeTx's counterpart for optimistic deletes.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) deleteTx(
	ctx context.Context, key K,
) error {
	return e.sot.WithTransaction(ctx, func(tx Transaction[K, WriteEntity]) error {
		return tx.Delete(ctx, key)
	})
}

// applyEcho folds a mutation's echoed NetworkResponse back into the
// source of truth, tolerant of failure: a bad
// echo never turns an otherwise-successful mutation into a Failed result.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) applyEcho(
	ctx context.Context, key K, resp MutationResponse[NetworkResponse],
) {
	echo, hasEcho := resp.Echo()
	if !hasEcho {
		return
	}
	entity, err := e.converter.NetToWriteEntity(key, echo)
	if err != nil {
		return
	}
	_ = e.writeTx(ctx, key, entity)
}

// Update applies patch: an optimistic local merge via
// MergePatch when one is configured, then a remote PATCH-like call.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) Update(
	ctx context.Context, key K, patch WriteEntity, policy MutationPolicy,
) UpdateResult {
	if e.closed.Load() {
		e.metrics.observeMutation("update", "failed")
		return UpdateFailed(ErrEngineClosed)
	}
	unlock := e.keyMutex.Lock(key)
	defer unlock()

	if policy.RequireOnline && e.patchClient == nil {
		e.metrics.observeMutation("update", "failed")
		return UpdateFailed(ErrNoClient)
	}

	if e.mergePatch != nil {
		if baseDomain, hasBase, _ := e.peekDomain(ctx, key); hasBase {
			if base, ok := e.converter.DomainToWriteEntity(key, baseDomain); ok {
				if merged, err := e.mergePatch(base, patch); err == nil {
					_ = e.writeTx(ctx, key, merged)
				}
			}
		}
	}

	if e.patchClient == nil {
		if policy.RequireOnline {
			e.metrics.observeMutation("update", "failed")
			return UpdateFailed(ErrNoClient)
		}
		e.metrics.observeMutation("update", "enqueued")
		return UpdateEnqueued()
	}

	wire, ok := encodeOrIdentity(e.encodePatch, patch)
	if !ok {
		e.metrics.observeMutation("update", "failed")
		return UpdateFailed(ErrEncodingUnsupported)
	}

	resp, err := e.patchClient.Patch(ctx, key, wire, policy.Precondition)
	if err != nil {
		e.bookkeeper.RecordFailure(key, err, time.Now())
		e.metrics.observeMutation("update", "failed")
		return UpdateFailed(err)
	}
	if resp.IsConflict() {
		cerr := &ConflictError{ServerETag: resp.ServerETag()}
		e.bookkeeper.RecordFailure(key, cerr, time.Now())
		e.metrics.observeMutation("update", "conflict")
		return UpdateFailed(cerr)
	}
	if resp.IsFailure() {
		e.bookkeeper.RecordFailure(key, resp.Cause(), time.Now())
		e.metrics.observeMutation("update", "failed")
		return UpdateFailed(resp.Cause())
	}

	e.applyEcho(ctx, key, resp)
	etag, hasETag := resp.ETag()
	e.bookkeeper.RecordSuccess(key, etag, hasETag, time.Now())
	e.metrics.observeMutation("update", "synced")
	return UpdateSynced()
}

// Create submits draft. If provisional/hasProvisional
// identifies a locally-assigned key, it is written optimistically and
// rekeyed to the server's canonical key on success (via the SoT's
// optional Rekeyer capability, falling back to write-then-delete).
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) Create(
	ctx context.Context, provisional K, hasProvisional bool, draft WriteEntity, policy MutationPolicy,
) CreateResult[K] {
	if e.closed.Load() {
		e.metrics.observeMutation("create", "failed")
		return CreateFailed(provisional, hasProvisional, ErrEngineClosed)
	}

	if hasProvisional {
		unlock := e.keyMutex.Lock(provisional)
		defer unlock()
	}

	if policy.RequireOnline && e.postClient == nil {
		e.metrics.observeMutation("create", "failed")
		return CreateFailed(provisional, hasProvisional, ErrNoClient)
	}

	if hasProvisional {
		_ = e.writeTx(ctx, provisional, draft)
	}

	if e.postClient == nil {
		if policy.RequireOnline {
			e.metrics.observeMutation("create", "failed")
			return CreateFailed(provisional, hasProvisional, ErrNoClient)
		}
		if hasProvisional {
			e.metrics.observeMutation("create", "synced")
			return CreateSynced(provisional, provisional, true)
		}
		var zero K
		e.metrics.observeMutation("create", "failed")
		return CreateFailed(zero, false, ErrNoClient)
	}

	wire, ok := encodeOrIdentity(e.encodeDraft, draft)
	if !ok {
		e.metrics.observeMutation("create", "failed")
		return CreateFailed(provisional, hasProvisional, ErrEncodingUnsupported)
	}

	resp, canonical, err := e.postClient.Post(ctx, wire, policy.Precondition)
	if err != nil {
		e.metrics.observeMutation("create", "failed")
		return CreateFailed(provisional, hasProvisional, err)
	}
	if resp.IsConflict() {
		e.metrics.observeMutation("create", "conflict")
		return CreateFailed(provisional, hasProvisional, &ConflictError{ServerETag: resp.ServerETag()})
	}
	if resp.IsFailure() {
		e.metrics.observeMutation("create", "failed")
		return CreateFailed(provisional, hasProvisional, resp.Cause())
	}

	entity := draft
	if echo, hasEcho := resp.Echo(); hasEcho {
		if converted, cerr := e.converter.NetToWriteEntity(canonical, echo); cerr == nil {
			entity = converted
		}
	}

	if hasProvisional {
		if rk, ok := e.sot.(Rekeyer[K, WriteEntity]); ok {
			_ = rk.Rekey(ctx, provisional, canonical, func(WriteEntity) WriteEntity { return entity })
		} else {
			// No Rekeyer: move the entity with one transaction so the
			// write under canonical and the delete of provisional commit
			// atomically, never leaving both or neither visible.
			_ = e.sot.WithTransaction(ctx, func(tx Transaction[K, WriteEntity]) error {
				if err := tx.Write(ctx, canonical, entity); err != nil {
					return err
				}
				return tx.Delete(ctx, provisional)
			})
		}
	} else {
		_ = e.writeTx(ctx, canonical, entity)
	}

	etag, hasETag := resp.ETag()
	e.bookkeeper.RecordSuccess(canonical, etag, hasETag, time.Now())
	e.metrics.observeMutation("create", "synced")
	return CreateSynced(canonical, provisional, hasProvisional)
}

// Delete removes key: an optimistic local delete,
// tolerant of failure, before the remote call.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) Delete(
	ctx context.Context, key K, policy MutationPolicy,
) DeleteResult {
	if e.closed.Load() {
		e.metrics.observeMutation("delete", "failed")
		return DeleteFailed(ErrEngineClosed, false)
	}
	unlock := e.keyMutex.Lock(key)
	defer unlock()

	if policy.RequireOnline && e.deleteClient == nil {
		e.metrics.observeMutation("delete", "failed")
		return DeleteFailed(ErrNoClient, false)
	}

	_ = e.deleteTx(ctx, key)

	if e.deleteClient == nil {
		if policy.RequireOnline {
			e.metrics.observeMutation("delete", "failed")
			return DeleteFailed(ErrNoClient, false)
		}
		e.metrics.observeMutation("delete", "enqueued")
		return DeleteEnqueued()
	}

	resp, err := e.deleteClient.Delete(ctx, key, policy.Precondition)
	if err != nil {
		e.bookkeeper.RecordFailure(key, err, time.Now())
		e.metrics.observeMutation("delete", "failed")
		return DeleteFailed(err, false)
	}
	if resp.IsConflict() {
		cerr := &ConflictError{ServerETag: resp.ServerETag()}
		e.bookkeeper.RecordFailure(key, cerr, time.Now())
		e.metrics.observeMutation("delete", "conflict")
		return DeleteFailed(cerr, false)
	}
	if resp.IsFailure() {
		e.bookkeeper.RecordFailure(key, resp.Cause(), time.Now())
		e.metrics.observeMutation("delete", "failed")
		return DeleteFailed(resp.Cause(), false)
	}

	e.bookkeeper.RecordSuccess(key, "", false, time.Now())
	e.Invalidate(key)
	e.metrics.observeMutation("delete", "synced")
	return DeleteSynced(resp.AlreadyDeleted())
}

// Upsert writes value: local write first, then a remote
// PUT whose response distinguishes created from replaced.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) Upsert(
	ctx context.Context, key K, value WriteEntity, policy MutationPolicy,
) UpsertResult[K] {
	if e.closed.Load() {
		e.metrics.observeMutation("upsert", "failed")
		return UpsertFailed(key, ErrEngineClosed)
	}
	unlock := e.keyMutex.Lock(key)
	defer unlock()

	if policy.RequireOnline && e.putClient == nil {
		e.metrics.observeMutation("upsert", "failed")
		return UpsertFailed(key, ErrNoClient)
	}

	_ = e.writeTx(ctx, key, value)

	if e.putClient == nil {
		if policy.RequireOnline {
			e.metrics.observeMutation("upsert", "failed")
			return UpsertFailed(key, ErrNoClient)
		}
		e.metrics.observeMutation("upsert", "local")
		return UpsertLocal(key)
	}

	wire, ok := encodeOrIdentity(e.encodeValue, value)
	if !ok {
		e.metrics.observeMutation("upsert", "failed")
		return UpsertFailed(key, ErrEncodingUnsupported)
	}

	resp, err := e.putClient.Put(ctx, key, wire, policy.Precondition)
	if err != nil {
		e.bookkeeper.RecordFailure(key, err, time.Now())
		e.metrics.observeMutation("upsert", "failed")
		return UpsertFailed(key, err)
	}
	if resp.IsConflict() {
		cerr := &ConflictError{ServerETag: resp.ServerETag()}
		e.bookkeeper.RecordFailure(key, cerr, time.Now())
		e.metrics.observeMutation("upsert", "conflict")
		return UpsertFailed(key, cerr)
	}
	if resp.IsFailure() {
		e.bookkeeper.RecordFailure(key, resp.Cause(), time.Now())
		e.metrics.observeMutation("upsert", "failed")
		return UpsertFailed(key, resp.Cause())
	}

	e.applyEcho(ctx, key, resp)
	etag, hasETag := resp.ETag()
	e.bookkeeper.RecordSuccess(key, etag, hasETag, time.Now())
	e.metrics.observeMutation("upsert", "synced")
	return UpsertSynced(key, resp.Created())
}

// Replace writes value as a full replacement. With no put
// client configured it returns Enqueued rather than Upsert's Local,
// since a replacement with nothing to reconcile against later is a
// distinct outcome from a provisional local value.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) Replace(
	ctx context.Context, key K, value WriteEntity, policy MutationPolicy,
) ReplaceResult {
	if e.closed.Load() {
		e.metrics.observeMutation("replace", "failed")
		return ReplaceFailed(ErrEngineClosed)
	}
	unlock := e.keyMutex.Lock(key)
	defer unlock()

	if policy.RequireOnline && e.putClient == nil {
		e.metrics.observeMutation("replace", "failed")
		return ReplaceFailed(ErrNoClient)
	}

	_ = e.writeTx(ctx, key, value)

	if e.putClient == nil {
		if policy.RequireOnline {
			e.metrics.observeMutation("replace", "failed")
			return ReplaceFailed(ErrNoClient)
		}
		e.metrics.observeMutation("replace", "enqueued")
		return ReplaceEnqueued()
	}

	wire, ok := encodeOrIdentity(e.encodeValue, value)
	if !ok {
		e.metrics.observeMutation("replace", "failed")
		return ReplaceFailed(ErrEncodingUnsupported)
	}

	resp, err := e.putClient.Put(ctx, key, wire, policy.Precondition)
	if err != nil {
		e.bookkeeper.RecordFailure(key, err, time.Now())
		e.metrics.observeMutation("replace", "failed")
		return ReplaceFailed(err)
	}
	if resp.IsConflict() {
		cerr := &ConflictError{ServerETag: resp.ServerETag()}
		e.bookkeeper.RecordFailure(key, cerr, time.Now())
		e.metrics.observeMutation("replace", "conflict")
		return ReplaceFailed(cerr)
	}
	if resp.IsFailure() {
		e.bookkeeper.RecordFailure(key, resp.Cause(), time.Now())
		e.metrics.observeMutation("replace", "failed")
		return ReplaceFailed(resp.Cause())
	}

	e.applyEcho(ctx, key, resp)
	etag, hasETag := resp.ETag()
	e.bookkeeper.RecordSuccess(key, etag, hasETag, time.Now())
	e.metrics.observeMutation("replace", "synced")
	return ReplaceSynced()
}
