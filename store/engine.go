package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Config wires every collaborator the Coordinator needs. Memory, SoT,
// Converter and Validator are required; everything else has a usable
// zero value or default.
type Config[K Key, Domain any, ReadEntity any, WriteEntity any, NetworkResponse any] struct {
	Memory    *MemoryCache[K, Domain]
	SoT       SourceOfTruth[K, ReadEntity, WriteEntity]
	Fetcher   Fetcher[K, NetworkResponse]
	Converter Converter[K, Domain, ReadEntity, WriteEntity, NetworkResponse]
	Validator FreshnessValidator

	// Bookkeeper defaults to an in-memory MemoryBookkeeper with no backoff.
	Bookkeeper Bookkeeper[K]

	// KeyMutexCapacity bounds the per-key mutation mutexes;
	// defaults to 1000.
	KeyMutexCapacity int

	// WorkerPoolSize is the background scope's ants pool capacity;
	// defaults to 32. Fetches run on this pool (or on a bare goroutine
	// when every worker is busy), never on a caller's own goroutine, so
	// a caller cancelling its context never interrupts work other
	// callers are waiting on. Mutations run on the caller's goroutine.
	WorkerPoolSize int

	Logger  *zap.Logger
	Metrics *Metrics

	// Mutation collaborators. All optional; an engine with none
	// configured only ever returns Failed{ErrNoClient} for mutations
	// that require them online.
	PatchClient  PatchClient[K, NetworkResponse]
	PostClient   PostClient[K, NetworkResponse]
	DeleteClient DeleteClient[K, NetworkResponse]
	PutClient    PutClient[K, NetworkResponse]

	// EncodePatch/EncodeDraft/EncodeValue encode a WriteEntity into the
	// wire payload a mutation client expects; nil means "send the
	// WriteEntity as-is". Wrap a func with MutationEncoderFunc to satisfy
	// MutationEncoder.
	EncodePatch MutationEncoder[WriteEntity, any]
	EncodeDraft MutationEncoder[WriteEntity, any]
	EncodeValue MutationEncoder[WriteEntity, any]

	// MergePatch derives the optimistic, locally-applied write entity
	// from the current one and a declarative patch.
	// Nil disables optimistic apply for Update; the pipeline then simply
	// waits on the remote round trip.
	MergePatch PatchFunc[WriteEntity, WriteEntity]
}

// Engine is the coordinator: the single collaborator applications
// talk to. It is generic over the five type variables the data model
// requires at minimum (K, Domain, ReadEntity, WriteEntity,
// NetworkResponse); a sixth, untyped "Wire" slot is deliberately not a
// type parameter — mutation payload encoding crosses into any, the same
// way encoding/json crosses from Go values into wire bytes, so a single
// Engine instantiation does not need a different Wire type per mutation
// kind it supports.
type Engine[K Key, Domain any, ReadEntity any, WriteEntity any, NetworkResponse any] struct {
	memory     *MemoryCache[K, Domain]
	sot        SourceOfTruth[K, ReadEntity, WriteEntity]
	fetcher    Fetcher[K, NetworkResponse]
	converter  Converter[K, Domain, ReadEntity, WriteEntity, NetworkResponse]
	validator  FreshnessValidator
	bookkeeper Bookkeeper[K]
	keyMutex   *KeyMutex[K]
	sflight    *SingleFlight[K, NetworkResponse]
	nsIndex    *namespaceIndex[K]
	pool       *ants.Pool
	logger     *zap.Logger
	metrics    *Metrics

	patchClient  PatchClient[K, NetworkResponse]
	postClient   PostClient[K, NetworkResponse]
	deleteClient DeleteClient[K, NetworkResponse]
	putClient    PutClient[K, NetworkResponse]
	encodePatch  MutationEncoder[WriteEntity, any]
	encodeDraft  MutationEncoder[WriteEntity, any]
	encodeValue  MutationEncoder[WriteEntity, any]
	mergePatch   PatchFunc[WriteEntity, WriteEntity]

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New constructs an Engine. The returned Engine owns a background
// goroutine pool (built on github.com/panjf2000/ants/v2, bounding
// concurrent fetch/mutation work the way the teacher's core/state
// subfetcher bounds its goroutines by count, though subfetcher itself
// runs on bare goroutines rather than a pool) that every fetch is
// scheduled onto; callers must Close it when done.
func New[K Key, Domain any, ReadEntity any, WriteEntity any, NetworkResponse any](
	cfg Config[K, Domain, ReadEntity, WriteEntity, NetworkResponse],
) (*Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse], error) {
	if cfg.Memory == nil {
		panic("fluxstore: Config.Memory is required")
	}
	if cfg.SoT == nil {
		panic("fluxstore: Config.SoT is required")
	}
	if cfg.Converter == nil {
		panic("fluxstore: Config.Converter is required")
	}
	if cfg.Bookkeeper == nil {
		cfg.Bookkeeper = NewMemoryBookkeeper[K](nil)
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 32
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool, err := ants.NewPool(cfg.WorkerPoolSize, ants.WithNonblocking(true), ants.WithPanicHandler(func(r any) {
		cfg.Logger.Error("fluxstore: recovered panic in background scope", zap.Any("panic", r))
	}))
	if err != nil {
		return nil, wrapf(err, "constructing background worker pool")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]{
		memory:       cfg.Memory,
		sot:          cfg.SoT,
		fetcher:      cfg.Fetcher,
		converter:    cfg.Converter,
		validator:    cfg.Validator,
		bookkeeper:   cfg.Bookkeeper,
		keyMutex:     NewKeyMutex[K](cfg.KeyMutexCapacity),
		sflight:      NewSingleFlight[K, NetworkResponse](),
		nsIndex:      newNamespaceIndex[K](),
		pool:         pool,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		patchClient:  cfg.PatchClient,
		postClient:   cfg.PostClient,
		deleteClient: cfg.DeleteClient,
		putClient:    cfg.PutClient,
		encodePatch:  cfg.EncodePatch,
		encodeDraft:  cfg.EncodeDraft,
		encodeValue:  cfg.EncodeValue,
		mergePatch:   cfg.MergePatch,
		ctx:          ctx,
		cancel:       cancel,
	}
	return e, nil
}

// schedule runs fn on the engine's background scope. It falls back to a
// bare goroutine if the pool is saturated or already released, so a
// burst of work never deadlocks a caller waiting on schedule to accept.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) schedule(fn func()) {
	e.wg.Add(1)
	wrapped := func() {
		defer e.wg.Done()
		fn()
	}
	if err := e.pool.Submit(wrapped); err != nil {
		go wrapped()
	}
}

// Close cancels the background scope and waits for in-flight work
// scheduled on it to finish. Any Stream subscription still open when
// Close is called is torn down once its current operation observes the
// cancelled context.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	e.pool.Release()
	return nil
}

// offer delivers v to out, conflating with whatever is already pending
// if the consumer has not drained it yet (a slow consumer observes
// only the most recent value, never an unbounded backlog").
func offer[Domain any](out chan StreamResult[Domain], v StreamResult[Domain]) {
	for {
		select {
		case out <- v:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}

// Stream opens a live subscription for key. The returned
// channel is closed when ctx is cancelled or the Engine is closed.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) Stream(
	ctx context.Context, key K, freshness FreshnessPolicy,
) (<-chan StreamResult[Domain], error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	sotCh, err := e.sot.Reader(ctx, key)
	if err != nil {
		return nil, wrapf(err, "opening source-of-truth reader for %v", key)
	}
	out := make(chan StreamResult[Domain], 1)
	go e.pump(ctx, key, freshness, sotCh, out)
	return out, nil
}

// Get is the single-shot convenience form of Stream: it returns the
// first Data tick, or the first Error's cause.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) Get(
	ctx context.Context, key K, freshness FreshnessPolicy,
) (Domain, error) {
	if e.closed.Load() {
		var zero Domain
		return zero, ErrEngineClosed
	}
	if freshness.IsCachedOrFetch() {
		if cached, _, ok := e.memory.GetWithAge(key); ok {
			e.metrics.observeCacheLookup(true)
			return cached, nil
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := e.Stream(subCtx, key, freshness)
	if err != nil {
		var zero Domain
		return zero, err
	}
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				var zero Domain
				return zero, ctx.Err()
			}
			if r.IsData() {
				return r.Value(), nil
			}
			if r.IsError() {
				var zero Domain
				return zero, r.Cause()
			}
		case <-ctx.Done():
			var zero Domain
			return zero, ctx.Err()
		}
	}
}

// pump is the per-subscription state machine: it merges the
// source-of-truth's notification stream with the engine-scheduled
// background fetch's terminal outcome, in a well-defined order.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) pump(
	ctx context.Context,
	key K,
	freshness FreshnessPolicy,
	sotCh <-chan ReadEntityEvent[ReadEntity],
	out chan StreamResult[Domain],
) {
	defer close(out)

	// MustBeFresh yields no local Data until its fetch has completed.
	mustBeFresh := freshness.IsMustBeFresh()
	emittedAny := false
	if cached, age, ok := e.memory.GetWithAge(key); ok && !mustBeFresh {
		e.metrics.observeCacheLookup(true)
		offer(out, DataResult[Domain](cached, OriginMemory, age))
		emittedAny = true
	} else if !mustBeFresh {
		e.metrics.observeCacheLookup(false)
	}

	var first ReadEntityEvent[ReadEntity]
	select {
	case ev, ok := <-sotCh:
		if !ok {
			return
		}
		first = ev
	case <-ctx.Done():
		return
	case <-e.ctx.Done():
		return
	}

	var dbMeta *DBMeta
	var held *StreamResult[Domain]
	if first.Present {
		dm := e.converter.ReadEntityToDBMeta(first.Entity)
		dbMeta = &dm
		if dom, err := e.converter.ReadEntityToDomain(key, first.Entity); err == nil {
			age := time.Duration(0)
			if !dm.UpdatedAt.IsZero() {
				age = time.Since(dm.UpdatedAt)
			}
			e.memory.Put(key, dom)
			e.nsIndex.track(key.Namespace(), key)
			r := DataResult[Domain](dom, OriginSoT, age)
			if mustBeFresh {
				held = &r
			} else {
				offer(out, r)
				emittedAny = true
			}
		}
	} else if !emittedAny {
		offer(out, LoadingResult[Domain](false))
	}

	status, _ := e.bookkeeper.LastStatus(key)
	plan := e.validator.Plan(time.Now(), freshness, dbMeta, status)

	if mustBeFresh {
		if !plan.IsSkip() {
			outcome, ferr := e.runFetch(ctx, key, plan)
			if ferr != nil {
				offer(out, ErrorResult[Domain](ferr, emittedAny))
				return
			}
			if outcome.IsError() {
				offer(out, ErrorResult[Domain](outcome.Cause(), emittedAny))
				return
			}
			if outcome.IsSuccess() {
				held = nil // the fetched value arrives through sotCh
			}
		}
		if held != nil {
			offer(out, *held)
			emittedAny = true
		}
	} else if !plan.IsSkip() {
		fetchErrCh := make(chan error, 1)
		e.schedule(func() {
			outcome, ferr := e.runFetch(e.ctx, key, plan)
			if ferr != nil {
				return // engine closing; nothing left to notify.
			}
			if outcome.IsError() {
				fetchErrCh <- outcome.Cause()
			}
		})
		go e.forwardFetchErrors(ctx, fetchErrCh, out, &emittedAny)
	}

	for {
		select {
		case ev, ok := <-sotCh:
			if !ok {
				return
			}
			if !ev.Present {
				e.memory.Remove(key)
				e.nsIndex.untrack(key.Namespace(), key)
				continue
			}
			dom, err := e.converter.ReadEntityToDomain(key, ev.Entity)
			if err != nil {
				offer(out, ErrorResult[Domain](err, emittedAny))
				continue
			}
			dm := e.converter.ReadEntityToDBMeta(ev.Entity)
			age := time.Duration(0)
			if !dm.UpdatedAt.IsZero() {
				age = time.Since(dm.UpdatedAt)
			}
			e.memory.Put(key, dom)
			e.nsIndex.track(key.Namespace(), key)
			offer(out, DataResult[Domain](dom, OriginSoT, age))
			emittedAny = true
		case <-ctx.Done():
			return
		case <-e.ctx.Done():
			return
		}
	}
}

// forwardFetchErrors waits for at most one background-fetch failure and
// relays it onto the subscription's output; it exits once it has
// forwarded one error, the subscription's context ends, or the engine
// closes, whichever comes first.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) forwardFetchErrors(
	ctx context.Context, fetchErrCh <-chan error, out chan StreamResult[Domain], emittedAny *bool,
) {
	select {
	case err, ok := <-fetchErrCh:
		if !ok {
			return
		}
		offer(out, ErrorResult[Domain](err, *emittedAny))
	case <-ctx.Done():
	case <-e.ctx.Done():
	}
}

// runFetch joins the engine-wide single-flight group for key so
// concurrent subscribers never trigger more than one in-flight fetch
// with the actual work running on the background scope.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) runFetch(
	ctx context.Context, key K, plan FetchPlan,
) (FetchOutcome[NetworkResponse], error) {
	return e.sflight.Join(ctx, key, e.schedule, func() FetchOutcome[NetworkResponse] {
		return e.doFetch(key, plan)
	})
}

// doFetch performs one remote fetch and reconciles its outcome into the
// source of truth and bookkeeper. It always runs with the
// engine's own context, never a caller's, so a caller disconnecting
// never aborts work other joined callers are waiting on.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) doFetch(
	key K, plan FetchPlan,
) FetchOutcome[NetworkResponse] {
	if e.fetcher == nil {
		e.bookkeeper.RecordFailure(key, ErrNoFetcher, time.Now())
		return FetchError[NetworkResponse](ErrNoFetcher)
	}

	req := FetchRequest{}
	if plan.IsConditional() {
		req.Conditional = true
		if etag, ok := plan.IfNoneMatch(); ok {
			req.IfNoneMatch, req.HasIfNoneMatch = etag, ok
		}
		if lm, ok := plan.IfModifiedSince(); ok {
			req.IfModifiedSince, req.HasIfModifiedSince = lm, ok
		}
	}

	e.metrics.fetchStarted()
	defer e.metrics.fetchFinished()

	ch, err := e.fetcher.Fetch(e.ctx, key, req)
	if err != nil {
		e.bookkeeper.RecordFailure(key, err, time.Now())
		e.metrics.observeFetchOutcome("error")
		return FetchError[NetworkResponse](err)
	}

	var last FetchOutcome[NetworkResponse]
	for outcome := range ch {
		last = outcome
		switch {
		case outcome.IsSuccess():
			e.applySuccess(key, outcome)
			e.metrics.observeFetchOutcome("success")
		case outcome.IsNotModified():
			etag, hasETag := outcome.ETag()
			e.bookkeeper.RecordSuccess(key, etag, hasETag, time.Now())
			e.metrics.observeFetchOutcome("not_modified")
		case outcome.IsError():
			e.bookkeeper.RecordFailure(key, outcome.Cause(), time.Now())
			e.metrics.observeFetchOutcome("error")
		}
	}
	return last
}

// applySuccess folds a successful fetch's body into the source of truth.
// The write is taken under key's mutex, same as every mutation-originated
// SoT write, so a fetch landing concurrently with an Update/Upsert/Replace
// on the same key can never interleave with it (§3/§4.7 serialization).
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) applySuccess(
	key K, outcome FetchOutcome[NetworkResponse],
) {
	entity, err := e.converter.NetToWriteEntity(key, outcome.Body())
	if err != nil {
		e.bookkeeper.RecordFailure(key, err, time.Now())
		return
	}

	unlock := e.keyMutex.Lock(key)
	err = e.sot.WithTransaction(e.ctx, func(tx Transaction[K, WriteEntity]) error {
		return tx.Write(e.ctx, key, entity)
	})
	unlock()
	if err != nil {
		e.bookkeeper.RecordFailure(key, err, time.Now())
		return
	}
	etag, hasETag := outcome.ETag()
	if !hasETag {
		meta := e.converter.NetToNetMeta(outcome.Body())
		etag, hasETag = meta.ETag, meta.HasETag
	}
	e.bookkeeper.RecordSuccess(key, etag, hasETag, time.Now())
}

// Invalidate drops key from the memory cache. It leaves the source of
// truth's stored data alone; when the SoT implements CacheClearer, its
// own read-side cache entry for key is dropped as well.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) Invalidate(key K) {
	e.memory.Remove(key)
	e.nsIndex.untrack(key.Namespace(), key)
	if cc, ok := e.sot.(CacheClearer[K]); ok {
		cc.ClearCache(key)
	}
}

// InvalidateNamespace drops every memory-cache entry tracked under ns.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) InvalidateNamespace(ns string) {
	keys := e.nsIndex.keysIn(ns)
	e.memory.RemoveAll(keys)
	e.nsIndex.deleteNamespace(ns)
}

// InvalidateAll clears the entire memory cache.
func (e *Engine[K, Domain, ReadEntity, WriteEntity, NetworkResponse]) InvalidateAll() {
	e.memory.Clear()
	e.nsIndex.clear()
}
