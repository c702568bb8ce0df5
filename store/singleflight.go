package store

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sync/singleflight"
)

// sfResult is the value type flowing through singleflight.Group for this
// package's uses: the fetch's terminal outcome plus a nil error (the
// Group's own error channel is reserved for true unexpected panics the
// Group recovers from; fetch-level failures are carried as FetchOutcome
// values so cancellation and application errors never get conflated,
// it must never be conflated with an application error.
type sfResult[NetworkResponse any] struct {
	outcome FetchOutcome[NetworkResponse]
}

// SingleFlight coalesces concurrent fetches for the same key into one
// background call, built directly on the single-flight pattern's direct
// dependency golang.org/x/sync/singleflight. DoChan is used instead of
// Do specifically because it hands each caller its own channel backed by
// one shared in-flight call: a caller that stops selecting on its
// channel (because its context was cancelled) simply detaches without
// affecting the shared call or other joined callers, which is exactly
// the required cancellation semantics ("cancellation of an
// individual caller does not cancel the shared in-flight task").
type SingleFlight[K comparable, NetworkResponse any] struct {
	group singleflight.Group
}

func NewSingleFlight[K comparable, NetworkResponse any]() *SingleFlight[K, NetworkResponse] {
	return &SingleFlight[K, NetworkResponse]{}
}

// Join starts run in the background scope if no fetch for key is
// already in flight, or joins the existing one. It blocks the calling
// goroutine until the shared result is ready or ctx is cancelled; on
// cancellation it returns ctx.Err() and the caller's interest in the
// shared call is simply dropped (the call itself keeps running for any
// other joined callers and for run's own completion bookkeeping).
//
// run is executed on the background scope passed by the engine
// (schedule), not on the calling goroutine, so caller cancellation can
// never interrupt run's own context — only the engine's Close does.
func (sf *SingleFlight[K, NetworkResponse]) Join(
	ctx context.Context,
	key K,
	schedule func(func()),
	run func() FetchOutcome[NetworkResponse],
) (FetchOutcome[NetworkResponse], error) {
	keyStr := anyKeyString(key)
	resultCh := sf.group.DoChan(keyStr, func() (any, error) {
		// The Group only ever calls this closure from one leader
		// goroutine per in-flight key. Handing the actual work to
		// schedule (the engine's worker pool) rather than running run
		// inline keeps every fetch executing on the engine's background
		// scope, never on whichever caller happened to be first to join.
		done := make(chan FetchOutcome[NetworkResponse], 1)
		schedule(func() {
			done <- run()
		})
		return sfResult[NetworkResponse]{outcome: <-done}, nil
	})

	select {
	case res := <-resultCh:
		return res.Val.(sfResult[NetworkResponse]).outcome, nil
	case <-ctx.Done():
		var zero FetchOutcome[NetworkResponse]
		return zero, ctx.Err()
	}
}

// anyKeyString renders any comparable key into a stable string for
// singleflight.Group, which keys on string. store.Key implementations
// already expose StableHash for this purpose; for other comparable
// types we fall back to fmt's %v, which is stable for the plain
// comparable types (strings, small structs of comparables) this package
// is used with.
func anyKeyString[K comparable](key K) string {
	if h, ok := any(key).(interface{ StableHash() uint64 }); ok {
		return strconv.FormatUint(h.StableHash(), 36)
	}
	return fmt.Sprint(key)
}
