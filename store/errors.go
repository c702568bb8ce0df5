package store

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Error taxonomy. Transient fetch failures and precondition
// conflicts are carried as values inside StreamResult/mutation results,
// never as panics or unexpected return errors; these sentinels exist for
// the handful of cases that must be synchronous/typed failures,
// and for callers that want errors.Is checks on a mutation's Cause().
var (
	// ErrEngineClosed is returned by any operation invoked after Close.
	ErrEngineClosed = errors.New("fluxstore: engine is closed")

	// ErrNoClient is the cause of a Failed{no client} result when an
	// operation is configured requireOnline but no matching mutation
	// client was supplied to the engine.
	ErrNoClient = errors.New("fluxstore: operation requires a remote client but none is configured")

	// ErrEncodingUnsupported is the cause of a Failed{encoding} result
	// when the MutationEncoder declines to encode a payload.
	ErrEncodingUnsupported = errors.New("fluxstore: mutation encoder returned no payload")

	// ErrNoFetcher is the fetch outcome cause when a FetchPlan calls for
	// a remote fetch but the engine was constructed without a Fetcher.
	ErrNoFetcher = errors.New("fluxstore: fetch plan requires a fetcher but none is configured")
)

// ConflictError wraps a precondition conflict reported by a remote
// mutation client. ServerETag is the remote's
// current version tag, when supplied.
type ConflictError struct {
	ServerETag string
}

func (e *ConflictError) Error() string {
	if e.ServerETag == "" {
		return "fluxstore: precondition conflict"
	}
	return fmt.Sprintf("fluxstore: precondition conflict (server etag %q)", e.ServerETag)
}

// wrapf is the package's single error-wrapping helper, built on the
// teacher's direct dependency on github.com/pkg/errors, so a failure
// carries a stack trace back to the originating call. It wraps errors
// from constructing the worker pool and from opening a SoT reader;
// Fetcher and mutation-client errors are passed on unwrapped.
func wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrapf(err, format, args...)
}
