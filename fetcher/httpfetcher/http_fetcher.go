// Package httpfetcher is a reference store.Fetcher over net/http,
// throttled with golang.org/x/time/rate.
package httpfetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/fluxstore/fluxstore/store"
)

// RequestBuilder builds the outgoing *http.Request for key; Decoder turns
// a successful response body into NetworkResponse. Both are supplied by
// the caller because neither can be derived generically from K/
// NetworkResponse alone.
type RequestBuilder[K store.Key] func(ctx context.Context, key K) (*http.Request, error)

type Decoder[NetworkResponse any] func(resp *http.Response) (NetworkResponse, error)

// Fetcher implements store.Fetcher[K, NetworkResponse] over a single
// *http.Client, shared across every key, rate-limited by one
// rate.Limiter (a per-host limiter set is a straightforward extension,
// not needed by the common single-upstream case this type targets).
type Fetcher[K store.Key, NetworkResponse any] struct {
	client  *http.Client
	limiter *rate.Limiter
	build   RequestBuilder[K]
	decode  Decoder[NetworkResponse]
}

// New constructs a Fetcher. ratePerSecond <= 0 disables throttling.
func New[K store.Key, NetworkResponse any](
	client *http.Client, ratePerSecond float64, burst int,
	build RequestBuilder[K], decode Decoder[NetworkResponse],
) *Fetcher[K, NetworkResponse] {
	if client == nil {
		client = http.DefaultClient
	}
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return &Fetcher[K, NetworkResponse]{client: client, limiter: limiter, build: build, decode: decode}
}

// Fetch implements store.Fetcher. It always emits exactly one outcome:
// Success, NotModified (on a 304 response), or Error.
func (f *Fetcher[K, NetworkResponse]) Fetch(
	ctx context.Context, key K, req store.FetchRequest,
) (<-chan store.FetchOutcome[NetworkResponse], error) {
	ch := make(chan store.FetchOutcome[NetworkResponse], 1)
	go func() {
		defer close(ch)
		ch <- f.do(ctx, key, req)
	}()
	return ch, nil
}

func (f *Fetcher[K, NetworkResponse]) do(ctx context.Context, key K, plan store.FetchRequest) store.FetchOutcome[NetworkResponse] {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return store.FetchError[NetworkResponse](fmt.Errorf("httpfetcher: rate limiter: %w", err))
		}
	}

	httpReq, err := f.build(ctx, key)
	if err != nil {
		return store.FetchError[NetworkResponse](fmt.Errorf("httpfetcher: building request for %v: %w", key, err))
	}
	if plan.HasIfNoneMatch {
		httpReq.Header.Set("If-None-Match", plan.IfNoneMatch)
	}
	if plan.HasIfModifiedSince {
		httpReq.Header.Set("If-Modified-Since", plan.IfModifiedSince.UTC().Format(http.TimeFormat))
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return store.FetchError[NetworkResponse](fmt.Errorf("httpfetcher: requesting %v: %w", key, err))
	}
	defer resp.Body.Close()

	etag := resp.Header.Get("ETag")
	if resp.StatusCode == http.StatusNotModified {
		return store.FetchNotModified[NetworkResponse](etag, etag != "")
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return store.FetchError[NetworkResponse](fmt.Errorf("httpfetcher: %v returned %s: %s", key, resp.Status, body))
	}

	body, err := f.decode(resp)
	if err != nil {
		return store.FetchError[NetworkResponse](fmt.Errorf("httpfetcher: decoding response for %v: %w", key, err))
	}

	var lastModMs int64
	var hasLastMod bool
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := time.Parse(http.TimeFormat, lm); err == nil {
			lastModMs, hasLastMod = t.UnixMilli(), true
		}
	}
	return store.FetchSuccess(body, etag, etag != "", lastModMs, hasLastMod)
}
