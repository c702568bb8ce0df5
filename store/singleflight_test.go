package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleFlightCoalescesConcurrentCallers(t *testing.T) {
	sf := NewSingleFlight[string, string]()
	var runs int32
	started := make(chan struct{})
	release := make(chan struct{})

	run := func() FetchOutcome[string] {
		if atomic.AddInt32(&runs, 1) == 1 {
			close(started)
		}
		<-release
		return FetchSuccess("v", "etag", true, 0, false)
	}

	schedule := func(fn func()) { go fn() }

	var wg sync.WaitGroup
	results := make([]FetchOutcome[string], 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := sf.Join(context.Background(), "k", schedule, run)
			require.NoError(t, err)
			results[i] = out
		}(i)
	}

	<-started
	time.Sleep(10 * time.Millisecond) // let the other joiners enqueue
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs), "run must execute exactly once for 5 concurrent joiners")
	for _, r := range results {
		assert.True(t, r.IsSuccess())
	}
}

func TestSingleFlightCallerCancellationDoesNotAbortSharedCall(t *testing.T) {
	sf := NewSingleFlight[string, string]()
	release := make(chan struct{})
	run := func() FetchOutcome[string] {
		<-release
		return FetchSuccess("v", "", false, 0, false)
	}
	schedule := func(fn func()) { go fn() }

	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancelledDone := make(chan error, 1)
	go func() {
		_, err := sf.Join(cancelledCtx, "k", schedule, run)
		cancelledDone <- err
	}()

	survivorDone := make(chan FetchOutcome[string], 1)
	go func() {
		out, _ := sf.Join(context.Background(), "k", schedule, run)
		survivorDone <- out
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-cancelledDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller should return promptly")
	}

	close(release)
	select {
	case out := <-survivorDone:
		assert.True(t, out.IsSuccess(), "the other joined caller must still observe the shared call's result")
	case <-time.After(time.Second):
		t.Fatal("surviving caller should still receive the shared result")
	}
}
