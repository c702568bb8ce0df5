package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBookkeeperRecordSuccessClearsBackoff(t *testing.T) {
	b := NewMemoryBookkeeper[string](ExponentialBackoff(time.Second, time.Minute))
	now := time.Now()

	b.RecordFailure("k", errors.New("boom"), now)
	status, ok := b.LastStatus("k")
	require.True(t, ok)
	assert.True(t, status.HasBackoffUntil)

	b.RecordSuccess("k", "etag-1", true, now.Add(time.Second))
	status, ok = b.LastStatus("k")
	require.True(t, ok)
	assert.False(t, status.HasBackoffUntil, "a success must clear any pending backoff")
	assert.Equal(t, "etag-1", status.LastETag)
}

func TestExponentialBackoffDoublesUpToMax(t *testing.T) {
	policy := ExponentialBackoff(time.Second, 4*time.Second)
	at := time.Unix(0, 0)

	d1, _ := policy(1, at)
	d2, _ := policy(2, at)
	d3, _ := policy(3, at)
	d4, _ := policy(10, at)

	assert.Equal(t, time.Second, d1.Sub(at))
	assert.Equal(t, 2*time.Second, d2.Sub(at))
	assert.Equal(t, 4*time.Second, d3.Sub(at))
	assert.Equal(t, 4*time.Second, d4.Sub(at), "backoff must cap at max")
}

func TestNoBackoffNeverInstallsDeadline(t *testing.T) {
	b := NewMemoryBookkeeper[string](nil)
	b.RecordFailure("k", errors.New("boom"), time.Now())
	status, ok := b.LastStatus("k")
	require.True(t, ok)
	assert.False(t, status.HasBackoffUntil)
}
