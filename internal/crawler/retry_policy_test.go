package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 10*time.Millisecond, 100*time.Millisecond)
	transient := NewTransientError("u", 503, errors.New("busy"))
	permanent := NewPermanentError("u", 404, errors.New("gone"))

	require.False(t, p.ShouldRetry(nil, 1))
	require.True(t, p.ShouldRetry(transient, 1))
	require.True(t, p.ShouldRetry(transient, 2))
	require.False(t, p.ShouldRetry(transient, 3), "attempt budget exhausted")
	require.False(t, p.ShouldRetry(permanent, 1))
	require.False(t, p.ShouldRetry(fmt.Errorf("wrap: %w", context.Canceled), 1))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 1))
}

func TestRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(5, 100*time.Millisecond, 300*time.Millisecond)
	p.jitter = func(limit time.Duration) time.Duration { return limit }

	require.Equal(t, 100*time.Millisecond, p.Backoff(1))
	require.Equal(t, 200*time.Millisecond, p.Backoff(2))
	require.Equal(t, 300*time.Millisecond, p.Backoff(3), "capped at max delay")
	require.Equal(t, 300*time.Millisecond, p.Backoff(10))
}

func TestRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, NewRetryPolicy(0, 0, 0).MaxAttempts())
	require.Equal(t, time.Duration(0), NewRetryPolicy(2, 0, 0).Backoff(1))
	require.Equal(t, 3, NewExponentialRetryPolicy().MaxAttempts())
}
