package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsWithoutRetryingOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRetriesUntilSuccess(t *testing.T) {
	calls := 0
	cfg := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2.0}
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2.0}
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return errors.New("persistent")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrMaxAttemptsExceeded)
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, DefaultRetryConfig(), func() error {
		calls++
		return errors.New("never happens")
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithCircuitBreakerStopsOnOpenBreaker(t *testing.T) {
	cb := New(&Config{
		Name: "test", ErrorThreshold: 0.1, VolumeThreshold: 1,
		SleepWindow: time.Minute, HalfOpenRequests: 1, SuccessThreshold: 0.6,
	})
	// Trip the breaker with one failure.
	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	calls := 0
	cfg := &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2.0}
	err := RetryWithCircuitBreaker(context.Background(), cfg, cb, func() error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls, "breaker should short-circuit every attempt while open")
}
