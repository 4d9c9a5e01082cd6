package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures exponential backoff with jitter.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// ErrMaxAttemptsExceeded wraps the last error once retries are exhausted.
var ErrMaxAttemptsExceeded = fmt.Errorf("maximum retry attempts exceeded")

// Retry calls fn until it succeeds, ctx is cancelled, or MaxAttempts is
// reached, sleeping with exponential backoff and jitter between attempts.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		wait := delay
		if config.JitterEnabled {
			jitter := time.Duration(rand.Float64() * float64(delay) * 0.2 * math.Copysign(1, rand.Float64()-0.5))
			wait += jitter
			if wait < 0 {
				wait = delay
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w (%d attempts): %v", ErrMaxAttemptsExceeded, config.MaxAttempts, lastErr)
}

// RetryWithCircuitBreaker wraps Retry with a CircuitBreaker guard: while
// the breaker is open, every attempt fails fast with ErrOpen without
// calling fn, and Retry still runs its remaining attempts and backoff.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		return cb.Execute(ctx, fn)
	})
}
