// Package resilience provides the circuit breaker and retry-with-backoff
// primitives used to guard durable-queue writes, saga step actions, and
// sandbox launches from cascading failure.
package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskorch/orchestrator/internal/logging"
	"github.com/taskorch/orchestrator/internal/orcherr"
)

// State is the circuit breaker's current mode.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute when the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// ErrorClassifier decides whether err should count toward the breaker's
// failure rate. Errors the caller does not control (cancellation, not
// found) are excluded by DefaultErrorClassifier.
type ErrorClassifier func(error) bool

func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !orcherr.Is(err, orcherr.CodeNotFound)
}

// Config configures a CircuitBreaker.
type Config struct {
	Name             string
	ErrorThreshold   float64       // error rate (0..1) that trips the breaker
	VolumeThreshold  int           // minimum samples before evaluating error rate
	SleepWindow      time.Duration // time spent open before probing half-open
	HalfOpenRequests int           // probes allowed while half-open
	SuccessThreshold float64       // success rate needed to close from half-open
	ErrorClassifier  ErrorClassifier
	Logger           *logging.Logger
}

func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 5,
		SuccessThreshold: 0.6,
		ErrorClassifier:  DefaultErrorClassifier,
	}
}

// CircuitBreaker is a thread-safe, count-based circuit breaker with a
// half-open probe phase.
type CircuitBreaker struct {
	config *Config

	mu             sync.Mutex
	state          State
	stateChangedAt time.Time

	successes int64
	failures  int64

	halfOpenInFlight int32
	halfOpenSuccess  int32
	halfOpenFailure  int32

	listeners []func(name string, from, to State)
}

// New builds a CircuitBreaker from config, applying defaults for any zero
// fields.
func New(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig("default")
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 5
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 0.6
	}
	return &CircuitBreaker{
		config:         config,
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}
}

// AddStateChangeListener registers a callback invoked on every transition.
func (cb *CircuitBreaker) AddStateChangeListener(fn func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, fn)
}

// Execute runs fn if the breaker admits the call, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.allow() {
		return ErrOpen
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.stateChangedAt) >= cb.config.SleepWindow {
			cb.transition(StateHalfOpen)
			cb.halfOpenInFlight, cb.halfOpenSuccess, cb.halfOpenFailure = 0, 0, 0
		} else {
			return false
		}
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenInFlight >= int32(cb.config.HalfOpenRequests) {
			return false
		}
		cb.halfOpenInFlight++
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) record(err error) {
	counts := cb.config.ErrorClassifier(err)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		if counts {
			cb.halfOpenFailure++
		} else {
			cb.halfOpenSuccess++
		}
		total := cb.halfOpenSuccess + cb.halfOpenFailure
		if total >= int32(cb.config.HalfOpenRequests) {
			rate := float64(cb.halfOpenSuccess) / float64(total)
			if rate >= cb.config.SuccessThreshold {
				cb.transition(StateClosed)
				cb.successes, cb.failures = 0, 0
			} else {
				cb.transition(StateOpen)
			}
		}
	default:
		if counts {
			atomic.AddInt64(&cb.failures, 1)
		} else {
			atomic.AddInt64(&cb.successes, 1)
		}
		total := cb.successes + cb.failures
		if total >= int64(cb.config.VolumeThreshold) {
			rate := float64(cb.failures) / float64(total)
			if rate >= cb.config.ErrorThreshold {
				cb.transition(StateOpen)
			}
		}
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.stateChangedAt = time.Now()
	if cb.config.Logger != nil {
		cb.config.Logger.Info("circuit breaker state change", logging.Fields{
			"breaker": cb.config.Name, "from": from.String(), "to": to.String(),
		})
	}
	for _, l := range cb.listeners {
		l(cb.config.Name, from, to)
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed, clearing counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.successes, cb.failures = 0, 0
}

// Name returns the breaker's configured name for logging/metrics labels.
func (cb *CircuitBreaker) Name() string { return cb.config.Name }
