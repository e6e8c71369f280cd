// Package resilience provides circuit breaking, provider health tracking,
// retry and the error taxonomy shared by the generation pipeline.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state. Calls flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls without attempting them.
	CircuitOpen
	// CircuitHalfOpen allows a single trial call to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its name.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrCircuitOpen is returned when a call is rejected because the circuit
	// is open or its half-open trial is already in flight.
	ErrCircuitOpen = eris.New("circuit breaker is open")

	// ErrCallAbandoned marks a call the caller gave up on. Releasing a permit
	// with it neither counts as a failure nor as a success.
	ErrCallAbandoned = eris.New("call abandoned by caller")
)

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is the cooldown the circuit stays open before a trial
	// call is allowed. Default: 30s.
	ResetTimeout time.Duration

	// ShouldTrip optionally overrides which errors count as failures. If nil,
	// every error except ErrCallAbandoned counts.
	ShouldTrip func(err error) bool

	// OnStateChange is called with the breaker lock held when the circuit
	// transitions between states.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern for one provider.
// Every read-check-then-write happens under mu so concurrent failures cannot
// double-open the circuit or race the half-open trial.
type CircuitBreaker struct {
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = func(err error) bool { return !errors.Is(err, ErrCallAbandoned) }
	}
	return &CircuitBreaker{
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Acquire asks for permission to make one call. On success the returned
// release func must be called exactly once with the call's outcome; extra
// calls are ignored. Returns ErrCircuitOpen when the call must be skipped.
func (cb *CircuitBreaker) Acquire() (release func(err error), err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	trial := false
	switch cb.state {
	case CircuitOpen:
		if cb.nowFunc().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return nil, ErrCircuitOpen
		}
		cb.transition(CircuitHalfOpen)
		cb.trialInFlight = true
		trial = true
	case CircuitHalfOpen:
		if cb.trialInFlight {
			return nil, ErrCircuitOpen
		}
		cb.trialInFlight = true
		trial = true
	}

	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.record(trial, err) })
	}, nil
}

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen without
// calling fn if the circuit rejects the call.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := cb.Acquire()
	if err != nil {
		return err
	}
	err = fn(ctx)
	release(err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	release, err := cb.Acquire()
	if err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	release(err)
	return val, err
}

// State returns the current circuit state. An open circuit whose cooldown
// has elapsed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset forces the circuit back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.trialInFlight = false
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

// Counters returns the failure count, raw state and open timestamp.
func (cb *CircuitBreaker) Counters() (consecutiveFailures int, state CircuitState, openedAt time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures, cb.state, cb.openedAt
}

func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialInFlight = false
	}

	if err != nil && !cb.cfg.ShouldTrip(err) {
		return
	}

	if err == nil {
		cb.consecutiveFailures = 0
		if trial && cb.state == CircuitHalfOpen {
			cb.transition(CircuitClosed)
		}
		return
	}

	cb.consecutiveFailures++
	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.nowFunc()
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		if trial {
			// Cooldown restarts.
			cb.openedAt = cb.nowFunc()
			cb.transition(CircuitOpen)
		}
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil && from != to {
		cb.cfg.OnStateChange(from, to)
	}
}
