package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func tripBreaker(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("fail")
		})
	}
}

func TestCircuitBreaker_ClosedState_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	var calls int
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     1 * time.Minute,
	}
	cb := NewCircuitBreaker(cfg)

	tripBreaker(t, cb, 2)
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed below threshold, got %s", cb.State())
	}
	tripBreaker(t, cb, 1)

	if cb.State() != CircuitOpen {
		t.Errorf("expected open state after %d failures, got %s", cfg.FailureThreshold, cb.State())
	}

	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	tripBreaker(t, cb, 2)
	failures, state, _ := cb.Counters()
	assert.Equal(t, 2, failures)
	assert.Equal(t, CircuitClosed, state)

	require.NoError(t, cb.Execute(context.Background(), func(_ context.Context) error { return nil }))
	failures, _, _ = cb.Counters()
	assert.Equal(t, 0, failures)

	// Two more failures must not open: the counter restarted.
	tripBreaker(t, cb, 2)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: 30 * time.Second})
	cb.nowFunc = clock.Now

	tripBreaker(t, cb, 2)
	require.Equal(t, CircuitOpen, cb.State())

	clock.Advance(29 * time.Second)
	_, err := cb.Acquire()
	require.ErrorIs(t, err, ErrCircuitOpen)

	clock.Advance(time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	err = cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpen_SingleTrial(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second})
	cb.nowFunc = clock.Now

	tripBreaker(t, cb, 5)
	clock.Advance(30 * time.Second)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		rejected atomic.Int32
		start    = make(chan struct{})
		hold     = make(chan struct{})
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			release, err := cb.Acquire()
			if err != nil {
				rejected.Add(1)
				return
			}
			admitted.Add(1)
			<-hold
			release(nil)
		}()
	}
	close(start)

	// Wait until all but the admitted caller have been turned away.
	require.Eventually(t, func() bool {
		return admitted.Load() == 1 && rejected.Load() == 7
	}, time.Second, time.Millisecond)

	close(hold)
	wg.Wait()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailure_Reopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = clock.Now

	tripBreaker(t, cb, 1)
	clock.Advance(10 * time.Second)

	err := cb.Execute(context.Background(), func(_ context.Context) error {
		return errors.New("still down")
	})
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, cb.State())

	// Cooldown restarted at the trial failure.
	clock.Advance(9 * time.Second)
	assert.Equal(t, CircuitOpen, cb.State())
	clock.Advance(time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())
}

func TestCircuitBreaker_AbandonedTrial_FreesSlot(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = clock.Now

	tripBreaker(t, cb, 1)
	clock.Advance(time.Second)

	release, err := cb.Acquire()
	require.NoError(t, err)
	release(ErrCallAbandoned)

	_, state, _ := cb.Counters()
	assert.Equal(t, CircuitHalfOpen, state)

	release2, err := cb.Acquire()
	require.NoError(t, err, "abandoned trial must free the half-open slot")
	release2(nil)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_ReleaseIsIdempotent(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	release, err := cb.Acquire()
	require.NoError(t, err)
	boom := errors.New("boom")
	release(boom)
	release(boom)

	failures, _, _ := cb.Counters()
	assert.Equal(t, 1, failures)
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	cb.nowFunc = clock.Now

	tripBreaker(t, cb, 1)
	clock.Advance(time.Second)
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return nil })

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_ShouldTrip(t *testing.T) {
	permanent := errors.New("permanent")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		ShouldTrip:       func(err error) bool { return !errors.Is(err, permanent) },
	})

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return permanent })
	}
	if cb.State() != CircuitClosed {
		t.Errorf("non-tripping errors should not open the circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	tripBreaker(t, cb, 1)
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	failures, _, _ := cb.Counters()
	assert.Equal(t, 0, failures)
}

func TestCircuitBreaker_ConcurrentFailures_OpenOnce(t *testing.T) {
	var opens atomic.Int32
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     time.Hour,
		OnStateChange: func(_, to CircuitState) {
			if to == CircuitOpen {
				opens.Add(1)
			}
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(_ context.Context) error {
				return errors.New("fail")
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, int32(1), opens.Load())
}

func TestExecuteVal_CircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	val, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (string, error) {
		return "hello", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", val)
}

func TestExecuteVal_CircuitOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	tripBreaker(t, cb, 1)

	val, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		t.Error("should not be called")
		return 42, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, val)
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
