package resilience

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthRegistry_PerProviderIsolation(t *testing.T) {
	r := NewHealthRegistry(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		release, err := r.Acquire("perplexity")
		require.NoError(t, err)
		release(errors.New("503"))
	}

	assert.Equal(t, CircuitOpen, r.State("perplexity"))
	assert.Equal(t, CircuitClosed, r.State("jina"))

	_, err := r.Acquire("perplexity")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Same(t, r.Breaker("jina"), r.Breaker("jina"))
}

func TestHealthRegistry_Metrics(t *testing.T) {
	clock := newFakeClock()
	r := NewHealthRegistry(DefaultCircuitBreakerConfig(), WithClock(clock.Now), WithWindow(4))

	call := func(latency time.Duration, err error) {
		release, aerr := r.Acquire("haiku")
		require.NoError(t, aerr)
		clock.Advance(latency)
		release(err)
	}

	call(100*time.Millisecond, nil)
	call(200*time.Millisecond, errors.New("timeout"))
	call(100*time.Millisecond, ErrCallAbandoned) // ignored

	h := r.Health("haiku")
	assert.Equal(t, int64(2), h.Calls)
	assert.Equal(t, int64(1), h.Failures)
	assert.InDelta(t, 0.5, h.ErrorRate, 1e-9)
	// 0.2*200 + 0.8*100
	assert.InDelta(t, 120.0, h.LatencyEWMA, 1e-9)
	assert.Equal(t, 1, h.ConsecutiveFailures)
}

func TestHealthRegistry_RollingWindow(t *testing.T) {
	r := NewHealthRegistry(CircuitBreakerConfig{FailureThreshold: 100}, WithWindow(3))

	outcomes := []error{errors.New("x"), errors.New("x"), nil, nil, nil}
	for _, o := range outcomes {
		release, err := r.Acquire("sonnet")
		require.NoError(t, err)
		release(o)
	}

	h := r.Health("sonnet")
	assert.Equal(t, 0.0, h.ErrorRate, "old failures must roll out of the window")
	assert.Equal(t, int64(5), h.Calls)
}

func TestHealthRegistry_Snapshot(t *testing.T) {
	clock := newFakeClock()
	r := NewHealthRegistry(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}, WithClock(clock.Now))

	release, err := r.Acquire("opus")
	require.NoError(t, err)
	release(errors.New("down"))
	_ = r.Breaker("haiku")

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "haiku", snap[0].Name)
	assert.Equal(t, "opus", snap[1].Name)
	assert.Equal(t, CircuitOpen, snap[1].CircuitState)
	require.NotNil(t, snap[1].OpenedAt)
	assert.Equal(t, clock.Now(), *snap[1].OpenedAt)
	assert.Nil(t, snap[0].OpenedAt)

	b, err := json.Marshal(snap[1])
	require.NoError(t, err)
	assert.Contains(t, string(b), `"circuitState":"open"`)
}
