package resilience

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHealthWindow = 20
	latencyAlpha        = 0.2
)

// ProviderHealth is a point-in-time view of one provider's breaker and
// rolling call metrics.
type ProviderHealth struct {
	Name                string       `json:"name"`
	CircuitState        CircuitState `json:"circuitState"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	OpenedAt            *time.Time   `json:"openedAt,omitempty"`
	LatencyEWMA         float64      `json:"latencyEwmaMs"`
	ErrorRate           float64      `json:"errorRate"`
	Calls               int64        `json:"calls"`
	Failures            int64        `json:"failures"`
}

// HealthOption configures a HealthRegistry.
type HealthOption func(*HealthRegistry)

// WithClock overrides the time source used by every breaker in the registry.
func WithClock(now func() time.Time) HealthOption {
	return func(r *HealthRegistry) { r.now = now }
}

// WithWindow sets how many recent outcomes feed the rolling error rate.
func WithWindow(n int) HealthOption {
	return func(r *HealthRegistry) {
		if n > 0 {
			r.window = n
		}
	}
}

// HealthRegistry holds one breaker plus rolling metrics per provider. It is
// injected into the router; nothing in it is process-global.
type HealthRegistry struct {
	mu      sync.RWMutex
	entries map[string]*healthEntry
	cfg     CircuitBreakerConfig
	window  int
	now     func() time.Time
}

type healthEntry struct {
	breaker *CircuitBreaker

	mu       sync.Mutex
	ewma     float64
	outcomes []bool // true = failure
	next     int
	calls    int64
	failures int64
}

// NewHealthRegistry creates an empty registry. Breakers are created lazily
// with cfg on first use.
func NewHealthRegistry(cfg CircuitBreakerConfig, opts ...HealthOption) *HealthRegistry {
	r := &HealthRegistry{
		entries: make(map[string]*healthEntry),
		cfg:     cfg,
		window:  defaultHealthWindow,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Breaker returns the circuit breaker for the named provider.
func (r *HealthRegistry) Breaker(name string) *CircuitBreaker {
	return r.entry(name).breaker
}

// Acquire asks the named provider's breaker for a permit. The release func
// records the outcome on the breaker and, unless the call was abandoned,
// feeds latency and error rate metrics.
func (r *HealthRegistry) Acquire(name string) (func(err error), error) {
	e := r.entry(name)
	release, err := e.breaker.Acquire()
	if err != nil {
		return nil, err
	}
	start := r.now()
	return func(callErr error) {
		release(callErr)
		if callErr != nil && !e.breaker.cfg.ShouldTrip(callErr) {
			return
		}
		e.observe(r.now().Sub(start), callErr != nil, r.window)
	}, nil
}

// State returns the named provider's circuit state.
func (r *HealthRegistry) State(name string) CircuitState {
	return r.entry(name).breaker.State()
}

// Snapshot returns health for every provider seen so far, sorted by name.
func (r *HealthRegistry) Snapshot() []ProviderHealth {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]ProviderHealth, 0, len(names))
	for _, name := range names {
		out = append(out, r.Health(name))
	}
	return out
}

// Health returns the current health of one provider.
func (r *HealthRegistry) Health(name string) ProviderHealth {
	e := r.entry(name)
	failures, _, openedAt := e.breaker.Counters()
	h := ProviderHealth{
		Name:                name,
		CircuitState:        e.breaker.State(),
		ConsecutiveFailures: failures,
	}
	if h.CircuitState != CircuitClosed && !openedAt.IsZero() {
		t := openedAt
		h.OpenedAt = &t
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	h.LatencyEWMA = e.ewma
	h.Calls = e.calls
	h.Failures = e.failures
	if n := len(e.outcomes); n > 0 {
		bad := 0
		for _, f := range e.outcomes {
			if f {
				bad++
			}
		}
		h.ErrorRate = float64(bad) / float64(n)
	}
	return h
}

func (r *HealthRegistry) entry(name string) *healthEntry {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[name]; ok {
		return e
	}

	cfg := r.cfg
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(from, to CircuitState) {
		zap.L().Warn("circuit state change",
			zap.String("provider", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		if userHook != nil {
			userHook(from, to)
		}
	}
	cb := NewCircuitBreaker(cfg)
	cb.nowFunc = r.now

	e = &healthEntry{breaker: cb}
	r.entries[name] = e
	return e
}

func (e *healthEntry) observe(latency time.Duration, failed bool, window int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms := float64(latency) / float64(time.Millisecond)
	if e.calls == 0 {
		e.ewma = ms
	} else {
		e.ewma = latencyAlpha*ms + (1-latencyAlpha)*e.ewma
	}
	e.calls++
	if failed {
		e.failures++
	}

	if len(e.outcomes) < window {
		e.outcomes = append(e.outcomes, failed)
		return
	}
	e.outcomes[e.next] = failed
	e.next = (e.next + 1) % window
}
