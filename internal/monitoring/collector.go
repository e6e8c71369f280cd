// Package monitoring runs background housekeeping and alerting for the
// generation service.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/trip-planner/internal/resilience"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	Providers    []resilience.ProviderHealth `json:"providers"`
	OpenCircuits []string                    `json:"open_circuits"`

	// Sessions expired by the sweep that preceded this snapshot.
	ExpiredSessions int `json:"expired_sessions"`

	// DLQ depth. Zero when the dispatcher keeps no dead letters.
	DLQDepth int64 `json:"dlq_depth"`

	CollectedAt time.Time `json:"collected_at"`
}

// DeadLetterCounter reports how many runs were dead-lettered.
type DeadLetterCounter interface {
	DeadLetterDepth(ctx context.Context) (int64, error)
}

// Collector gathers provider health and queue metrics.
type Collector struct {
	health *resilience.HealthRegistry
	dlq    DeadLetterCounter
	now    func() time.Time
}

// NewCollector creates a metrics collector. dlq may be nil.
func NewCollector(health *resilience.HealthRegistry, dlq DeadLetterCounter) *Collector {
	return &Collector{health: health, dlq: dlq, now: time.Now}
}

// Collect gathers a snapshot of system metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		OpenCircuits: []string{},
		CollectedAt:  c.now().UTC(),
	}

	if c.health != nil {
		snap.Providers = c.health.Snapshot()
		for _, p := range snap.Providers {
			if p.CircuitState == resilience.CircuitOpen {
				snap.OpenCircuits = append(snap.OpenCircuits, p.Name)
			}
		}
	}

	if c.dlq != nil {
		n, err := c.dlq.DeadLetterDepth(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: count dead letters")
		}
		snap.DLQDepth = n
	}

	return snap, nil
}
