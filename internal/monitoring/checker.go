package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/trip-planner/internal/config"
)

// Sweeper expires sessions past their TTL.
type Sweeper interface {
	SweepExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// Checker runs the session sweep and alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	sweeper   Sweeper
	cfg       config.MonitoringConfig
	now       func() time.Time
}

// NewChecker creates a background checker. sweeper may be nil.
func NewChecker(collector *Collector, alerter *Alerter, sweeper Sweeper, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		sweeper:   sweeper,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := c.cfg.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting checker", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

// check runs one sweep and alert pass and returns the alerts raised.
func (c *Checker) check(ctx context.Context, log *zap.Logger) []Alert {
	expired := 0
	if c.sweeper != nil {
		n, err := c.sweeper.SweepExpiredSessions(ctx, c.now().UTC())
		if err != nil {
			log.Error("monitoring: session sweep failed", zap.Error(err))
		} else {
			expired = n
			if n > 0 {
				log.Info("monitoring: expired sessions", zap.Int("count", n))
			}
		}
	}

	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}
	snap.ExpiredSessions = expired

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}
