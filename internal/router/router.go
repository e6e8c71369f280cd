// Package router executes a provider call with fallback across the
// classifier's chain, gated by per-provider circuit breakers.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/trip-planner/internal/classify"
	"github.com/sells-group/trip-planner/internal/cost"
	"github.com/sells-group/trip-planner/internal/provider"
	"github.com/sells-group/trip-planner/internal/resilience"
)

// Attempt outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeCircuitOpen = "circuit-open"
	OutcomeOverBudget  = "over-budget"
)

// Config holds per-class call timeouts.
type Config struct {
	Timeouts map[provider.Class]time.Duration
}

// DefaultConfig returns the standard per-class timeouts.
func DefaultConfig() Config {
	return Config{Timeouts: map[provider.Class]time.Duration{
		provider.ClassFast:     15 * time.Second,
		provider.ClassBalanced: 45 * time.Second,
		provider.ClassDeep:     120 * time.Second,
	}}
}

func (c Config) timeout(class provider.Class) time.Duration {
	if d, ok := c.Timeouts[class]; ok && d > 0 {
		return d
	}
	return DefaultConfig().Timeouts[provider.ClassBalanced]
}

// BudgetContext bounds what a single routing attempt may spend.
type BudgetContext struct {
	SessionID string
	// Ceiling is the most one call may be estimated to cost.
	Ceiling cost.USD
	// Unlimited disables the ceiling check.
	Unlimited bool
}

// Result is a successful call plus routing metadata.
type Result struct {
	Text      string
	Citations []string
	Provider  string
	Model     string
	Class     provider.Class
	Latency   time.Duration
	Usage     cost.Usage
	Cost      cost.USD
	// TotalCost adds what failed attempts before the serving provider were
	// billed.
	TotalCost cost.USD
	// FallbackDepth is the chain index of the serving provider.
	FallbackDepth int
	Attempts      []resilience.Attempt
	Score         float64
}

// Router drives classifier, breakers and provider clients.
type Router struct {
	cls    *classify.Classifier
	health *resilience.HealthRegistry
	calc   *cost.Calculator
	cfg    Config
	now    func() time.Time
}

// New creates a Router.
func New(cls *classify.Classifier, health *resilience.HealthRegistry, calc *cost.Calculator, cfg Config) *Router {
	return &Router{cls: cls, health: health, calc: calc, cfg: cfg, now: time.Now}
}

// Health exposes the breaker registry.
func (r *Router) Health() *resilience.HealthRegistry {
	return r.health
}

func (r *Router) estimate(p provider.Provider, req provider.Request) cost.USD {
	queries := 0
	if p.Kind() == provider.KindSearch {
		queries = 1
	}
	maxOut := req.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = 2048
	}
	in := cost.EstimateTokens(req.System) + cost.EstimateTokens(req.Prompt) + cost.EstimateTokens(req.Query)
	return r.calc.Estimate(p.Model(), in, maxOut, queries)
}

// Estimate returns the largest estimated cost among chain candidates whose
// breaker is not open. Reserving this amount covers any provider the route
// may end up using.
func (r *Router) Estimate(req provider.Request) cost.USD {
	var worst cost.USD
	for _, p := range r.cls.Classify(req).Chain {
		if r.health.State(p.Name()) == resilience.CircuitOpen {
			continue
		}
		worst = max(worst, r.estimate(p, req))
	}
	return worst
}

// Route tries each candidate in order until one succeeds. It fails with a
// *resilience.NoProviderAvailableError when the chain is exhausted, or with
// the context's error when the caller gives up. Every attempt the backend
// billed carries its cost, whether or not it succeeded.
func (r *Router) Route(ctx context.Context, req provider.Request, bc BudgetContext) (*Result, error) {
	log := zap.L().With(
		zap.String("stage", req.Stage),
		zap.String("session_id", bc.SessionID),
	)

	d := r.cls.Classify(req)
	attempts := make([]resilience.Attempt, 0, len(d.Chain))

	for i, p := range d.Chain {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "router: route")
		}
		name := p.Name()

		est := r.estimate(p, req)
		if !bc.Unlimited && est > bc.Ceiling {
			attempts = append(attempts, resilience.Attempt{Provider: name, Outcome: OutcomeOverBudget, Reason: "estimate " + est.String() + " over ceiling " + bc.Ceiling.String()})
			log.Info("router: skipping provider over budget ceiling",
				zap.String("provider", name),
				zap.Stringer("estimate", est),
				zap.Stringer("ceiling", bc.Ceiling),
			)
			continue
		}

		release, err := r.health.Acquire(name)
		if err != nil {
			attempts = append(attempts, resilience.Attempt{Provider: name, Outcome: OutcomeCircuitOpen, Reason: err.Error()})
			log.Info("router: skipping provider with open circuit", zap.String("provider", name))
			continue
		}

		start := r.now()
		resp, err := r.call(ctx, p, req)
		latency := r.now().Sub(start)

		if err != nil {
			if ctx.Err() != nil {
				release(resilience.ErrCallAbandoned)
				return nil, eris.Wrapf(ctx.Err(), "router: route abandoned at %s", name)
			}
			release(err)
			a := resilience.Attempt{Provider: name, Model: p.Model(), Outcome: OutcomeFailure, Reason: err.Error(), Latency: latency}
			var pe *resilience.ProviderError
			if errors.As(err, &pe) {
				a.Usage = pe.Usage
				a.CostUnits = int64(r.calc.Actual(p.Model(), pe.Usage))
			}
			attempts = append(attempts, a)
			log.Warn("router: provider failed, falling back",
				zap.String("provider", name),
				zap.Int("depth", i),
				zap.Duration("latency", latency),
				zap.Int64("billed_units", a.CostUnits),
				zap.Error(err),
			)
			continue
		}
		release(nil)

		model := resp.Model
		if model == "" {
			model = p.Model()
		}
		actual := r.calc.Actual(p.Model(), resp.Usage)
		attempts = append(attempts, resilience.Attempt{Provider: name, Model: model, Outcome: OutcomeSuccess, Latency: latency, Usage: resp.Usage, CostUnits: int64(actual)})
		log.Debug("router: provider served",
			zap.String("provider", name),
			zap.Int("fallback_depth", i),
			zap.Duration("latency", latency),
			zap.Stringer("cost", actual),
		)
		return &Result{
			Text:          resp.Text,
			Citations:     resp.Citations,
			Provider:      name,
			Model:         model,
			Class:         p.Class(),
			Latency:       latency,
			Usage:         resp.Usage,
			Cost:          actual,
			TotalCost:     resilience.TotalCost(attempts),
			FallbackDepth: i,
			Attempts:      attempts,
			Score:         d.Score,
		}, nil
	}

	err := &resilience.NoProviderAvailableError{Attempts: attempts}
	log.Warn("router: chain exhausted", zap.Stringer("billed", err.Spent()), zap.Error(err))
	return nil, err
}

// call runs one provider under its class timeout. Timeouts and untyped
// errors are reported as provider errors.
func (r *Router) call(ctx context.Context, p provider.Provider, req provider.Request) (*provider.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.timeout(p.Class()))
	defer cancel()

	resp, err := p.Call(callCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var pe *resilience.ProviderError
		if errors.As(err, &pe) {
			return nil, err
		}
		reason := "request failed"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		return nil, resilience.NewProviderError(p.Name(), reason, err)
	}
	if resp == nil {
		return nil, resilience.NewProviderError(p.Name(), "empty payload", nil)
	}
	return resp, nil
}
