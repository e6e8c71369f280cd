package provider

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/sells-group/trip-planner/internal/resilience"
)

type limited struct {
	Provider
	limiter *rate.Limiter
}

// Limited makes every call wait on limiter first. A nil limiter returns p.
func Limited(p Provider, limiter *rate.Limiter) Provider {
	if limiter == nil {
		return p
	}
	return &limited{Provider: p, limiter: limiter}
}

func (l *limited) Call(ctx context.Context, req Request) (*Response, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Wait fails early when the deadline cannot be met.
		return nil, resilience.NewProviderError(l.Name(), "rate limited", err)
	}
	return l.Provider.Call(ctx, req)
}
