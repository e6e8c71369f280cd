package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/trip-planner/internal/budget"
	"github.com/sells-group/trip-planner/internal/classify"
	"github.com/sells-group/trip-planner/internal/config"
	"github.com/sells-group/trip-planner/internal/cost"
	"github.com/sells-group/trip-planner/internal/provider"
	"github.com/sells-group/trip-planner/internal/resilience"
	"github.com/sells-group/trip-planner/internal/router"
	"github.com/sells-group/trip-planner/internal/store"
	"github.com/sells-group/trip-planner/internal/workflow"
)

// appEnv holds the initialized store, provider stack and orchestrator used by
// the serve and worker commands.
type appEnv struct {
	Store        store.Store
	Registry     *provider.Registry
	Health       *resilience.HealthRegistry
	Guard        *budget.Guard
	Orchestrator *workflow.Orchestrator
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		return store.NewSQLite(c.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context, c *config.Config) (store.Store, error) {
	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func registryConfig(c *config.Config) (*provider.RegistryConfig, error) {
	if c.Providers.ConfigPath == "" {
		return provider.DefaultRegistryConfig(), nil
	}
	return provider.LoadRegistryConfig(c.Providers.ConfigPath)
}

func credentials(c *config.Config) provider.Credentials {
	return provider.Credentials{
		AnthropicKey:      c.Anthropic.Key,
		AnthropicBaseURL:  c.Anthropic.BaseURL,
		OpenAIKey:         c.OpenAI.Key,
		OpenAIBaseURL:     c.OpenAI.BaseURL,
		PerplexityKey:     c.Perplexity.Key,
		PerplexityBaseURL: c.Perplexity.BaseURL,
		JinaKey:           c.Jina.Key,
		JinaBaseURL:       c.Jina.SearchBaseURL,
	}
}

func routerConfig(c *config.Config) router.Config {
	rc := router.DefaultConfig()
	for class, d := range map[provider.Class]time.Duration{
		provider.ClassFast:     c.Routing.FastTimeout,
		provider.ClassBalanced: c.Routing.BalancedTimeout,
		provider.ClassDeep:     c.Routing.DeepTimeout,
	} {
		if d > 0 {
			rc.Timeouts[class] = d
		}
	}
	return rc
}

func workflowConfig(c *config.Config) workflow.Config {
	wc := workflow.DefaultConfig()
	if c.Workflow.StageDeadline > 0 {
		wc.StageDeadline = c.Workflow.StageDeadline
	}
	if c.Workflow.SessionTTL > 0 {
		wc.SessionTTL = c.Workflow.SessionTTL
	}
	if c.Workflow.EstimatedCompletion > 0 {
		wc.EstimatedCompletion = c.Workflow.EstimatedCompletion
	}
	if c.Budget.ExceededPolicy != "" {
		wc.ExceededPolicy = workflow.ExceededPolicy(c.Budget.ExceededPolicy)
	}
	retry := resilience.FromRetryConfig(c.Workflow.RetryAttempts, c.Workflow.RetryBackoff, c.Workflow.RetryMaxBackoff)
	retry.OnRetry = wc.Retry.OnRetry
	wc.Retry = retry
	return wc
}

func budgetConfig(c *config.Config) budget.Config {
	return budget.Config{
		DefaultLimit: cost.FromFloat(c.Budget.DefaultLimit),
		Sticky:       c.Budget.Sticky,
	}
}

// initApp builds the store, provider registry, router, budget guard and
// orchestrator. Callers should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	regCfg, err := registryConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg, err := provider.Build(regCfg, credentials(cfg))
	if err != nil {
		return nil, err
	}

	wc := workflowConfig(cfg)
	if err := wc.Validate(); err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	health := resilience.NewHealthRegistry(resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.Cooldown))
	cls := classify.New(reg, classify.WithExclude(cfg.Providers.Exclude...))
	rt := router.New(cls, health, cost.NewCalculator(cfg.Pricing), routerConfig(cfg))
	guard := budget.NewGuard(st, budgetConfig(cfg))

	zap.L().Info("providers registered",
		zap.Int("count", reg.Len()),
		zap.String("store", cfg.Store.Driver),
		zap.String("dispatch", cfg.Dispatch.Driver),
		zap.String("exceeded_policy", string(wc.ExceededPolicy)),
	)

	return &appEnv{
		Store:        st,
		Registry:     reg,
		Health:       health,
		Guard:        guard,
		Orchestrator: workflow.New(st, rt, guard, wc),
	}, nil
}
