package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/trip-planner/internal/config"
	"github.com/sells-group/trip-planner/internal/dispatch"
)

func redisConfig(c *config.Config) dispatch.RedisConfig {
	return dispatch.RedisConfig{
		Stream:        c.Dispatch.Redis.Stream,
		Group:         c.Dispatch.Redis.Group,
		Consumer:      c.Dispatch.Redis.Consumer,
		MaxDeliveries: c.Dispatch.Redis.MaxDeliveries,
	}
}

func dialRedis(ctx context.Context) (*redis.Client, error) {
	return dispatch.DialRedis(ctx, cfg.Dispatch.Redis.URL, cfg.Dispatch.Redis.Password)
}

// resumeUnfinished re-dispatches workflows a previous process left pending or
// processing. Only the local queue loses work on restart; Redis and Temporal
// redeliver on their own.
func resumeUnfinished(ctx context.Context, st dispatch.WorkflowLister, d dispatch.Dispatcher) {
	if cfg.Dispatch.Driver != config.DriverLocal {
		return
	}
	if _, err := dispatch.Redispatch(ctx, st, d); err != nil && ctx.Err() == nil {
		zap.L().Error("resume unfinished workflows", zap.Error(err))
	}
}

func dialTemporal() (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Dispatch.Temporal.HostPort,
		Namespace: cfg.Dispatch.Temporal.Namespace,
	})
	if err != nil {
		return nil, eris.Wrap(err, "dial temporal")
	}
	return c, nil
}

// initDispatcher returns the dispatcher the API hands accepted workflows to
// and a func that releases it. The local driver runs workflows in-process.
func initDispatcher(ctx context.Context, env *appEnv) (dispatch.Dispatcher, func(), error) {
	switch cfg.Dispatch.Driver {
	case config.DriverLocal:
		l := dispatch.NewLocal(env.Orchestrator, cfg.Dispatch.Workers, cfg.Dispatch.QueueSize)
		l.Start(ctx)
		return l, func() {
			if err := l.Close(); err != nil {
				zap.L().Warn("close local dispatcher", zap.Error(err))
			}
		}, nil

	case config.DriverRedis:
		rc, err := dialRedis(ctx)
		if err != nil {
			return nil, nil, err
		}
		r := dispatch.NewRedis(rc, nil, redisConfig(cfg))
		if err := r.EnsureGroup(ctx); err != nil {
			_ = rc.Close()
			return nil, nil, err
		}
		return r, func() { _ = rc.Close() }, nil

	case config.DriverTemporal:
		tc, err := dialTemporal()
		if err != nil {
			return nil, nil, err
		}
		t := dispatch.NewTemporal(tc, cfg.Dispatch.Temporal.TaskQueue, cfg.Dispatch.Temporal.StageTimeout)
		return t, tc.Close, nil
	}
	return nil, nil, eris.Errorf("unsupported dispatch driver: %s", cfg.Dispatch.Driver)
}
