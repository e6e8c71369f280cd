package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/trip-planner/internal/config"
	"github.com/sells-group/trip-planner/internal/dispatch"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued workflows from Redis or Temporal",
	Long:  "Runs accepted workflows dispatched by a serve process configured with the redis or temporal dispatch driver.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		switch cfg.Dispatch.Driver {
		case config.DriverRedis:
			rc, err := dialRedis(ctx)
			if err != nil {
				return err
			}
			defer rc.Close() //nolint:errcheck
			return dispatch.NewRedis(rc, env.Orchestrator, redisConfig(cfg)).Consume(ctx)

		case config.DriverTemporal:
			tc, err := dialTemporal()
			if err != nil {
				return err
			}
			defer tc.Close()
			w := dispatch.NewTemporalWorker(tc, cfg.Dispatch.Temporal.TaskQueue, env.Orchestrator)
			zap.L().Info("temporal worker started", zap.String("task_queue", cfg.Dispatch.Temporal.TaskQueue))
			return eris.Wrap(w.Run(worker.InterruptCh()), "temporal worker")

		default:
			return eris.Errorf("worker requires dispatch.driver redis or temporal, got %q", cfg.Dispatch.Driver)
		}
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
