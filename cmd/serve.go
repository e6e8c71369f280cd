package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/trip-planner/internal/api"
	"github.com/sells-group/trip-planner/internal/dispatch"
	"github.com/sells-group/trip-planner/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for trip generation requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		disp, closeDisp, err := initDispatcher(ctx, env)
		if err != nil {
			return err
		}
		defer closeDisp()
		go resumeUnfinished(ctx, env.Store, disp)

		var dlq monitoring.DeadLetterCounter
		if r, ok := disp.(*dispatch.Redis); ok {
			dlq = r
		}
		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Health, dlq),
			monitoring.NewAlerter(cfg.Monitoring),
			env.Orchestrator,
			cfg.Monitoring,
		)
		go checker.Run(ctx)

		srvAPI := api.NewServer(env.Orchestrator, disp, env.Registry, env.Health, api.Config{
			ServiceToken:   cfg.Server.ServiceToken,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RequestTimeout: cfg.Server.RequestTimeout,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srvAPI.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.String("dispatch", cfg.Dispatch.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
