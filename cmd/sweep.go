package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/trip-planner/internal/workflow"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire sessions past their TTL",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("sweep"); err != nil {
			return err
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		// No reservations are pending in a fresh process, so no guard is needed.
		orch := workflow.New(st, nil, nil, workflowConfig(cfg))
		n, err := orch.SweepExpiredSessions(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		zap.L().Info("sweep complete", zap.Int("expired", n))
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d session(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
