package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/trip-planner/internal/store"
	"github.com/sells-group/trip-planner/internal/workflow"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect or clean up planning sessions",
}

var sessionFlushCmd = &cobra.Command{
	Use:   "flush <sessionId>",
	Short: "End a session and drop its raw inputs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("session"); err != nil {
			return err
		}
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		orch := workflow.New(st, nil, nil, workflowConfig(cfg))
		if err := orch.FlushSession(ctx, store.ServicePrincipal, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "flushed session %s\n", args[0])
		return nil
	},
}

var sessionUsageCmd = &cobra.Command{
	Use:   "usage <sessionId>",
	Short: "Print a session's spend rebuilt from its usage log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("session"); err != nil {
			return err
		}
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		orch := workflow.New(st, nil, nil, workflowConfig(cfg))
		rep, err := orch.Usage(ctx, store.ServicePrincipal, args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionFlushCmd, sessionUsageCmd)
	rootCmd.AddCommand(sessionCmd)
}
