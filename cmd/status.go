package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/trip-planner/internal/store"
	"github.com/sells-group/trip-planner/internal/workflow"
)

var statusCmd = &cobra.Command{
	Use:   "status <workflowId>",
	Short: "Print a workflow's status view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("status"); err != nil {
			return err
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		// Status is a pure read; no router or guard is needed.
		orch := workflow.New(st, nil, nil, workflowConfig(cfg))
		view, err := orch.Status(ctx, store.ServicePrincipal, args[0])
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
