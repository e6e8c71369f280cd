package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/trip-planner/internal/provider"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the provider registry and which entries have credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("providers"); err != nil {
			return err
		}
		regCfg, err := registryConfig(cfg)
		if err != nil {
			return err
		}
		return printProviders(cmd.OutOrStdout(), regCfg, credentials(cfg))
	},
}

func printProviders(w io.Writer, regCfg *provider.RegistryConfig, creds provider.Credentials) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tCLASS\tMODEL\tPRIORITY\tSTATUS")
	for _, e := range regCfg.Providers {
		status := "ready"
		switch {
		case e.Disabled:
			status = "disabled"
		case !hasCredential(e.Type, creds):
			status = "no credentials"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", e.Name, e.Type, e.Class, e.Model, e.Priority, status)
	}
	return tw.Flush()
}

func hasCredential(typ string, creds provider.Credentials) bool {
	switch typ {
	case provider.TypeAnthropic:
		return creds.AnthropicKey != ""
	case provider.TypeOpenAI:
		return creds.OpenAIKey != ""
	case provider.TypePerplexity:
		return creds.PerplexityKey != ""
	case provider.TypeJina:
		return creds.JinaKey != ""
	}
	return false
}

func init() {
	rootCmd.AddCommand(providersCmd)
}
