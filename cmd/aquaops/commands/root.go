package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "aquaops",
		Short: "AquaOps - Maintenance Orchestration Engine",
		Long: `AquaOps plans and tracks maintenance of water utility assets.

Features:
  - Preventive maintenance generation from time and meter templates
  - Work order lifecycle with permits, checklists and QA sign-off
  - SLA due times, breach detection and penalties
  - Condition monitoring with threshold alarms
  - Predictive rules that open corrective work orders
  - Monthly PM compliance rollups`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newTickCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newEvaluateCommand())
	rootCmd.AddCommand(newComplianceCommand())
	rootCmd.AddCommand(newRulesCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// printJSON writes v to stdout when --json is set and reports whether it did.
func printJSON(v interface{}) (bool, error) {
	if !jsonOutput {
		return false, nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}
