package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aquaops/aquaops/pkg/predictive"
)

func newRulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage predictive rules",
		Long: `Predictive rules are kept in YAML files. Each file holds a list of rules:

  rules:
    - tenant_id: utility-north
      name: pump bearing wear
      asset_class_id: pump
      job_plan_id: jp-bearing
      priority: high
      cooldown_minutes: 720
      conditions:
        - parameter: vibration
          operator: gte
          value: 7.1
          duration_minutes: 30`,
	}

	cmd.AddCommand(newRulesValidateCommand())
	cmd.AddCommand(newRulesLoadCommand())

	return cmd
}

func newRulesValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate PATH...",
		Short: "Validate rule files without storing them",
		Args:  cobra.MinimumNArgs(1),
		Example: `  # Validate a directory of rule files
  aquaops rules validate ./rules`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := predictive.NewLoader(nil, nil)
			rules, err := loader.LoadFromPaths(args)
			if err != nil {
				return err
			}
			if ok, err := printJSON(rules); ok || err != nil {
				return err
			}
			for _, r := range rules {
				fmt.Printf("%-20s %-40s %d condition(s)\n", r.TenantID, r.Name, len(r.Conditions))
			}
			log.Info().Int("rules", len(rules)).Msg("Rule files are valid")
			return nil
		},
	}

	return cmd
}

func newRulesLoadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load [PATH...]",
		Short: "Store rules from files",
		Long: `Read rule files and store every rule. A rule with the same tenant and
name as a stored rule replaces it. Without arguments the configured
predictive.rule_paths are loaded.`,
		Example: `  # Load the configured rule paths
  aquaops rules load

  # Load one file
  aquaops rules load ./rules/pumps.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			paths := args
			if len(paths) == 0 {
				paths = a.cfg.Predictive.RulePaths
			}
			if len(paths) == 0 {
				return fmt.Errorf("no rule paths given and predictive.rule_paths is empty")
			}

			n, err := predictive.NewLoader(a.evaluator, a.tel.Logger).Load(ctx, paths)
			if err != nil {
				return err
			}
			log.Info().Int("rules", n).Msg("Rules stored")
			return nil
		},
	}

	return cmd
}
