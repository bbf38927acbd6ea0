package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aquaops/aquaops/pkg/engine"
)

func newEvaluateCommand() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate predictive rules once",
		Long: `Evaluate every active predictive rule against the latest condition
readings. Rules whose conditions hold open corrective work orders; firings in
cooldown or with an open work order are recorded as suppressed.`,
		Example: `  # Evaluate now and print the outcomes
  aquaops evaluate --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := instantFlag(at)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			report, err := a.evaluator.Evaluate(ctx, now)
			if err != nil {
				return err
			}
			if ok, err := printJSON(report); ok || err != nil {
				return err
			}

			log.Info().
				Int("rules", report.Rules).
				Int("candidates", report.Candidates).
				Int("created", report.Count(engine.TriggerWOCreated)).
				Int("suppressed", report.Count(engine.TriggerSuppressed)).
				Int("wo_exists", report.Count(engine.TriggerWOExists)).
				Int("failures", len(report.Failures)).
				Msg("Predictive evaluation finished")
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "logical time of the evaluation (RFC 3339 or YYYY-MM-DD)")

	return cmd
}
