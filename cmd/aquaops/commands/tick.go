package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/pm"
)

// instantFlag parses an optional --at value (RFC 3339 or YYYY-MM-DD).
func instantFlag(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	d, err := engine.ParseDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: use RFC 3339 or YYYY-MM-DD", raw)
	}
	return d.Time(), nil
}

func newTickCommand() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one PM generation tick",
		Long: `Evaluate every active PM template once and generate due work orders.

Ticks are idempotent: running the same tick twice creates no duplicates.
Use --at to replay a tick for an earlier day.`,
		Example: `  # Generate what is due now
  aquaops tick

  # Replay the tick of 1 March 2024
  aquaops tick --at 2024-03-01`,
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

			report, err := a.scheduler.Tick(ctx, pm.TickContext{Now: now})
			if err != nil {
				return err
			}
			if ok, err := printJSON(report); ok || err != nil {
				return err
			}

			log.Info().
				Str("today", report.Today.String()).
				Int("templates", report.Templates).
				Int("generated", report.Generated).
				Int("skipped", report.Skipped).
				Int("duplicates", report.Duplicates).
				Int("failures", len(report.Failures)).
				Msg("PM tick finished")
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "logical time of the tick (RFC 3339 or YYYY-MM-DD)")

	return cmd
}
