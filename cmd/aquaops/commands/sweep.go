package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newSweepCommand() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Record SLA breaches of open work orders",
		Long: `Check every open work order against its response and resolution due
times and record the breaches that are missing. A breach is recorded once.`,
		Example: `  # Sweep now
  aquaops sweep`,
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

			n, err := a.sla.Sweep(ctx, now)
			if err != nil {
				return err
			}
			if ok, err := printJSON(map[string]int{"breaches": n}); ok || err != nil {
				return err
			}
			log.Info().Int("breaches", n).Msg("SLA sweep finished")
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "logical time of the sweep (RFC 3339 or YYYY-MM-DD)")

	return cmd
}
