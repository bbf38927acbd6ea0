package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aquaops/aquaops/pkg/compliance"
	"github.com/aquaops/aquaops/pkg/engine"
)

func newComplianceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compliance",
		Short: "Compute and export PM compliance metrics",
	}

	cmd.AddCommand(newComplianceRollupCommand())
	cmd.AddCommand(newComplianceExportCommand())

	return cmd
}

// periodFlags resolves --from/--to, defaulting to the previous calendar month.
func periodFlags(from, to string) (engine.Date, engine.Date, error) {
	if from == "" && to == "" {
		start, end := compliance.PreviousMonth(engine.DateOf(time.Now()))
		return start, end, nil
	}
	if from == "" || to == "" {
		return engine.Date{}, engine.Date{}, fmt.Errorf("--from and --to must be given together")
	}
	start, err := engine.ParseDate(from)
	if err != nil {
		return engine.Date{}, engine.Date{}, err
	}
	end, err := engine.ParseDate(to)
	if err != nil {
		return engine.Date{}, engine.Date{}, err
	}
	return start, end, nil
}

func newComplianceRollupCommand() *cobra.Command {
	var (
		tenantID string
		from     string
		to       string
	)

	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Compute compliance metrics for a period",
		Long: `Compute PM compliance for a period and store the result. A second rollup
of the same tenant and period replaces the first.

Without --tenant every tenant with templates or work orders is rolled up.
Without --from and --to the previous calendar month is used.`,
		Example: `  # Roll up last month for all tenants
  aquaops compliance rollup

  # Roll up Q1 for one tenant
  aquaops compliance rollup --tenant utility-north --from 2024-01-01 --to 2024-03-31`,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := periodFlags(from, to)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			now := a.clock.Now()
			var metrics []*engine.ComplianceMetric
			if tenantID != "" {
				m, err := a.compliance.Rollup(ctx, tenantID, start, end, now)
				if err != nil {
					return err
				}
				metrics = append(metrics, m)
			} else {
				metrics, err = a.compliance.RollupAll(ctx, start, end, now)
				if err != nil {
					return err
				}
			}

			if ok, err := printJSON(metrics); ok || err != nil {
				return err
			}
			for _, m := range metrics {
				log.Info().
					Str("tenant", m.TenantID).
					Str("period", m.PeriodStart.String()+".."+m.PeriodEnd.String()).
					Int("scheduled", m.PMScheduled).
					Int("on_time", m.PMCompletedOnTime).
					Float64("compliance_pct", m.CompliancePct).
					Msg("Compliance computed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant to roll up (default: all)")
	cmd.Flags().StringVar(&from, "from", "", "first day of the period (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last day of the period (YYYY-MM-DD)")

	return cmd
}

func newComplianceExportCommand() *cobra.Command {
	var (
		tenantID string
		outFile  string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored compliance metrics to a spreadsheet",
		Example: `  # Export the last 12 periods of a tenant
  aquaops compliance export --tenant utility-north --limit 12 --out compliance.xlsx`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				return fmt.Errorf("--tenant is required")
			}

			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			f, err := os.Create(outFile)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", outFile, err)
			}
			defer f.Close()

			page := engine.Page{Limit: limit}.Normalize()
			if err := a.compliance.ExportXLSX(ctx, f, tenantID, page); err != nil {
				return err
			}
			log.Info().Str("tenant", tenantID).Str("out", outFile).Msg("Compliance exported")
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant to export")
	cmd.Flags().StringVarP(&outFile, "out", "o", "compliance.xlsx", "output file")
	cmd.Flags().IntVar(&limit, "limit", engine.DefaultPageSize, "number of periods to export")

	return cmd
}
