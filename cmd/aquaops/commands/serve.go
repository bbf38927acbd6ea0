package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aquaops/aquaops/pkg/api"
	"github.com/aquaops/aquaops/pkg/ingest"
	"github.com/aquaops/aquaops/pkg/predictive"
	"github.com/aquaops/aquaops/pkg/worker"
)

func newServeCommand() *cobra.Command {
	var (
		noWorkers bool
		noAPI     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, periodic jobs and reading ingestion",
		Long: `Run the engine as a long-lived service.

This command runs:
  - HTTP API under /api/v1 and Prometheus metrics
  - Periodic jobs: PM tick, predictive evaluation, SLA sweep, compliance rollup
  - Reading ingestion from Redis Streams and MQTT when enabled
  - Predictive rule loading, with reload on file changes when enabled

Everything stops gracefully on SIGINT or SIGTERM.`,
		Example: `  # Run everything with ./aquaops.yaml
  aquaops serve

  # Run only the API against a PostgreSQL store
  AQUAOPS_STORE_DRIVER=postgres AQUAOPS_STORE_DSN=postgres://... aquaops serve --no-workers`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				a.close(shutdownCtx)
			}()

			g, gctx := errgroup.WithContext(ctx)

			if paths := a.cfg.Predictive.RulePaths; len(paths) > 0 {
				loader := predictive.NewLoader(a.evaluator, a.tel.Logger)
				n, err := loader.Load(gctx, paths)
				if err != nil {
					return err
				}
				log.Info().Int("rules", n).Msg("Predictive rules loaded")

				if a.cfg.Predictive.WatchRules {
					if err := loader.Watch(gctx, paths); err != nil {
						return err
					}
					defer func() { _ = loader.StopWatching() }()
				}
			}

			if !noAPI {
				srv := api.NewServer(a.cfg.Server, api.Services{
					Lifecycle:  a.lifecycle,
					Scheduler:  a.scheduler,
					SLA:        a.sla,
					Monitor:    a.monitor,
					Compliance: a.compliance,
				}, a.tel)
				g.Go(func() error { return srv.Start(gctx) })
			}

			if !noWorkers {
				runner := worker.NewRunner(a.cfg.Workers, a.clock, a.tel)
				runner.Add(worker.PMTickJob(a.scheduler, a.cfg.Workers.PMTick))
				runner.Add(worker.PredictiveJob(a.evaluator, a.cfg.Workers.Predictive))
				runner.Add(worker.SLASweepJob(a.sla, a.cfg.Workers.SLASweep))
				runner.Add(worker.ComplianceJob(a.compliance, a.cfg.Workers.ComplianceRollup))
				if len(runner.Jobs()) > 0 {
					g.Go(func() error { return runner.Run(gctx) })
				}
			}

			if rc := a.cfg.Ingest.Redis; rc.Enabled {
				client := ingest.NewRedisClient(rc.StreamConfig)
				defer func() { _ = client.Close() }()

				consumer := ingest.NewStreamConsumer(client, rc.StreamConfig, a.monitor, a.tel)
				if err := consumer.EnsureGroup(gctx); err != nil {
					return err
				}
				g.Go(func() error { return consumer.Run(gctx) })
			}

			if mc := a.cfg.Ingest.MQTT; mc.Enabled {
				sub := ingest.NewSubscriber(mc.MQTTConfig, a.monitor, a.tel)
				if err := sub.Start(gctx); err != nil {
					return err
				}
				defer sub.Stop()
			}

			// Keep running until interrupted even when nothing above started.
			g.Go(func() error {
				<-gctx.Done()
				return nil
			})

			log.Info().
				Str("addr", a.cfg.Server.Addr).
				Bool("api", !noAPI).
				Bool("workers", !noWorkers).
				Msg("AquaOps engine running")

			err = g.Wait()
			log.Info().Msg("AquaOps engine stopped")
			return err
		},
	}

	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "do not run periodic jobs")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not serve the HTTP API")

	return cmd
}
