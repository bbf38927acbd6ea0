package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aquaops/aquaops/pkg/config"
	"github.com/aquaops/aquaops/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply the embedded schema migrations to the configured store.

Migrations are idempotent; running the command on an up-to-date database
does nothing.`,
		Example: `  # Migrate the SQLite database from ./aquaops.yaml
  aquaops migrate

  # Migrate a PostgreSQL database
  AQUAOPS_STORE_DRIVER=postgres AQUAOPS_STORE_DSN=postgres://... aquaops migrate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			store, err := stores.NewSQLStore(cfg.Store)
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return err
			}
			log.Info().Str("driver", string(store.Dialect())).Msg("Database migrated")
			return nil
		},
	}

	return cmd
}
