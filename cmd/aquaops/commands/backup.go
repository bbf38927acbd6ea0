package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aquaops/aquaops/pkg/config"
	"github.com/aquaops/aquaops/pkg/stores"
)

func newBackupCommand() *cobra.Command {
	var (
		outFile string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Backup the AquaOps database",
		Long: `Create a consistent copy of the SQLite database while the engine runs.

The copy is a complete database file and can be used in place of the
original. PostgreSQL deployments should use pg_dump.`,
		Example: `  # Back up to the default file
  aquaops backup

  # Overwrite an existing backup
  aquaops backup --out /var/backups/aquaops.db --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			if _, err := os.Stat(outFile); err == nil {
				if !force {
					return fmt.Errorf("%s already exists (use --force to overwrite)", outFile)
				}
				if err := os.Remove(outFile); err != nil {
					return fmt.Errorf("failed to remove old backup: %w", err)
				}
			}

			store, err := stores.NewSQLStore(cfg.Store)
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return err
			}
			defer store.Close()

			if err := store.Backup(ctx, outFile); err != nil {
				return err
			}
			log.Info().Str("out", outFile).Msg("Backup created")
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "aquaops-backup.db", "backup output file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing backup file")

	return cmd
}
