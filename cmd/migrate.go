package cmd

import (
	"example.com/backstage/simul/internal/database"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		dbs, err := database.Connect(cfg.DB)
		if err != nil {
			return err
		}
		defer dbs.Close()

		if err := dbs.Migrate(); err != nil {
			return errors.Wrap(err, "failed to run database migrations")
		}

		log.Info().Msg("Database migrations completed successfully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
