package main

import (
	"errors"
	"fmt"

	"funnel-automation/backend/internal/config"
	"funnel-automation/backend/internal/logging"
	"funnel-automation/backend/internal/repository"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}
			if cfg.DB.Driver != "postgres" {
				return errors.New("migrate requires db.driver=postgres")
			}
			logger := logging.New(cmd.OutOrStdout(), cfg.Log.Level, cfg.Log.Format)

			ctx := cmd.Context()
			pool, err := initDatabase(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := repository.NewPostgresStore(pool).Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			logger.Info("Schema applied", "database", cfg.DB.Name)
			return nil
		},
	}
}
