package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/tenantgate/pkg/config"
	"github.com/platinummonkey/tenantgate/pkg/database"
	"github.com/platinummonkey/tenantgate/pkg/observability"
)

var migrateDryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

		ctx := cmd.Context()
		db, dialect, err := database.Open(ctx, databaseConfig(cfg))
		if err != nil {
			return err
		}
		defer db.Close()

		if migrateDryRun {
			pending, err := database.Pending(ctx, db)
			if err != nil {
				return err
			}
			for _, m := range pending {
				fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", m.Version, m.Description)
			}
			return nil
		}
		return database.Migrate(ctx, db, dialect, logger)
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "list pending migrations without applying them")
}

func databaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
}
