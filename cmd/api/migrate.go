package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"taskboard/api/internal/store"
)

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations, or roll back the latest with --down",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, db, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		if migrateDown {
			version, err := store.RollbackLast(ctx, db, cfg.MigrationsDir)
			if err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			if version == "" {
				slog.Info("nothing to roll back")
			}
			return nil
		}
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll back the most recently applied migration")
}
