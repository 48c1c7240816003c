package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"taskboard/api/internal/config"
	"taskboard/api/internal/logging"
	"taskboard/api/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "taskboard-api",
	Short: "Taskboard API server",
	Long:  `Taskboard serves the project, group, tag and task API together with the realtime board socket.`,
	// Running without a subcommand serves.
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, migrateCmd)
	if err := rootCmd.Execute(); err != nil {
		slog.Error("taskboard-api failed", "error", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration, installs the logger and opens the database.
func bootstrap(ctx context.Context) (config.Config, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("database connection failed: %w", err)
	}
	return cfg, db, nil
}
