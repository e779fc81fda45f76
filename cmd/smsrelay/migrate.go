package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"smsrelay/internal/config"
	"smsrelay/internal/database"
)

func newMigrateCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database schema",
		Long:  "Creates every table and index the relay uses. Statements are idempotent, so running it against an initialized database is a no-op.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), opts)
		},
	}
}

func runMigrate(ctx context.Context, opts *cliOptions) error {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.LogLevel, opts.verbose)

	dbCfg := cfg.Database
	dbCfg.AutoMigrate = false
	db, err := database.Open(ctx, dbCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	}()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	logger.WithField("dialect", db.Dialect()).Info("Database schema is up to date")
	return nil
}
