package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"smsrelay/internal/auditlog"
	"smsrelay/internal/config"
	"smsrelay/internal/constants"
	"smsrelay/internal/database"
	"smsrelay/internal/models"
	"smsrelay/internal/normalize"
	"smsrelay/internal/release"
	"smsrelay/internal/service"
	"smsrelay/internal/tracing"
	"smsrelay/pkg/telegram"
)

func newServeCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook relay HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *cliOptions) error {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel, opts.verbose)
	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting smsrelay")

	if cfg.Tracing.ServiceVersion == "" {
		cfg.Tracing.ServiceVersion = Version
	}
	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	}()

	app, err := buildApp(cfg, db, opts.verbose, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.relay.Run(gctx)
	})

	if opts.configPath != "" {
		watcher := config.NewConfigWatcher(opts.configPath, cfg, logger)
		watcher.OnConfigChange(app.applyConfig)
		g.Go(func() error {
			return watcher.Start(gctx)
		})
	}

	g.Go(func() error {
		if err := app.server.Start(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
		defer cancel()
		if err := app.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server gracefully: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error(err)
		return err
	}
	logger.Info("Server shutdown completed")
	return nil
}

// app is the wired service graph behind the HTTP server
type app struct {
	server     *Server
	relay      *service.Relay
	normalizer *normalize.Normalizer
	logger     *logrus.Logger
}

func buildApp(cfg *models.Config, db *database.Database, verbose bool, logger *logrus.Logger) (*app, error) {
	normalizer := normalize.New(cfg.Senders, cfg.Matcher.ReferenceUTCOffsetHours)
	matcher := service.NewMatcher(db, cfg.Matcher, cfg.Provider, logger)

	tg := telegram.NewClient(telegram.Config{
		BaseURL:            cfg.Telegram.APIBaseURL,
		Token:              cfg.Telegram.BotToken,
		Timeout:            time.Duration(cfg.Telegram.TimeoutSec) * time.Second,
		MaxAttempts:        cfg.Telegram.MaxAttempts,
		Backoff:            time.Duration(cfg.Telegram.BackoffMs) * time.Millisecond,
		RatePerSecond:      cfg.Telegram.RatePerSecond,
		BreakerMaxFailures: cfg.Telegram.BreakerMaxFailures,
		BreakerTimeout:     time.Duration(cfg.Telegram.BreakerTimeoutSec) * time.Second,
	}, nil, logger)
	relay := service.NewRelay(db, tg, cfg.Telegram.DefaultChatIDs, cfg.Relay, logger)

	server, err := NewServer(cfg.Server, Dependencies{
		Normalizer:   normalizer,
		Matcher:      matcher,
		Alerts:       relay,
		Releases:     release.NewService(db, cfg.Release, logger),
		Audit:        auditlog.NewService(db, logger),
		Health:       db,
		BreakerState: tg.BreakerState,
	}, verbose, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	return &app{server: server, relay: relay, normalizer: normalizer, logger: logger}, nil
}

// applyConfig pushes the hot-reloadable settings of a reloaded config
func (a *app) applyConfig(cfg *models.Config) {
	a.normalizer.SetSenders(cfg.Senders)
	a.relay.SetDefaultChats(cfg.Telegram.DefaultChatIDs)
	if err := a.server.SetAllowedIPs(cfg.Server.AllowedIPs); err != nil {
		a.logger.WithError(err).Error("Keeping previous allow list")
	}
}
