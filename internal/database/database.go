package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"smsrelay/internal/constants"
	"smsrelay/internal/metrics"
	"smsrelay/internal/migrations"
	"smsrelay/internal/models"
	"smsrelay/internal/retry"
	"smsrelay/internal/security"
)

// Database is the persistence gateway. It owns the connection pool and runs
// every operation in its own transaction under a RetryPolicy.
type Database struct {
	db       *sql.DB
	dialect  Dialect
	policy   RetryPolicy
	logger   *logrus.Logger
	degraded atomic.Bool
}

// Open connects to cfg.DSN, waits for the server to answer a ping and, when
// cfg.AutoMigrate is set, applies the schema.
func Open(ctx context.Context, cfg models.DatabaseConfig, logger *logrus.Logger) (*Database, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.DSN == "" {
		cfg.DSN = constants.DefaultDatabaseDSN
	}

	dialect := DetectDialect(cfg.DSN)
	dsn := cfg.DSN
	if dialect == DialectSQLite {
		path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
		if err := security.ValidateFilePath(path); err != nil {
			return nil, fmt.Errorf("invalid database path: %w", err)
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	configurePool(db, cfg)

	d := &Database{
		db:      db,
		dialect: dialect,
		logger:  logger,
		policy: RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			Delay:       time.Duration(cfg.RetryDelayMs) * time.Millisecond,
			Classify:    ClassifyError,
		}.normalized(),
	}

	if err := d.waitForPing(ctx, cfg); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := d.Migrate(ctx); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
			}
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	logger.WithFields(logrus.Fields{
		"dialect":        dialect,
		"max_open_conns": cfg.MaxOpenConns,
		"retry_attempts": d.policy.MaxAttempts,
	}).Info("Database connected")

	return d, nil
}

func configurePool(db *sql.DB, cfg models.DatabaseConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetimeSec > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeSec) * time.Second)
	}
	if cfg.ConnMaxIdleTimeSec > 0 {
		db.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeSec) * time.Second)
	}
}

func (d *Database) waitForPing(ctx context.Context, cfg models.DatabaseConfig) error {
	timeout := time.Duration(cfg.ConnectTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(constants.DefaultDatabaseConnectTimeoutSec) * time.Second
	}

	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultBackoffInitialMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultBackoffMaxSec) * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseStartupAttempts,
		Jitter:       true,
	}).WithNotify(func(attempt int, err error, delay time.Duration) {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("Database not reachable yet, retrying")
	})

	return backoff.RetryIf(ctx, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return d.db.PingContext(pingCtx)
	}, func(err error) bool {
		return ClassifyError(err) == Transient
	})
}

// WithRetryPolicy replaces the retry policy; used by tests and the migrate command
func (d *Database) WithRetryPolicy(p RetryPolicy) *Database {
	d.policy = p.normalized()
	return d
}

func (d *Database) Dialect() Dialect {
	return d.dialect
}

// Migrate applies the embedded schema
func (d *Database) Migrate(ctx context.Context) error {
	if err := migrations.Apply(ctx, d.db, string(d.dialect)); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks connectivity
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Degraded reports whether the most recent operation ran out of retries
func (d *Database) Degraded() bool {
	return d.degraded.Load()
}

func (d *Database) setDegraded(v bool) {
	if d.degraded.Swap(v) != v {
		metrics.SetDBDegraded(v)
		if v {
			d.logger.Error("Database marked degraded: retries exhausted")
		} else {
			d.logger.Info("Database recovered")
		}
	}
}

func (d *Database) rebind(query string) string {
	return d.dialect.Rebind(query)
}

// run executes fn inside a transaction, retrying transient failures with a
// fresh transaction each time. The transaction is rolled back whenever fn or
// the commit fails.
func (d *Database) run(ctx context.Context, operation string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	start := time.Now()
	var err error
	defer func() { metrics.RecordDBOperation(operation, time.Since(start), err) }()

	backoff := retry.NewBackoff(retry.FixedBackoffConfig(d.policy.Delay, d.policy.MaxAttempts)).
		WithNotify(func(attempt int, cause error, delay time.Duration) {
			metrics.RecordDBRetry(operation)
			d.logger.WithError(cause).WithFields(logrus.Fields{
				"operation": operation,
				"attempt":   attempt,
				"delay":     delay.String(),
			}).Warn("Transient database error, retrying")
		})

	err = backoff.RetryIf(ctx, func(ctx context.Context) error {
		return d.attempt(ctx, fn)
	}, func(err error) bool {
		return d.policy.Classify(err) == Transient
	})

	var exhausted *retry.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		d.setDegraded(true)
		err = &MaxRetriesError{Operation: operation, Attempts: exhausted.Attempts, Last: exhausted.Last}
	case err == nil:
		d.setDegraded(false)
	}
	return err
}

func (d *Database) attempt(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			d.logger.WithError(rbErr).Debug("Rollback failed")
		}
		return err
	}
	return tx.Commit()
}
