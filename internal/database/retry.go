package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"smsrelay/internal/constants"
)

// Class is the retry classification of a storage error
type Class int

const (
	Fatal Class = iota
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "fatal"
}

// Classifier decides whether an error is worth another attempt
type Classifier func(error) Class

// ErrMaxRetriesExceeded is matched by every *MaxRetriesError
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// MaxRetriesError reports an operation that kept failing transiently
type MaxRetriesError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempts: %v", e.Operation, ErrMaxRetriesExceeded, e.Attempts, e.Last)
}

func (e *MaxRetriesError) Unwrap() error {
	return e.Last
}

func (e *MaxRetriesError) Is(target error) bool {
	return target == ErrMaxRetriesExceeded
}

// RetryPolicy bounds how transient failures are retried. Every attempt runs
// in a fresh transaction.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Classify    Classifier
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: constants.DefaultDatabaseRetryAttempts,
		Delay:       time.Duration(constants.DefaultDatabaseRetryDelayMs) * time.Millisecond,
		Classify:    ClassifyError,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.Classify == nil {
		p.Classify = ClassifyError
	}
	return p
}

// pgTransientCodes are SQLSTATEs that leave the server healthy enough to
// retry: serialization failure, deadlock, admin shutdown, crash shutdown,
// cannot connect now.
var pgTransientCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"57P01": true,
	"57P02": true,
	"57P03": true,
}

// ClassifyError recognizes connection loss and lock contention across the
// sqlite3 and pgx drivers. Context cancellation is always fatal.
func ClassifyError(err error) Class {
	if err == nil {
		return Fatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Transient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") || pgTransientCodes[pgErr.Code] {
			return Transient
		}
		return Fatal
	}
	if pgconn.SafeToRetry(err) {
		return Transient
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return Transient
		}
		return Fatal
	}

	// errors surfaced as text by wrappers that drop the driver type
	if strings.Contains(err.Error(), "database is locked") {
		return Transient
	}

	return Fatal
}
