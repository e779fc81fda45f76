package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Fatal},
		{"bad conn", driver.ErrBadConn, Transient},
		{"conn done", sql.ErrConnDone, Transient},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), Transient},
		{"connection reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, Transient},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), Transient},
		{"broken pipe", syscall.EPIPE, Transient},
		{"net timeout", timeoutErr{}, Transient},
		{"pg connection exception", &pgconn.PgError{Code: "08006"}, Transient},
		{"pg serialization failure", &pgconn.PgError{Code: "40001"}, Transient},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, Transient},
		{"pg admin shutdown", &pgconn.PgError{Code: "57P01"}, Transient},
		{"pg cannot connect now", &pgconn.PgError{Code: "57P03"}, Transient},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, Fatal},
		{"pg syntax error", &pgconn.PgError{Code: "42601"}, Fatal},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, Transient},
		{"sqlite locked", sqlite3.Error{Code: sqlite3.ErrLocked}, Transient},
		{"sqlite ioerr", sqlite3.Error{Code: sqlite3.ErrIoErr}, Transient},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, Fatal},
		{"locked as text", errors.New("database is locked"), Transient},
		{"context canceled", context.Canceled, Fatal},
		{"deadline wrapping bad conn", fmt.Errorf("%w: %w", context.DeadlineExceeded, driver.ErrBadConn), Fatal},
		{"no rows", sql.ErrNoRows, Fatal},
		{"programming error", errors.New("no such column: foo"), Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err), tt.want.String())
		})
	}
}

func TestMaxRetriesError(t *testing.T) {
	cause := errors.New("connection reset")
	err := error(&MaxRetriesError{Operation: "resolve", Attempts: 3, Last: cause})

	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "resolve")
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestRetryPolicyNormalized(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 0, Delay: -1}.normalized()
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Zero(t, p.Delay)
	assert.NotNil(t, p.Classify)

	d := DefaultRetryPolicy()
	assert.Equal(t, 3, d.MaxAttempts)
}
