package database

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"smsrelay/internal/constants"
)

// Dialect identifies the SQL backend behind a DSN
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// DetectDialect picks PostgreSQL for postgres:// and postgresql:// URLs and
// SQLite for everything else.
func DetectDialect(dsn string) Dialect {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// DriverName is the database/sql driver registered for the dialect
func (d Dialect) DriverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite3"
}

// sqliteDSN adds the connection parameters the gateway relies on: a busy
// timeout so concurrent writers queue instead of failing, WAL journaling and
// BEGIN IMMEDIATE so a transaction holds the write lock from its first read.
func sqliteDSN(path string) string {
	base, rawQuery, _ := strings.Cut(path, "?")
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		params = url.Values{}
	}
	setDefault := func(key, value string) {
		if params.Get(key) == "" {
			params.Set(key, value)
		}
	}
	setDefault("_busy_timeout", strconv.Itoa(constants.DefaultSQLiteBusyTimeoutMs))
	setDefault("_journal_mode", "WAL")
	setDefault("_txlock", "immediate")
	return fmt.Sprintf("file:%s?%s", strings.TrimPrefix(base, "file:"), params.Encode())
}

// Rebind rewrites ? placeholders as $1..$n for PostgreSQL. Quoted strings
// are left untouched.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// placeholders returns "?, ?, ?" for n arguments
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
