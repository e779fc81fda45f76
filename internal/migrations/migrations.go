package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed sql
var schemaFS embed.FS

// Files lists the schema files for a driver ("sqlite3" or "postgres") in apply order
func Files(driver string) ([]string, error) {
	dir := path.Join("sql", driver)
	entries, err := fs.ReadDir(schemaFS, dir)
	if err != nil {
		return nil, fmt.Errorf("no schema for driver %q: %w", driver, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, path.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Statements splits every schema file for driver into single statements.
// Comment lines are dropped; the schema contains no semicolons inside literals.
func Statements(driver string) ([]string, error) {
	files, err := Files(driver)
	if err != nil {
		return nil, err
	}

	var stmts []string
	for _, f := range files {
		content, err := fs.ReadFile(schemaFS, f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		var lines []string
		for _, line := range strings.Split(string(content), "\n") {
			if !strings.HasPrefix(strings.TrimSpace(line), "--") {
				lines = append(lines, line)
			}
		}
		for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
			if s := strings.TrimSpace(stmt); s != "" {
				stmts = append(stmts, s)
			}
		}
	}
	return stmts, nil
}

// Apply runs the schema idempotently
func Apply(ctx context.Context, db *sql.DB, driver string) error {
	stmts, err := Statements(driver)
	if err != nil {
		return err
	}
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i+1, err)
		}
	}
	return nil
}
