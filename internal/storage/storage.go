// Package storage provides database persistence for conductor: runs,
// tasks, artifacts, the append-only ledger, phase metrics, tenant quotas,
// budget events, preemption history, and self-execution interventions.
//
// SQLite (modernc) is the default dialect; PostgreSQL is supported for
// multi-process installs.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ideamine/conductor/internal/storage/driver"
)

//go:embed schema
var schemaFS embed.FS

// TimeFormat is the canonical UTC timestamp format for Go-written rows.
// Nanosecond precision keeps ledger ordering stable under load.
const TimeFormat = "2006-01-02 15:04:05.000000000"

// DB wraps a database connection with driver abstraction.
type DB struct {
	driver driver.Driver
	path   string
}

// Open opens a SQLite database at the given path and applies migrations.
// The parent directory is created if it doesn't exist.
func Open(path string) (*DB, error) {
	return OpenWithDialect(path, driver.DialectSQLite)
}

// OpenInMemory opens an in-memory SQLite database with migrations applied.
// Each call creates a new isolated database; ideal for tests.
func OpenInMemory() (*DB, error) {
	drv := driver.NewSQLite()
	if err := drv.Open(":memory:"); err != nil {
		return nil, err
	}
	db := &DB{driver: drv, path: ":memory:"}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenWithDialect opens a database with a specific dialect and applies
// migrations.
func OpenWithDialect(dsn string, dialect driver.Dialect) (*DB, error) {
	if dialect == driver.DialectSQLite {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(dsn); err != nil {
		return nil, err
	}

	db := &DB{driver: drv, path: dsn}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies pending core schema migrations.
func (d *DB) Migrate(ctx context.Context) error {
	return d.driver.Migrate(ctx, schemaFS, "core")
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.driver.Close()
}

// Path returns the database DSN/path.
func (d *DB) Path() string {
	return d.path
}

// Driver returns the underlying driver.
func (d *DB) Driver() driver.Driver {
	return d.driver
}

// SQL returns the underlying sql.DB for advanced operations.
func (d *DB) SQL() *sql.DB {
	return d.driver.DB()
}

// RunInTx executes fn inside a transaction, committing on nil error and
// rolling back otherwise.
func (d *DB) RunInTx(ctx context.Context, opts *sql.TxOptions, fn func(tx driver.Tx) error) error {
	tx, err := d.driver.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RunSerializable executes fn inside a serializable transaction. Racing
// quota admissions rely on this isolation level for database-backed
// installs.
func (d *DB) RunSerializable(ctx context.Context, fn func(tx driver.Tx) error) error {
	return d.RunInTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, fn)
}

// formatTime renders a timestamp in the canonical UTC format.
func formatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// parseTime parses timestamps written by Go or by database defaults.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{TimeFormat, "2006-01-02 15:04:05", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// nullableTime renders a possibly-zero time as a NULL-able value.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

// scanTime converts a nullable column back into a time.
func scanTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// marshalJSON renders v as a JSON column value, or nil for empty values.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return string(data), nil
}

// unmarshalJSON decodes a nullable JSON column into dst, leaving dst
// untouched for NULL.
func unmarshalJSON(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}
