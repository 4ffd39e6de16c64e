package driver

import (
	"context"
	"testing"
	"testing/fstest"
)

func TestParseDialect(t *testing.T) {
	cases := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{"sqlite", DialectSQLite, false},
		{"sqlite3", DialectSQLite, false},
		{"postgres", DialectPostgres, false},
		{"postgresql", DialectPostgres, false},
		{"pg", DialectPostgres, false},
		{"mysql", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseDialect(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDialect(%q) should fail", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDialect(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseDialect(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestRebind(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM runs WHERE id = ?", "SELECT * FROM runs WHERE id = $1"},
		{"INSERT INTO t (a, b, c) VALUES (?, ?, ?)", "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)"},
	}
	for _, tc := range cases {
		if got := rebind(tc.in); got != tc.want {
			t.Errorf("rebind(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSQLiteMigrate(t *testing.T) {
	fsys := fstest.MapFS{
		"schema/core_001.sql": {Data: []byte(`CREATE TABLE widgets (id TEXT PRIMARY KEY);`)},
		"schema/core_002.sql": {Data: []byte(`ALTER TABLE widgets ADD COLUMN name TEXT;`)},
		"schema/other_001.sql": {Data: []byte(`CREATE TABLE ignored (id TEXT);`)},
	}

	drv := NewSQLite()
	if err := drv.Open(":memory:"); err != nil {
		t.Fatal(err)
	}
	defer drv.Close()

	ctx := context.Background()
	if err := drv.Migrate(ctx, fsys, "core"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Re-running applies nothing and must not fail.
	if err := drv.Migrate(ctx, fsys, "core"); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	if _, err := drv.Exec(ctx, `INSERT INTO widgets (id, name) VALUES (?, ?)`, "w1", "first"); err != nil {
		t.Fatalf("migrated schema unusable: %v", err)
	}

	// Files with another prefix are not applied.
	if _, err := drv.Exec(ctx, `INSERT INTO ignored (id) VALUES (?)`, "x"); err == nil {
		t.Error("other_ migrations should not run under the core prefix")
	}

	var count int
	row := drv.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`)
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("applied %d migrations, want 2", count)
	}
}
