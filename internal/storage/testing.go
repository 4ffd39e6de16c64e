package storage

import (
	"testing"
)

// NewTestDB opens an isolated in-memory database with migrations applied
// and registers cleanup with the test.
func NewTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
