// Package storagetest provides a migrated in-memory database for tests.
package storagetest

import (
	"testing"

	"github.com/ageniuscoder/mmchat/dmcore/internal/storage"
)

// NewDB opens a fresh in-memory SQLite database with the schema applied.
func NewDB(t testing.TB) *storage.DB {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	return db
}
