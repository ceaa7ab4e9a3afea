// Package dbtest opens a migrated throwaway SQLite database for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nerrad567/smartaccess-core/internal/infrastructure/database"
	"github.com/nerrad567/smartaccess-core/migrations"
)

// Open returns a database in t.TempDir() with the full schema applied.
// It is closed automatically when the test ends.
func Open(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "smartaccess-test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close() //nolint:errcheck // Test cleanup
	})

	source, err := migrations.ForDriver(db.Dialect().String())
	if err != nil {
		t.Fatalf("loading migrations: %v", err)
	}
	if err := db.Migrate(context.Background(), source); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}

// Count returns the number of rows in table matching where (may be empty).
func Count(t testing.TB, db *database.DB, table, where string, args ...any) int {
	t.Helper()

	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}

	var n int
	if err := db.QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("counting %s: %v", table, err)
	}
	return n
}
