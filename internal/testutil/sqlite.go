package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/bissquit/signup-approval/internal/pkg/migrator"
	"github.com/bissquit/signup-approval/internal/pkg/sqlite"
)

// NewSQLiteDB returns a migrated SQLite database in a temporary directory.
// The database is closed when the test ends.
func NewSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()

	cfg := sqlite.Config{Path: filepath.Join(t.TempDir(), "test.db")}

	if err := migrator.Up(migrator.DriverSQLite, sqlite.MigrateURL(cfg)); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}

	db, err := sqlite.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}
