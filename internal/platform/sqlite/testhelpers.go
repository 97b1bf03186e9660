package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

// TestDB is a file database living in the test's temp directory.
type TestDB struct {
	DB   *sql.DB
	Path string
}

// NewTestDBFile opens a fresh database file. It is closed when the test ends and
// the directory is removed by the testing package.
func NewTestDBFile(t *testing.T) *TestDB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.sqlite")
	db, err := Open(context.Background(), path, DefaultDBOptions())
	if err != nil {
		t.Fatalf("Failed to create file test DB: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	return &TestDB{DB: db, Path: path}
}

// TempPath returns a database path that does not exist yet.
func TempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "db", "test.sqlite")
}

// WriteMigration creates an up/down migration pair in dir.
func WriteMigration(t *testing.T, dir, name, up, down string) {
	t.Helper()

	for suffix, body := range map[string]string{".up.sql": up, ".down.sql": down} {
		if err := os.WriteFile(filepath.Join(dir, name+suffix), []byte(body), 0o644); err != nil {
			t.Fatalf("Failed to write migration %s: %v", name+suffix, err)
		}
	}
}

// Exec runs a statement and fails the test on error.
func (tdb *TestDB) Exec(t *testing.T, query string, args ...any) sql.Result {
	t.Helper()

	result, err := tdb.DB.ExecContext(context.Background(), query, args...)
	if err != nil {
		t.Fatalf("Failed to execute query: %v", err)
	}
	return result
}

// CountRows returns the number of rows in tableName.
func (tdb *TestDB) CountRows(t *testing.T, tableName string) int {
	t.Helper()

	var count int
	row := tdb.DB.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+tableName)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("Failed to count rows in table %s: %v", tableName, err)
	}
	return count
}

// TableExists reports whether tableName exists.
func (tdb *TestDB) TableExists(t *testing.T, tableName string) bool {
	t.Helper()

	var count int
	row := tdb.DB.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", tableName)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("Failed to check table existence: %v", err)
	}
	return count > 0
}
