package rbac

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
)

// SkipIfNoDatabase skips the test unless TEST_POSTGRES_AUTH points at a
// database. Lets Postgres-specific tests run in CI and skip locally.
func SkipIfNoDatabase(t *testing.T) string {
	t.Helper()

	dbURL := os.Getenv("TEST_POSTGRES_AUTH")
	if dbURL == "" {
		t.Skip("Skipping test: TEST_POSTGRES_AUTH environment variable not set (database not available)")
	}
	return dbURL
}

// RequireDatabase connects to the test Postgres or skips.
func RequireDatabase(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := SkipIfNoDatabase(t)
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("Skipping test: database not reachable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
