// Package dbtest provides migrated databases for package tests.
package dbtest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/platinummonkey/tenantgate/pkg/database"
)

// PostgresEnv names the variable holding a disposable Postgres DSN.
const PostgresEnv = "TENANTGATE_TEST_POSTGRES_DSN"

// New returns a migrated in-memory SQLite database closed at test end.
func New(t *testing.T) *sql.DB {
	t.Helper()

	db, _, err := database.Open(context.Background(), database.Config{Driver: "sqlite3", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.Migrate(context.Background(), db, database.SQLite, nil); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// Postgres returns a migrated Postgres database with empty tables, or skips
// the test when PostgresEnv is unset.
func Postgres(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv(PostgresEnv)
	if dsn == "" {
		t.Skipf("Skipping test: %s not set (database not available)", PostgresEnv)
	}
	if testing.Short() {
		t.Skip("Skipping database test in short mode")
	}

	ctx := context.Background()
	db, _, err := database.Open(ctx, database.Config{Driver: "postgres", DSN: dsn})
	if err != nil {
		t.Skipf("Database not reachable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.Migrate(ctx, db, database.Postgres, nil); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		"TRUNCATE audit_logs, documents, projects, api_tokens, memberships, users, tenants"); err != nil {
		t.Fatalf("failed to reset test database: %v", err)
	}
	return db
}
