package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// Migration is one versioned schema change. Statements may use {{timestamp}}
// for the dialect's timestamp column type.
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

// Migrations returns the schema in version order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create tenants, users and memberships",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS tenants (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					slug TEXT NOT NULL UNIQUE,
					subdomain TEXT UNIQUE,
					plan_tier TEXT NOT NULL DEFAULT 'free',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					settings TEXT NOT NULL DEFAULT '{}',
					created_at {{timestamp}} NOT NULL,
					updated_at {{timestamp}} NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS users (
					id TEXT PRIMARY KEY,
					email TEXT NOT NULL UNIQUE,
					credential_hash TEXT NOT NULL DEFAULT '',
					display_name TEXT NOT NULL DEFAULT '',
					created_at {{timestamp}} NOT NULL,
					updated_at {{timestamp}} NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS memberships (
					user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					tenant_id TEXT NOT NULL REFERENCES tenants(id),
					role TEXT NOT NULL,
					permissions TEXT NOT NULL DEFAULT '[]',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					joined_at {{timestamp}} NOT NULL,
					updated_at {{timestamp}} NOT NULL,
					PRIMARY KEY (user_id, tenant_id)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_memberships_tenant_role ON memberships(tenant_id, role, active)`,
			},
		},
		{
			Version:     2,
			Description: "Create api_tokens",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS api_tokens (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					tenant_id TEXT NOT NULL DEFAULT '',
					name TEXT NOT NULL,
					token_hash TEXT NOT NULL UNIQUE,
					token_prefix TEXT NOT NULL,
					expires_at {{timestamp}},
					last_used_at {{timestamp}},
					revoked_at {{timestamp}},
					created_at {{timestamp}} NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_api_tokens_user ON api_tokens(user_id)`,
			},
		},
		{
			Version:     3,
			Description: "Create projects and documents",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS projects (
					id TEXT PRIMARY KEY,
					tenant_id TEXT NOT NULL REFERENCES tenants(id),
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					owner_id TEXT NOT NULL,
					created_at {{timestamp}} NOT NULL,
					updated_at {{timestamp}} NOT NULL,
					deleted_at {{timestamp}}
				)`,
				`CREATE INDEX IF NOT EXISTS idx_projects_tenant ON projects(tenant_id)`,
				`CREATE TABLE IF NOT EXISTS documents (
					id TEXT PRIMARY KEY,
					tenant_id TEXT NOT NULL REFERENCES tenants(id),
					project_id TEXT NOT NULL REFERENCES projects(id),
					title TEXT NOT NULL,
					body TEXT NOT NULL DEFAULT '',
					author_id TEXT NOT NULL,
					created_at {{timestamp}} NOT NULL,
					updated_at {{timestamp}} NOT NULL,
					deleted_at {{timestamp}}
				)`,
				`CREATE INDEX IF NOT EXISTS idx_documents_tenant_project ON documents(tenant_id, project_id)`,
			},
		},
		{
			Version:     4,
			Description: "Create audit_logs",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS audit_logs (
					id TEXT PRIMARY KEY,
					timestamp {{timestamp}} NOT NULL,
					event_type TEXT NOT NULL,
					status TEXT NOT NULL,
					tenant_id TEXT NOT NULL DEFAULT '',
					actor_id TEXT NOT NULL DEFAULT '',
					resource_type TEXT NOT NULL DEFAULT '',
					resource_id TEXT NOT NULL DEFAULT '',
					request_id TEXT NOT NULL DEFAULT '',
					ip_address TEXT NOT NULL DEFAULT '',
					method TEXT NOT NULL DEFAULT '',
					path TEXT NOT NULL DEFAULT '',
					status_code INTEGER NOT NULL DEFAULT 0,
					message TEXT NOT NULL DEFAULT '',
					error_message TEXT NOT NULL DEFAULT '',
					metadata TEXT NOT NULL DEFAULT '{}'
				)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant_time ON audit_logs(tenant_id, timestamp)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_time ON audit_logs(timestamp)`,
			},
		},
	}
}

func (d Dialect) render(stmt string) string {
	ts := "TIMESTAMP"
	if d == Postgres {
		ts = "TIMESTAMPTZ"
	}
	return strings.ReplaceAll(stmt, "{{timestamp}}", ts)
}

// Migrate applies pending migrations, each in its own transaction.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	_, err := db.ExecContext(ctx, dialect.render(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at {{timestamp}} NOT NULL
		)`))
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}
		logger.WithField("version", m.Version).Infof("Running migration: %s", m.Description)
		if err := apply(ctx, db, dialect, m); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the migrations not yet applied.
func Pending(ctx context.Context, db *sql.DB) ([]Migration, error) {
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, m := range Migrations() {
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func apply(ctx context.Context, db *sql.DB, dialect Dialect, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, dialect.render(stmt)); err != nil {
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)",
		m.Version, m.Description, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
	}
	return nil
}
