package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/database"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
)

const userColumns = "id, email, credential_hash, display_name, created_at, updated_at"

func scanUser(row rowScanner) (*tenancy.User, error) {
	var u tenancy.User
	if err := row.Scan(&u.ID, &u.Email, &u.CredentialHash, &u.DisplayName, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts u. Emails are unique ignoring case.
func (s *Store) CreateUser(ctx context.Context, u *tenancy.User) error {
	const op = "tenants.CreateUser"

	u.Email = tenancy.NormalizeEmail(u.Email)
	if u.Email == "" || !strings.Contains(u.Email, "@") {
		return apierror.Invalid(op, "a valid email is required")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := s.now()
	u.CreatedAt, u.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, credential_hash, display_name, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)",
		u.ID, u.Email, u.CredentialHash, u.DisplayName, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apierror.New(apierror.KindConflict, op, "email already registered")
		}
		return apierror.Upstream(op, fmt.Errorf("failed to insert user: %w", err))
	}
	return nil
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*tenancy.User, error) {
	return s.getUser(ctx, "tenants.GetUser", "id", id)
}

// GetUserByEmail returns a user by email, ignoring case.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*tenancy.User, error) {
	return s.getUser(ctx, "tenants.GetUserByEmail", "email", tenancy.NormalizeEmail(email))
}

func (s *Store) getUser(ctx context.Context, op, column, value string) (*tenancy.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE "+column+" = $1", value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.New(apierror.KindNotFound, op, "user not found")
	}
	if err != nil {
		return nil, apierror.Upstream(op, err)
	}
	return u, nil
}

// SoleOwnedTenants returns the active tenants in which userID is the only
// active owner.
func (s *Store) SoleOwnedTenants(ctx context.Context, userID string) ([]string, error) {
	return soleOwnedTenants(ctx, s.db, userID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func soleOwnedTenants(ctx context.Context, q querier, userID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT m.tenant_id FROM memberships m
		JOIN tenants t ON t.id = m.tenant_id
		WHERE m.user_id = $1 AND m.role = $2 AND m.active = TRUE AND t.active = TRUE
		AND (SELECT COUNT(*) FROM memberships o
			WHERE o.tenant_id = m.tenant_id AND o.role = $2 AND o.active = TRUE) = 1`,
		userID, tenancy.RoleOwner)
	if err != nil {
		return nil, apierror.Upstream("tenants.SoleOwnedTenants", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.Upstream("tenants.SoleOwnedTenants", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.Upstream("tenants.SoleOwnedTenants", err)
	}
	return ids, nil
}

// DeleteUser hard-deletes a user and their memberships. It refuses when the
// user is the sole owner of any active tenant; the check runs in the same
// transaction as the delete.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	const op = "tenants.DeleteUser"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apierror.Upstream(op, fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	owned, err := soleOwnedTenants(ctx, tx, id)
	if err != nil {
		return err
	}
	if len(owned) > 0 {
		return apierror.New(apierror.KindLastOwnerProtection, op,
			fmt.Sprintf("user is the only owner of %d tenant(s): transfer ownership first", len(owned)))
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM memberships WHERE user_id = $1", id); err != nil {
		return apierror.Upstream(op, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM api_tokens WHERE user_id = $1", id); err != nil {
		return apierror.Upstream(op, err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = $1", id)
	if err != nil {
		return apierror.Upstream(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.New(apierror.KindNotFound, op, "user not found")
	}

	if err := tx.Commit(); err != nil {
		return apierror.Upstream(op, fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}
