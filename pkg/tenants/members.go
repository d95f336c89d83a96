package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
)

const membershipColumns = "user_id, tenant_id, role, permissions, active, joined_at, updated_at"

func scanMembership(row rowScanner) (*tenancy.Membership, error) {
	var m tenancy.Membership
	if err := row.Scan(&m.UserID, &m.TenantID, &m.Role, &m.Permissions, &m.Active, &m.JoinedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertMembership(ctx context.Context, ex execer, m *tenancy.Membership) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO memberships (user_id, tenant_id, role, permissions, active, joined_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.UserID, m.TenantID, m.Role, m.Permissions, m.Active, m.JoinedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert membership: %w", err)
	}
	return nil
}

// AddMember grants userID a role in tenantID. A previously removed member is
// reactivated with the new role and grants; an active member is a conflict.
func (s *Store) AddMember(ctx context.Context, tenantID, userID string, role tenancy.Role, grants tenancy.PermissionSet) (*tenancy.Membership, error) {
	const op = "tenants.AddMember"

	if !role.Valid() {
		return nil, apierror.Invalid(op, "invalid role")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.Upstream(op, fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	now := s.now()
	existing, err := s.lockMembership(ctx, tx, tenantID, userID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		m := &tenancy.Membership{
			UserID: userID, TenantID: tenantID, Role: role, Permissions: grants,
			Active: true, JoinedAt: now, UpdatedAt: now,
		}
		if err := insertMembership(ctx, tx, m); err != nil {
			return nil, apierror.Upstream(op, err)
		}
		existing = m
	case err != nil:
		return nil, apierror.Upstream(op, err)
	case existing.Active:
		return nil, apierror.New(apierror.KindConflict, op, "user is already a member of this tenant")
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE memberships SET role = $1, permissions = $2, active = TRUE, joined_at = $3, updated_at = $4
			WHERE user_id = $5 AND tenant_id = $6`,
			role, grants, now, now, userID, tenantID); err != nil {
			return nil, apierror.Upstream(op, err)
		}
		existing.Role, existing.Permissions, existing.Active = role, grants, true
		existing.JoinedAt, existing.UpdatedAt = now, now
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.Upstream(op, fmt.Errorf("failed to commit: %w", err))
	}
	return existing, nil
}

// GetMembership returns the active membership of userID in tenantID, or a
// NotFound error.
func (s *Store) GetMembership(ctx context.Context, userID, tenantID string) (*tenancy.Membership, error) {
	const op = "tenants.GetMembership"

	m, err := scanMembership(s.db.QueryRowContext(ctx,
		"SELECT "+membershipColumns+" FROM memberships WHERE user_id = $1 AND tenant_id = $2 AND active = TRUE",
		userID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.New(apierror.KindNotFound, op, "membership not found")
	}
	if err != nil {
		return nil, apierror.Upstream(op, err)
	}
	return m, nil
}

// ListMembers returns the active members of a tenant ordered by join time.
func (s *Store) ListMembers(ctx context.Context, tenantID string) ([]*tenancy.Membership, error) {
	return s.listMemberships(ctx, "tenants.ListMembers",
		"SELECT "+membershipColumns+" FROM memberships WHERE tenant_id = $1 AND active = TRUE ORDER BY joined_at, user_id",
		tenantID)
}

// ListUserMemberships returns userID's active memberships in active tenants.
func (s *Store) ListUserMemberships(ctx context.Context, userID string) ([]*tenancy.Membership, error) {
	return s.listMemberships(ctx, "tenants.ListUserMemberships", `
		SELECT m.user_id, m.tenant_id, m.role, m.permissions, m.active, m.joined_at, m.updated_at
		FROM memberships m JOIN tenants t ON t.id = m.tenant_id
		WHERE m.user_id = $1 AND m.active = TRUE AND t.active = TRUE
		ORDER BY m.joined_at, m.tenant_id`,
		userID)
}

func (s *Store) listMemberships(ctx context.Context, op, query string, arg string) ([]*tenancy.Membership, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, apierror.Upstream(op, err)
	}
	defer rows.Close()

	var out []*tenancy.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, apierror.Upstream(op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.Upstream(op, err)
	}
	return out, nil
}

// CountOwners returns the number of active owners of a tenant.
func (s *Store) CountOwners(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memberships WHERE tenant_id = $1 AND role = $2 AND active = TRUE",
		tenantID, tenancy.RoleOwner).Scan(&n)
	if err != nil {
		return 0, apierror.Upstream("tenants.CountOwners", err)
	}
	return n, nil
}

// CountActiveMembers returns the number of active members of a tenant.
func (s *Store) CountActiveMembers(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memberships WHERE tenant_id = $1 AND active = TRUE", tenantID).Scan(&n)
	if err != nil {
		return 0, apierror.Upstream("tenants.CountActiveMembers", err)
	}
	return n, nil
}

// UpdateMemberPermissions replaces a member's explicit grants.
func (s *Store) UpdateMemberPermissions(ctx context.Context, tenantID, userID string, grants tenancy.PermissionSet) error {
	const op = "tenants.UpdateMemberPermissions"
	res, err := s.db.ExecContext(ctx,
		"UPDATE memberships SET permissions = $1, updated_at = $2 WHERE user_id = $3 AND tenant_id = $4 AND active = TRUE",
		grants, s.now(), userID, tenantID)
	if err != nil {
		return apierror.Upstream(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.New(apierror.KindNotFound, op, "membership not found")
	}
	return nil
}

// UpdateMemberRole changes a member's role. The owner floor is re-checked
// under row locks so two concurrent demotions cannot leave a tenant without
// an owner.
func (s *Store) UpdateMemberRole(ctx context.Context, tenantID, userID string, role tenancy.Role) error {
	const op = "tenants.UpdateMemberRole"
	if !role.Valid() {
		return apierror.Invalid(op, "invalid role")
	}
	return s.mutateMember(ctx, op, tenantID, userID, role != tenancy.RoleOwner, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE memberships SET role = $1, updated_at = $2 WHERE user_id = $3 AND tenant_id = $4",
			role, s.now(), userID, tenantID)
		return err
	})
}

// RemoveMember deactivates a membership, subject to the owner floor.
func (s *Store) RemoveMember(ctx context.Context, tenantID, userID string) error {
	return s.mutateMember(ctx, "tenants.RemoveMember", tenantID, userID, true, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE memberships SET active = FALSE, updated_at = $1 WHERE user_id = $2 AND tenant_id = $3",
			s.now(), userID, tenantID)
		return err
	})
}

func (s *Store) mutateMember(ctx context.Context, op, tenantID, userID string, dropsOwner bool, apply func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apierror.Upstream(op, fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	// Owner rows are locked before the target row, in a fixed order, so
	// concurrent demotions queue behind each other instead of deadlocking.
	owners := 0
	if dropsOwner {
		if owners, err = s.lockOwners(ctx, tx, tenantID); err != nil {
			return apierror.Upstream(op, err)
		}
	}

	m, err := s.lockMembership(ctx, tx, tenantID, userID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !m.Active) {
		return apierror.New(apierror.KindNotFound, op, "membership not found")
	}
	if err != nil {
		return apierror.Upstream(op, err)
	}

	if dropsOwner && m.Role == tenancy.RoleOwner && owners <= 1 {
		return apierror.Wrap(apierror.KindLastOwnerProtection, op, apierror.ErrLastOwnerProtection)
	}

	if err := apply(tx); err != nil {
		return apierror.Upstream(op, err)
	}
	if err := tx.Commit(); err != nil {
		return apierror.Upstream(op, fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func (s *Store) lockMembership(ctx context.Context, tx *sql.Tx, tenantID, userID string) (*tenancy.Membership, error) {
	return scanMembership(tx.QueryRowContext(ctx,
		"SELECT "+membershipColumns+" FROM memberships WHERE user_id = $1 AND tenant_id = $2"+s.dialect.LockSuffix(),
		userID, tenantID))
}

// lockOwners locks and counts the tenant's active owner rows. Postgres does
// not allow FOR UPDATE with aggregates, so rows are counted here.
func (s *Store) lockOwners(ctx context.Context, tx *sql.Tx, tenantID string) (int, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT user_id FROM memberships WHERE tenant_id = $1 AND role = $2 AND active = TRUE ORDER BY user_id"+s.dialect.LockSuffix(),
		tenantID, tenancy.RoleOwner)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}
