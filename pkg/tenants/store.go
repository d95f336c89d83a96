package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/database"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
)

// Store persists tenants, users and memberships in SQL.
type Store struct {
	db       *sql.DB
	dialect  database.Dialect
	now      func() time.Time
	onChange func(context.Context, *tenancy.Tenant)
}

// NewStore creates a Store over db.
func NewStore(db *sql.DB, dialect database.Dialect) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnTenantChange registers fn to run after a tenant is updated or
// deactivated, with the tenant as it was before the change. Caches use it to
// drop stale entries.
func (s *Store) OnTenantChange(fn func(context.Context, *tenancy.Tenant)) {
	s.onChange = fn
}

func (s *Store) notify(ctx context.Context, t *tenancy.Tenant) {
	if s.onChange != nil && t != nil {
		s.onChange(ctx, t)
	}
}

const tenantColumns = "id, name, slug, subdomain, plan_tier, active, settings, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTenant(row rowScanner) (*tenancy.Tenant, error) {
	var (
		t         tenancy.Tenant
		subdomain sql.NullString
		plan      string
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Slug, &subdomain, &plan, &t.Active, &t.Settings, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Subdomain = subdomain.String
	t.PlanTier = tenancy.PlanTier(plan)
	return &t, nil
}

// Slugify lower-cases name and keeps only [a-z0-9-].
func Slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return -1
	}, slug)
	return strings.Trim(slug, "-")
}

// CreateTenant inserts t and makes ownerID its owner in one transaction.
func (s *Store) CreateTenant(ctx context.Context, t *tenancy.Tenant, ownerID string) error {
	const op = "tenants.CreateTenant"

	if strings.TrimSpace(t.Name) == "" {
		return apierror.Invalid(op, "tenant name is required")
	}
	if ownerID == "" {
		return apierror.Invalid(op, "tenant owner is required")
	}
	if t.Slug == "" {
		t.Slug = Slugify(t.Name)
	}
	if t.Slug == "" {
		return apierror.Invalid(op, "tenant slug is empty")
	}
	t.Subdomain = strings.ToLower(strings.TrimSpace(t.Subdomain))
	if t.PlanTier == "" {
		t.PlanTier = tenancy.PlanFree
	}
	if !t.PlanTier.Valid() {
		return apierror.Invalid(op, "unknown plan tier %q", t.PlanTier)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Settings == nil {
		t.Settings = tenancy.Settings{}
	}
	now := s.now()
	t.Active = true
	t.CreatedAt, t.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apierror.Upstream(op, fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenants (id, name, slug, subdomain, plan_tier, active, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.Name, t.Slug, nullString(t.Subdomain), string(t.PlanTier), t.Active, t.Settings, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apierror.New(apierror.KindConflict, op, "tenant slug or subdomain already in use")
		}
		return apierror.Upstream(op, fmt.Errorf("failed to insert tenant: %w", err))
	}

	if err := insertMembership(ctx, tx, &tenancy.Membership{
		UserID: ownerID, TenantID: t.ID, Role: tenancy.RoleOwner, Active: true, JoinedAt: now, UpdatedAt: now,
	}); err != nil {
		return apierror.Upstream(op, err)
	}

	if err := tx.Commit(); err != nil {
		return apierror.Upstream(op, fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// LookupTenant returns the active tenant matching lookup. An inactive or
// missing tenant is TenantNotFound.
func (s *Store) LookupTenant(ctx context.Context, lookup tenancy.TenantLookup) (*tenancy.Tenant, error) {
	const op = "tenants.LookupTenant"

	var column string
	switch lookup.Field {
	case tenancy.LookupByID:
		column = "id"
	case tenancy.LookupBySlug:
		column = "slug"
	case tenancy.LookupBySubdomain:
		column = "subdomain"
	default:
		return nil, apierror.Invalid(op, "unknown lookup field %q", lookup.Field)
	}
	if lookup.Value == "" {
		return nil, apierror.New(apierror.KindTenantNotFound, op, "")
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+tenantColumns+" FROM tenants WHERE "+column+" = $1 AND active = TRUE", lookup.Value)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.New(apierror.KindTenantNotFound, op, "")
	}
	if err != nil {
		return nil, apierror.Upstream(op, fmt.Errorf("failed to look up tenant %s: %w", lookup, err))
	}
	return t, nil
}

func (s *Store) getTenantTx(ctx context.Context, tx *sql.Tx, id string) (*tenancy.Tenant, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+tenantColumns+" FROM tenants WHERE id = $1"+s.dialect.LockSuffix(), id)
	return scanTenant(row)
}

// DeactivateTenant soft-deletes a tenant. Its data is kept but no request
// can resolve to it.
func (s *Store) DeactivateTenant(ctx context.Context, id string) error {
	return s.updateTenant(ctx, "tenants.DeactivateTenant", id, func(tx *sql.Tx, now time.Time) error {
		_, err := tx.ExecContext(ctx, "UPDATE tenants SET active = FALSE, updated_at = $1 WHERE id = $2", now, id)
		return err
	})
}

// UpdateSettings replaces a tenant's feature toggles.
func (s *Store) UpdateSettings(ctx context.Context, id string, settings tenancy.Settings) error {
	return s.updateTenant(ctx, "tenants.UpdateSettings", id, func(tx *sql.Tx, now time.Time) error {
		_, err := tx.ExecContext(ctx, "UPDATE tenants SET settings = $1, updated_at = $2 WHERE id = $3", settings, now, id)
		return err
	})
}

func (s *Store) updateTenant(ctx context.Context, op, id string, apply func(*sql.Tx, time.Time) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apierror.Upstream(op, fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	before, err := s.getTenantTx(ctx, tx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return apierror.New(apierror.KindNotFound, op, "tenant not found")
	}
	if err != nil {
		return apierror.Upstream(op, err)
	}
	if err := apply(tx, s.now()); err != nil {
		return apierror.Upstream(op, err)
	}
	if err := tx.Commit(); err != nil {
		return apierror.Upstream(op, fmt.Errorf("failed to commit: %w", err))
	}

	s.notify(ctx, before)
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
