// Package tenancy holds the domain model shared by the tenant resolver, the
// access guard and the scoped data facade: tenants, users, memberships, roles
// and permissions.
package tenancy

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PlanTier represents subscription plan tiers
type PlanTier string

const (
	PlanFree         PlanTier = "free"
	PlanStarter      PlanTier = "starter"
	PlanProfessional PlanTier = "professional"
	PlanEnterprise   PlanTier = "enterprise"
)

// Valid reports whether the tier is known.
func (p PlanTier) Valid() bool {
	switch p {
	case PlanFree, PlanStarter, PlanProfessional, PlanEnterprise:
		return true
	}
	return false
}

// Settings holds per-tenant feature toggles and preferences.
type Settings map[string]any

// Value stores settings as JSON text.
func (s Settings) Value() (driver.Value, error) {
	if s == nil {
		return "{}", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings: %w", err)
	}
	return string(data), nil
}

func (s *Settings) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*s = Settings{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into Settings", src)
	}
	out := Settings{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("failed to unmarshal settings: %w", err)
		}
	}
	*s = out
	return nil
}

// Enabled reports whether a boolean feature toggle is switched on.
func (s Settings) Enabled(feature string) bool {
	v, ok := s[feature].(bool)
	return ok && v
}

// Tenant is an organization or workspace, the unit of data isolation.
// Tenants are never hard-deleted; deactivation flips Active.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Subdomain string    `json:"subdomain,omitempty"`
	PlanTier  PlanTier  `json:"plan_tier"`
	Active    bool      `json:"active"`
	Settings  Settings  `json:"settings,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is a person who can hold memberships in tenants.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	CredentialHash string    `json:"-"`
	DisplayName    string    `json:"display_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NormalizeEmail lower-cases and trims an email so uniqueness is case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Membership grants a user a role within a tenant. There is at most one row
// per (UserID, TenantID).
type Membership struct {
	UserID      string        `json:"user_id"`
	TenantID    string        `json:"tenant_id"`
	Role        Role          `json:"role"`
	Permissions PermissionSet `json:"permissions"`
	Active      bool          `json:"active"`
	JoinedAt    time.Time     `json:"joined_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Effective returns the permissions the member actually holds: everything
// for owners, otherwise the role floor plus explicit grants.
func (m *Membership) Effective() PermissionSet {
	if m == nil || !m.Active {
		return 0
	}
	if m.Role == RoleOwner {
		return FullPermissionSet
	}
	return RoleFloor(m.Role).Union(m.Permissions)
}

// Can reports whether the member holds p.
func (m *Membership) Can(p Permission) bool {
	return m.Effective().Has(p)
}

// TenantLookupField names the column a tenant lookup matches on.
type TenantLookupField string

const (
	LookupByID        TenantLookupField = "id"
	LookupBySlug      TenantLookupField = "slug"
	LookupBySubdomain TenantLookupField = "subdomain"
)

// TenantLookup identifies a tenant by one of its unique keys.
type TenantLookup struct {
	Field TenantLookupField
	Value string
}

func (l TenantLookup) String() string {
	return string(l.Field) + "=" + l.Value
}
