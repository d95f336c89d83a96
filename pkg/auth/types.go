package auth

import (
	"context"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
)

// Method records how a principal proved its identity.
type Method string

const (
	MethodAPIToken Method = "api_token"
	MethodSession  Method = "session"
)

// Principal is an authenticated caller before any tenant is chosen.
type Principal struct {
	UserID string `json:"user_id"`
	Method Method `json:"method"`
	// TokenID is set for API tokens.
	TokenID string `json:"token_id,omitempty"`
	// TenantID is the tenant the credential is pinned to (API tokens) or
	// the session's current tenant. Empty when none is selected.
	TenantID  string     `json:"tenant_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// AuthContext is the request-scoped result of authentication, tenant
// resolution and authorization. It is never persisted.
type AuthContext struct {
	UserID    string
	TenantID  string
	Role      tenancy.Role
	// Membership is the active membership the guard returned.
	Membership *tenancy.Membership
	// ResolvedBy is the resolution method (subdomain, header or session).
	ResolvedBy string
	RequestID  string
}

// Can reports whether the caller holds p in the current tenant.
func (a *AuthContext) Can(p tenancy.Permission) bool {
	if a == nil {
		return false
	}
	return a.Membership.Can(p)
}

// APIToken is a stored API credential. The plaintext is shown once at
// creation and only its hash is kept.
type APIToken struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	TenantID    string     `json:"tenant_id,omitempty"`
	Name        string     `json:"name"`
	TokenHash   string     `json:"-"`
	TokenPrefix string     `json:"token_prefix"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Usable reports whether the token is neither revoked nor expired at now.
func (t *APIToken) Usable(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	return t.ExpiresAt == nil || now.Before(*t.ExpiresAt)
}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return contextkeys.WithValue(ctx, contextkeys.PrincipalKey, p)
}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	return p, ok && p != nil
}

// WithAuthContext stores a on ctx.
func WithAuthContext(ctx context.Context, a *AuthContext) context.Context {
	return contextkeys.WithValue(ctx, contextkeys.AuthKey, a)
}

// FromContext returns the request's AuthContext, if tenant resolution ran.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	a, ok := ctx.Value(contextkeys.AuthKey).(*AuthContext)
	return a, ok && a != nil
}
