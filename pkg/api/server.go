package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/middleware"
	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/ratelimit"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
)

// TenantStore is the tenant and membership persistence the handlers use.
type TenantStore interface {
	CreateTenant(ctx context.Context, t *tenancy.Tenant, ownerID string) error
	LookupTenant(ctx context.Context, lookup tenancy.TenantLookup) (*tenancy.Tenant, error)
	UpdateSettings(ctx context.Context, id string, settings tenancy.Settings) error
	DeactivateTenant(ctx context.Context, id string) error
	AddMember(ctx context.Context, tenantID, userID string, role tenancy.Role, grants tenancy.PermissionSet) (*tenancy.Membership, error)
	ListMembers(ctx context.Context, tenantID string) ([]*tenancy.Membership, error)
	ListUserMemberships(ctx context.Context, userID string) ([]*tenancy.Membership, error)
	UpdateMemberPermissions(ctx context.Context, tenantID, userID string, grants tenancy.PermissionSet) error
}

// Guard is the authorization surface the handlers need.
type Guard interface {
	Authorize(ctx context.Context, userID, tenantID string) (*tenancy.Membership, error)
	RequirePermission(ctx context.Context, userID, tenantID string, perm tenancy.Permission) (*tenancy.Membership, error)
	ChangeMemberRole(ctx context.Context, actorID, tenantID, targetUserID string, newRole tenancy.Role) error
	RemoveMember(ctx context.Context, actorID, tenantID, targetUserID string) error
}

// TokenStore manages API tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, userID, tenantID, name string, expiresAt *time.Time) (*auth.APIToken, string, error)
	RevokeToken(ctx context.Context, userID, tokenID string) error
	ListUserTokens(ctx context.Context, userID string) ([]*auth.APIToken, error)
}

// SessionIssuer mints session tokens.
type SessionIssuer interface {
	Issue(userID, tenantID string) (string, time.Time, error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Pipeline *middleware.Pipeline
	Tenants  TenantStore
	Guard    Guard
	Tokens   TokenStore
	Sessions SessionIssuer
	Audit    audit.Logger
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
}

// Server routes the HTTP API.
type Server struct {
	deps   Deps
	router *mux.Router
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	if deps.Audit == nil {
		deps.Audit = audit.NopLogger{}
	}
	s := &Server{deps: deps, router: mux.NewRouter()}
	s.setupRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// route registers h behind the pipeline. The mux template labels metrics.
func (s *Server) route(method, path string, h middleware.HandlerFunc, opts middleware.Options) {
	opts.Route = path
	s.router.Handle(path, s.deps.Pipeline.Wrap(h, opts)).Methods(method)
}

func (s *Server) setupRoutes() {
	public := middleware.Options{RateLimitPolicy: ratelimit.PolicyPublic}
	authed := middleware.Options{RateLimitPolicy: ratelimit.PolicyAPI, RequireAuth: true}
	scopedOpts := middleware.Options{RateLimitPolicy: ratelimit.PolicyAPI, RequireAuth: true, RequireTenant: true, TrackPerformance: true}
	searchOpts := scopedOpts
	searchOpts.RateLimitPolicy = ratelimit.PolicySearch
	analyticsOpts := scopedOpts
	analyticsOpts.RateLimitPolicy = ratelimit.PolicyAnalytics

	// Caller and session
	s.route(http.MethodGet, "/v1/me/tenants", s.listMyTenants, authed)
	s.route(http.MethodPost, "/v1/session/tenant", s.switchTenant, middleware.Options{RateLimitPolicy: ratelimit.PolicyAuth, RequireAuth: true})
	s.route(http.MethodPost, "/v1/tokens", s.createToken, middleware.Options{RateLimitPolicy: ratelimit.PolicyAuth, RequireAuth: true})
	s.route(http.MethodGet, "/v1/tokens", s.listTokens, authed)
	s.route(http.MethodDelete, "/v1/tokens/{tokenID}", s.revokeToken, authed)

	// Tenant
	s.route(http.MethodPost, "/v1/tenants", s.createTenant, authed)
	s.route(http.MethodGet, "/v1/tenant", s.getTenant, scopedOpts)
	s.route(http.MethodDelete, "/v1/tenant", s.deactivateTenant, scopedOpts)
	s.route(http.MethodPut, "/v1/tenant/settings", s.updateSettings, scopedOpts)
	s.route(http.MethodGet, "/v1/tenant/stats", s.tenantStats, analyticsOpts)

	// Members
	s.route(http.MethodGet, "/v1/tenant/members", s.listMembers, scopedOpts)
	s.route(http.MethodPost, "/v1/tenant/members", s.addMember, scopedOpts)
	s.route(http.MethodPut, "/v1/tenant/members/{userID}/role", s.changeRole, scopedOpts)
	s.route(http.MethodPut, "/v1/tenant/members/{userID}/permissions", s.updatePermissions, scopedOpts)
	s.route(http.MethodDelete, "/v1/tenant/members/{userID}", s.removeMember, scopedOpts)

	// Projects
	s.route(http.MethodGet, "/v1/projects", s.listProjects, searchOpts)
	s.route(http.MethodPost, "/v1/projects", s.createProject, scopedOpts)
	s.route(http.MethodGet, "/v1/projects/{id}", s.getProject, scopedOpts)
	s.route(http.MethodPatch, "/v1/projects/{id}", s.updateProject, scopedOpts)
	s.route(http.MethodDelete, "/v1/projects/{id}", s.deleteProject, scopedOpts)

	// Documents
	s.route(http.MethodGet, "/v1/documents", s.listDocuments, searchOpts)
	s.route(http.MethodPost, "/v1/documents", s.createDocument, scopedOpts)
	s.route(http.MethodGet, "/v1/documents/{id}", s.getDocument, scopedOpts)
	s.route(http.MethodPatch, "/v1/documents/{id}", s.updateDocument, scopedOpts)
	s.route(http.MethodDelete, "/v1/documents/{id}", s.deleteDocument, scopedOpts)

	// Audit
	s.route(http.MethodGet, "/v1/audit-events", s.listAuditEvents, searchOpts)
	s.route(http.MethodGet, "/v1/audit-events/export", s.exportAuditEvents, analyticsOpts)

	// Operations
	if s.deps.Health != nil {
		s.router.Handle("/health/live", s.deps.Pipeline.WrapHTTP(http.HandlerFunc(s.deps.Health.Liveness), public)).Methods(http.MethodGet)
		s.router.Handle("/health/ready", s.deps.Pipeline.WrapHTTP(http.HandlerFunc(s.deps.Health.Readiness), public)).Methods(http.MethodGet)
	}
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}
}
