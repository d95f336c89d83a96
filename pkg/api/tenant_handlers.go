package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/middleware"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
)

type createTenantRequest struct {
	Name      string `json:"name"`
	Subdomain string `json:"subdomain,omitempty"`
}

type tenantResponse struct {
	Tenant     *tenancy.Tenant     `json:"tenant"`
	Membership *tenancy.Membership `json:"membership,omitempty"`
	ResolvedBy string              `json:"resolved_by,omitempty"`
}

// createTenant creates a tenant owned by the caller.
func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) error {
	p, err := principalOf(r)
	if err != nil {
		return err
	}
	var req createTenantRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Name) == "" {
		return apierror.Invalid("api.createTenant", "tenant name is required")
	}

	t := &tenancy.Tenant{Name: strings.TrimSpace(req.Name), Subdomain: req.Subdomain}
	if err := s.deps.Tenants.CreateTenant(r.Context(), t, p.UserID); err != nil {
		return err
	}
	s.record(r, tenantEvent(r.Context(), audit.EventTenantCreated, t.ID).WithResource(audit.ResourceTenant, t.ID))
	return httputil.WriteCreated(w, t)
}

// listMyTenants lists the caller's active memberships.
func (s *Server) listMyTenants(w http.ResponseWriter, r *http.Request) error {
	p, err := principalOf(r)
	if err != nil {
		return err
	}
	memberships, err := s.deps.Tenants.ListUserMemberships(r.Context(), p.UserID)
	if err != nil {
		return err
	}
	return httputil.WriteList(w, memberships, len(memberships))
}

func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) error {
	a, err := authContextOf(r)
	if err != nil {
		return err
	}
	t, _ := middleware.Tenant(r.Context())
	return httputil.WriteSuccess(w, tenantResponse{Tenant: t, Membership: a.Membership, ResolvedBy: a.ResolvedBy})
}

func (s *Server) deactivateTenant(w http.ResponseWriter, r *http.Request) error {
	a, err := authContextOf(r)
	if err != nil {
		return err
	}
	if err := requirePermission(a, tenancy.PermDeleteTenant); err != nil {
		return err
	}
	if err := s.deps.Tenants.DeactivateTenant(r.Context(), a.TenantID); err != nil {
		return err
	}
	s.record(r, tenantEvent(r.Context(), audit.EventTenantDeactivated, a.TenantID).WithResource(audit.ResourceTenant, a.TenantID))
	httputil.WriteNoContent(w)
	return nil
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) error {
	a, err := authContextOf(r)
	if err != nil {
		return err
	}
	if err := requirePermission(a, tenancy.PermManageSettings); err != nil {
		return err
	}
	var settings tenancy.Settings
	if err := httputil.ParseJSON(r, &settings); err != nil {
		return err
	}
	if err := s.deps.Tenants.UpdateSettings(r.Context(), a.TenantID, settings); err != nil {
		return err
	}

	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	s.record(r, tenantEvent(r.Context(), audit.EventSettingsUpdated, a.TenantID).
		WithResource(audit.ResourceTenant, a.TenantID).
		WithMeta("keys", keys))
	return httputil.WriteSuccess(w, settings)
}

func (s *Server) tenantStats(w http.ResponseWriter, r *http.Request) error {
	access, err := accessOf(r)
	if err != nil {
		return err
	}
	stats, err := access.TenantStatistics(r.Context())
	if err != nil {
		return err
	}
	return httputil.WriteSuccess(w, stats)
}

type switchTenantRequest struct {
	TenantID string `json:"tenant_id"`
}

type sessionResponse struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
	Tenant    *tenancy.Tenant `json:"tenant"`
}

// switchTenant re-issues the caller's session pointing at another tenant.
// Membership is checked before the token is minted.
func (s *Server) switchTenant(w http.ResponseWriter, r *http.Request) error {
	const op = "api.switchTenant"
	p, err := principalOf(r)
	if err != nil {
		return err
	}
	if p.Method != auth.MethodSession {
		return apierror.Invalid(op, "tenant switching requires a session credential")
	}
	var req switchTenantRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		return err
	}
	if req.TenantID == "" {
		return apierror.Invalid(op, "tenant_id is required")
	}

	ctx := r.Context()
	t, err := s.deps.Tenants.LookupTenant(ctx, tenancy.TenantLookup{Field: tenancy.LookupByID, Value: req.TenantID})
	if err != nil {
		if k := apierror.KindOf(err); k == apierror.KindNotFound || k == apierror.KindTenantNotFound {
			return apierror.Wrap(apierror.KindUnauthorizedTenantAccess, op, apierror.ErrUnauthorizedTenantAccess)
		}
		return err
	}
	if _, err := s.deps.Guard.Authorize(ctx, p.UserID, t.ID); err != nil {
		return err
	}

	token, expires, err := s.deps.Sessions.Issue(p.UserID, t.ID)
	if err != nil {
		return apierror.Upstream(op, err)
	}
	s.record(r, tenantEvent(ctx, audit.EventAuthSessionIssued, t.ID).WithResource(audit.ResourceUser, p.UserID))
	return httputil.WriteSuccess(w, sessionResponse{Token: token, ExpiresAt: expires, Tenant: t})
}
