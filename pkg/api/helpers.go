package api

import (
	"context"
	"net/http"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/middleware"
	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/scoped"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
)

func principalOf(r *http.Request) (*auth.Principal, error) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return nil, apierror.Wrap(apierror.KindAuthenticationRequired, "api.principal", apierror.ErrAuthenticationRequired)
	}
	return p, nil
}

func authContextOf(r *http.Request) (*auth.AuthContext, error) {
	a, ok := auth.FromContext(r.Context())
	if !ok {
		return nil, apierror.Wrap(apierror.KindTenantContextMissing, "api.authContext", apierror.ErrTenantContextMissing)
	}
	return a, nil
}

func accessOf(r *http.Request) (*scoped.Access, error) {
	a, ok := middleware.ScopedAccess(r.Context())
	if !ok {
		return nil, apierror.Wrap(apierror.KindTenantContextMissing, "api.access", apierror.ErrTenantContextMissing)
	}
	return a, nil
}

// requirePermission checks perm against the membership the tenant stage
// loaded for this request.
func requirePermission(a *auth.AuthContext, perm tenancy.Permission) error {
	if a.Can(perm) {
		return nil
	}
	return apierror.New(apierror.KindInsufficientPermission, "api.require", "missing permission "+perm.String())
}

// record emits an admin-level audit event for the request. Failures are
// logged only.
func (s *Server) record(r *http.Request, event *audit.Event) {
	ctx := r.Context()
	event.Method = r.Method
	event.Path = r.URL.Path
	event.IPAddress = httputil.ClientIP(r, false)
	if event.ActorID == "" {
		if p, ok := auth.PrincipalFromContext(ctx); ok {
			event.ActorID = p.UserID
		}
	}
	if err := s.deps.Audit.Log(ctx, event); err != nil {
		s.deps.Metrics.RecordAuditEmitFailure()
		observability.FromContext(ctx).WithError(err).
			WithField("event_type", string(event.EventType)).
			Warn("failed to emit audit event")
	}
}

func tenantEvent(ctx context.Context, t audit.EventType, tenantID string) *audit.Event {
	e := audit.NewEvent(ctx, t, audit.StatusSuccess)
	e.TenantID = tenantID
	return e
}
