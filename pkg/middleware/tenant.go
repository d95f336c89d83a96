package middleware

import (
	"context"
	"net/http"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/contextkeys"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/scoped"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
	"github.com/platinummonkey/tenantgate/pkg/tenants"
)

// TenantResolver maps request signals to a tenant.
type TenantResolver interface {
	Resolve(ctx context.Context, sig tenants.Signals) (*tenants.Resolution, error)
}

// Authorizer returns the caller's active membership or fails closed.
type Authorizer interface {
	Authorize(ctx context.Context, userID, tenantID string) (*tenancy.Membership, error)
}

// tenant resolves the tenant, checks membership and attaches the AuthContext
// and a request-scoped data facade.
func (p *Pipeline) tenant(next HandlerFunc, opts Options) HandlerFunc {
	if !opts.RequireTenant {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) error {
		const op = "middleware.tenant"
		ctx := r.Context()

		principal, ok := auth.PrincipalFromContext(ctx)
		if !ok {
			return p.fail(w, r, apierror.Wrap(apierror.KindAuthenticationRequired, op, apierror.ErrAuthenticationRequired))
		}
		if p.cfg.Resolver == nil || p.cfg.Guard == nil || p.cfg.Backend == nil {
			return p.fail(w, r, apierror.New(apierror.KindUpstreamFailure, op, "tenant stage is not configured"))
		}

		sig := tenants.Signals{
			Host:            r.Host,
			Subdomain:       r.Header.Get(p.cfg.Headers.Subdomain),
			TenantID:        r.Header.Get(p.cfg.Headers.TenantID),
			SessionTenantID: principal.TenantID,
		}
		res, err := p.cfg.Resolver.Resolve(ctx, sig)
		if err != nil {
			if apierror.KindOf(err) != apierror.KindUpstreamFailure {
				p.deny(ctx, r, audit.EventTenantResolveFailed, principal.UserID, "", err)
			}
			return p.fail(w, r, err)
		}
		tenantID := res.Tenant.ID

		// A token minted for one tenant cannot be used against another.
		if principal.Method == auth.MethodAPIToken && principal.TenantID != "" && principal.TenantID != tenantID {
			p.cfg.Metrics.RecordAccessDenial("token_tenant_mismatch")
			err := apierror.New(apierror.KindUnauthorizedTenantAccess, op, apierror.ErrUnauthorizedTenantAccess.Msg)
			p.deny(ctx, r, audit.EventAccessDenied, principal.UserID, tenantID, err)
			return p.fail(w, r, err)
		}

		m, err := p.cfg.Guard.Authorize(ctx, principal.UserID, tenantID)
		if err != nil {
			if apierror.KindOf(err) != apierror.KindUpstreamFailure {
				p.deny(ctx, r, audit.EventAccessDenied, principal.UserID, tenantID, err)
			}
			return p.fail(w, r, err)
		}

		authCtx := &auth.AuthContext{
			UserID:     principal.UserID,
			TenantID:   tenantID,
			Role:       m.Role,
			Membership: m,
			ResolvedBy: string(res.Method),
			RequestID:  contextkeys.GetRequestID(ctx),
		}
		logger := observability.GetLogger(ctx).WithFields(map[string]interface{}{
			"tenant_id": tenantID,
			"user_id":   principal.UserID,
		})

		access, err := scoped.New(p.cfg.Backend,
			scoped.Scope{TenantID: tenantID, ActorID: principal.UserID, Role: m.Role},
			scoped.WithAuditLogger(p.cfg.Audit),
			scoped.WithMetrics(p.cfg.Metrics),
			scoped.WithLogger(logger),
			scoped.WithActivityWindow(p.cfg.ActivityWindow),
		)
		if err != nil {
			return p.fail(w, r, err)
		}

		ctx = auth.WithAuthContext(ctx, authCtx)
		ctx = contextkeys.WithValue(ctx, contextkeys.TenantKey, res.Tenant)
		ctx = contextkeys.WithValue(ctx, contextkeys.ScopedAccessKey, access)
		ctx = observability.WithLogger(ctx, logger)
		return next(w, r.WithContext(ctx))
	}
}

// deny records a rejected tenant request. Emission is best effort.
func (p *Pipeline) deny(ctx context.Context, r *http.Request, eventType audit.EventType, userID, tenantID string, cause error) {
	event := audit.NewEvent(ctx, eventType, audit.StatusDenied).
		WithResource(audit.ResourceTenant, tenantID).
		WithMeta("reason", string(apierror.KindOf(cause)))
	event.TenantID = tenantID
	event.ActorID = userID
	event.IPAddress = httputil.ClientIP(r, p.cfg.TrustProxy)
	event.Method = r.Method
	event.Path = r.URL.Path
	if err := p.cfg.Audit.Log(ctx, event); err != nil {
		p.cfg.Metrics.RecordAuditEmitFailure()
		observability.FromContext(ctx).WithError(err).Warn("failed to emit audit event")
	}
}

// ScopedAccess returns the request's tenant-scoped data facade.
func ScopedAccess(ctx context.Context) (*scoped.Access, bool) {
	a, ok := ctx.Value(contextkeys.ScopedAccessKey).(*scoped.Access)
	return a, ok && a != nil
}

// Tenant returns the resolved tenant.
func Tenant(ctx context.Context) (*tenancy.Tenant, bool) {
	t, ok := ctx.Value(contextkeys.TenantKey).(*tenancy.Tenant)
	return t, ok && t != nil
}
