// Package middleware runs every request through a fixed sequence of
// governance stages.
//
// # Stage order
//
// The order is declared once, in New, outermost first:
//
//	logging        correlation id, request timeout, start/end logs, metrics
//	ratelimit      sliding-window check, X-RateLimit-* headers, 429
//	auth           API token or session JWT from the Authorization header
//	tenant         resolve, authorize membership, attach scoped.Access
//	timing         span, handler duration histogram, slow-request warning
//	errorboundary  panic recovery and handler error conversion
//
// Routes pick stages through Options; the order never changes.
//
//	p := middleware.New(cfg)
//	router.Handle("/v1/projects", p.Wrap(listProjects, middleware.Options{
//		RateLimitPolicy: ratelimit.PolicyAPI,
//		RequireAuth:     true,
//		RequireTenant:   true,
//	}))
//
// # Errors
//
// Handlers return errors instead of writing them. Every rejection, whether
// from a stage or a handler, is rendered once by the same path as the
// apierror JSON body. Unknown tenants and missing memberships both come back
// as 403 unauthorized_tenant_access.
package middleware
