// Package api exposes the tenant gateway over HTTP.
//
// # Overview
//
// Every route is registered on a gorilla/mux router behind the governance
// pipeline from package middleware. Handlers only see requests that already
// passed rate limiting, authentication and, for tenant routes, resolution
// and membership checks. Tenant routes reach data exclusively through the
// scoped.Access the pipeline attached to the request.
//
// # Route groups
//
//   - Caller: /v1/me/tenants, /v1/session/tenant, /v1/tokens
//   - Tenant: /v1/tenants (create), /v1/tenant, /v1/tenant/settings, /v1/tenant/stats
//   - Members: /v1/tenant/members and /v1/tenant/members/{userID}/...
//   - Data: /v1/projects, /v1/documents
//   - Audit: /v1/audit-events and /v1/audit-events/export
//   - Operations: /health/live, /health/ready, /metrics
//
// # Authorization
//
// Reads inside a tenant are open to every active member. Data writes need
// manage_projects, member administration needs manage_users and settings
// changes need manage_settings. Role changes and removals go through the
// rbac.Guard, which enforces the last-owner rule. The audit log is visible to
// admins and owners only.
//
// # Usage
//
//	server := api.NewServer(api.Deps{
//		Pipeline: pipeline,
//		Tenants:  store,
//		Guard:    guard,
//		Tokens:   tokens,
//		Sessions: sessions,
//		Audit:    auditLogger,
//	})
//	http.ListenAndServe(":8080", server.Handler())
package api
