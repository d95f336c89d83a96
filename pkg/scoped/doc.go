// Package scoped is the only path from request handlers to tenant data.
//
// An Access is bound to one tenant when it is built and applies that tenant to
// every query, insert, update and delete. Filters have no tenant field, so a
// caller cannot widen the scope. A row that belongs to another tenant is
// indistinguishable from one that does not exist.
//
//	access, err := scoped.New(backend, scoped.Scope{TenantID: tid, ActorID: uid})
//	if err != nil {
//		return err
//	}
//	projects, err := access.Projects().FindMany(ctx, scoped.ProjectFilter{})
//
// Deletes are soft; listings skip deleted rows unless IncludeDeleted is set.
// Each operation emits an audit event. Emission failures are logged and
// counted but never fail the operation.
package scoped
