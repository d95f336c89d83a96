// Package rbac decides what a user may do inside a tenant.
//
// # Model
//
// Each user holds at most one membership per tenant. A membership carries a
// Role (viewer < editor < admin < owner) and explicit permission grants. The
// effective permissions are the role floor plus the grants; owners hold every
// permission.
//
//	Role     Floor
//	viewer   -
//	editor   manage_projects
//	admin    manage_users, manage_settings, manage_projects
//	owner    everything
//
// # Fail closed
//
// Guard.Authorize returns UnauthorizedTenantAccess whenever no active
// membership is found. A store failure surfaces as UpstreamFailure, never as
// access.
//
//	m, err := guard.Authorize(ctx, userID, tenantID)
//	if err != nil {
//		return err
//	}
//	if !m.Can(tenancy.PermManageProjects) { ... }
//
// # Owner floor
//
// Every active tenant keeps at least one active owner. ChangeMemberRole and
// RemoveMember check the floor before mutating, and the store checks it again
// inside the write transaction so two owners demoting themselves at the same
// time cannot both succeed. AuthorizeUserDeletion applies the same rule to
// deleting a user account.
package rbac
