package api

import (
	"net/http"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
)

type addMemberRequest struct {
	UserID      string                `json:"user_id"`
	Role        tenancy.Role          `json:"role"`
	Permissions tenancy.PermissionSet `json:"permissions,omitempty"`
}

type roleRequest struct {
	Role tenancy.Role `json:"role"`
}

type permissionsRequest struct {
	Permissions tenancy.PermissionSet `json:"permissions"`
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) error {
	a, err := authContextOf(r)
	if err != nil {
		return err
	}
	members, err := s.deps.Tenants.ListMembers(r.Context(), a.TenantID)
	if err != nil {
		return err
	}
	return httputil.WriteList(w, members, len(members))
}

// grantable rejects grants the actor does not hold itself.
func grantable(actor *tenancy.Membership, grants tenancy.PermissionSet) error {
	if extra := grants &^ actor.Effective(); extra != 0 {
		return apierror.New(apierror.KindInsufficientPermission, "api.grant",
			"cannot grant permissions you do not hold")
	}
	return nil
}

func (s *Server) addMember(w http.ResponseWriter, r *http.Request) error {
	const op = "api.addMember"
	a, err := authContextOf(r)
	if err != nil {
		return err
	}
	if err := requirePermission(a, tenancy.PermManageUsers); err != nil {
		return err
	}
	var req addMemberRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		return err
	}
	if req.UserID == "" {
		return apierror.Invalid(op, "user_id is required")
	}
	if !req.Role.Valid() {
		return apierror.Invalid(op, "a valid role is required")
	}
	if req.Role == tenancy.RoleOwner && a.Role != tenancy.RoleOwner {
		return apierror.New(apierror.KindInsufficientPermission, op, "only owners can grant or revoke ownership")
	}
	if err := grantable(a.Membership, req.Permissions); err != nil {
		return err
	}

	m, err := s.deps.Tenants.AddMember(r.Context(), a.TenantID, req.UserID, req.Role, req.Permissions)
	if err != nil {
		return err
	}
	s.record(r, tenantEvent(r.Context(), audit.EventMemberAdded, a.TenantID).
		WithResource(audit.ResourceMember, req.UserID).
		WithMeta("role", req.Role.String()))
	return httputil.WriteCreated(w, m)
}

func (s *Server) changeRole(w http.ResponseWriter, r *http.Request) error {
	a, err := authContextOf(r)
	if err != nil {
		return err
	}
	target, err := httputil.ParsePathString(r, "userID")
	if err != nil {
		return err
	}
	var req roleRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		return err
	}
	if err := s.deps.Guard.ChangeMemberRole(r.Context(), a.UserID, a.TenantID, target, req.Role); err != nil {
		return err
	}
	httputil.WriteNoContent(w)
	return nil
}

func (s *Server) updatePermissions(w http.ResponseWriter, r *http.Request) error {
	a, err := authContextOf(r)
	if err != nil {
		return err
	}
	if err := requirePermission(a, tenancy.PermManageUsers); err != nil {
		return err
	}
	target, err := httputil.ParsePathString(r, "userID")
	if err != nil {
		return err
	}
	var req permissionsRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		return err
	}
	if err := grantable(a.Membership, req.Permissions); err != nil {
		return err
	}
	if err := s.deps.Tenants.UpdateMemberPermissions(r.Context(), a.TenantID, target, req.Permissions); err != nil {
		return err
	}
	s.record(r, tenantEvent(r.Context(), audit.EventPermissionsSet, a.TenantID).
		WithResource(audit.ResourceMember, target).
		WithMeta("permissions", req.Permissions.Names()))
	httputil.WriteNoContent(w)
	return nil
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) error {
	a, err := authContextOf(r)
	if err != nil {
		return err
	}
	target, err := httputil.ParsePathString(r, "userID")
	if err != nil {
		return err
	}
	if err := s.deps.Guard.RemoveMember(r.Context(), a.UserID, a.TenantID, target); err != nil {
		return err
	}
	httputil.WriteNoContent(w)
	return nil
}
