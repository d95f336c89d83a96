package rbac

import (
	"context"
	"errors"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
)

// MembershipStore is the persistence the guard consults. *tenants.Store
// satisfies it. GetMembership returns only active memberships and a
// KindNotFound error otherwise; UpdateMemberRole and RemoveMember re-check the
// owner floor inside their own transaction.
type MembershipStore interface {
	GetMembership(ctx context.Context, userID, tenantID string) (*tenancy.Membership, error)
	CountOwners(ctx context.Context, tenantID string) (int, error)
	SoleOwnedTenants(ctx context.Context, userID string) ([]string, error)
	UpdateMemberRole(ctx context.Context, tenantID, userID string, role tenancy.Role) error
	RemoveMember(ctx context.Context, tenantID, userID string) error
}

// Guard decides whether a user may act within a tenant. It holds no mutable
// state and is safe for concurrent use. Every decision fails closed: a
// missing or unreadable membership is never treated as access.
type Guard struct {
	store   MembershipStore
	audit   audit.Logger
	metrics *observability.Metrics
	logger  *observability.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithAuditLogger records role changes, removals and blocked last-owner
// attempts.
func WithAuditLogger(l audit.Logger) Option {
	return func(g *Guard) { g.audit = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

func WithLogger(l *observability.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// NewGuard creates a guard over store.
func NewGuard(store MembershipStore, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		audit:  audit.NopLogger{},
		logger: observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize returns userID's active membership in tenantID. Without one the
// result is UnauthorizedTenantAccess; store failures are UpstreamFailure.
func (g *Guard) Authorize(ctx context.Context, userID, tenantID string) (*tenancy.Membership, error) {
	const op = "rbac.Authorize"

	if userID == "" {
		return nil, apierror.Wrap(apierror.KindAuthenticationRequired, op, apierror.ErrAuthenticationRequired)
	}
	if tenantID == "" {
		return nil, apierror.Wrap(apierror.KindTenantContextMissing, op, apierror.ErrTenantContextMissing)
	}

	m, err := g.store.GetMembership(ctx, userID, tenantID)
	switch {
	case apierror.KindOf(err) == apierror.KindNotFound:
		g.metrics.RecordAccessDenial("not_member")
		return nil, apierror.Wrap(apierror.KindUnauthorizedTenantAccess, op, apierror.ErrUnauthorizedTenantAccess)
	case err != nil:
		g.metrics.RecordAccessDenial("upstream")
		return nil, upstream(op, err)
	case m == nil || !m.Active:
		g.metrics.RecordAccessDenial("not_member")
		return nil, apierror.Wrap(apierror.KindUnauthorizedTenantAccess, op, apierror.ErrUnauthorizedTenantAccess)
	}
	return m, nil
}

// AuthorizePermission reports whether userID holds perm in tenantID. A
// missing membership is false, not an error; the error is set only when the
// membership could not be read.
func (g *Guard) AuthorizePermission(ctx context.Context, userID, tenantID string, perm tenancy.Permission) (bool, error) {
	m, err := g.Authorize(ctx, userID, tenantID)
	if err != nil {
		if apierror.KindOf(err) == apierror.KindUpstreamFailure {
			return false, err
		}
		return false, nil
	}
	if m.Role == tenancy.RoleOwner {
		return true, nil
	}
	return m.Can(perm), nil
}

// RequirePermission is AuthorizePermission as an error: it returns the
// membership when perm is held and InsufficientPermission otherwise.
func (g *Guard) RequirePermission(ctx context.Context, userID, tenantID string, perm tenancy.Permission) (*tenancy.Membership, error) {
	m, err := g.Authorize(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	if !m.Can(perm) {
		g.metrics.RecordAccessDenial("permission")
		return nil, apierror.New(apierror.KindInsufficientPermission, "rbac.RequirePermission",
			"missing permission "+perm.String())
	}
	return m, nil
}

// AuthorizeRoleChange rejects demoting the only active owner of a tenant.
func (g *Guard) AuthorizeRoleChange(ctx context.Context, tenantID, targetUserID string, newRole tenancy.Role) error {
	const op = "rbac.AuthorizeRoleChange"
	if !newRole.Valid() {
		return apierror.Invalid(op, "invalid role")
	}
	target, err := g.member(ctx, op, targetUserID, tenantID)
	if err != nil {
		return err
	}
	if target.Role != tenancy.RoleOwner || newRole == tenancy.RoleOwner {
		return nil
	}
	return g.requireAnotherOwner(ctx, op, tenantID)
}

// AuthorizeRemoval rejects removing the only active owner of a tenant.
func (g *Guard) AuthorizeRemoval(ctx context.Context, tenantID, targetUserID string) error {
	const op = "rbac.AuthorizeRemoval"
	target, err := g.member(ctx, op, targetUserID, tenantID)
	if err != nil {
		return err
	}
	if target.Role != tenancy.RoleOwner {
		return nil
	}
	return g.requireAnotherOwner(ctx, op, tenantID)
}

// ChangeMemberRole sets targetUserID's role on behalf of actorID. The actor
// needs ManageUsers, and only owners may grant or revoke ownership.
func (g *Guard) ChangeMemberRole(ctx context.Context, actorID, tenantID, targetUserID string, newRole tenancy.Role) error {
	const op = "rbac.ChangeMemberRole"

	actor, err := g.RequirePermission(ctx, actorID, tenantID, tenancy.PermManageUsers)
	if err != nil {
		return err
	}
	target, err := g.member(ctx, op, targetUserID, tenantID)
	if err != nil {
		return err
	}
	if (target.Role == tenancy.RoleOwner || newRole == tenancy.RoleOwner) && actor.Role != tenancy.RoleOwner {
		g.metrics.RecordAccessDenial("owner_required")
		return apierror.New(apierror.KindInsufficientPermission, op, "only owners can grant or revoke ownership")
	}
	if target.Role == newRole {
		return nil
	}

	event := audit.NewEvent(ctx, audit.EventRoleChanged, audit.StatusSuccess).
		WithResource(audit.ResourceMember, targetUserID).
		WithMeta("from", target.Role.String()).
		WithMeta("to", newRole.String())
	event.TenantID = tenantID
	event.ActorID = actorID

	if err := g.AuthorizeRoleChange(ctx, tenantID, targetUserID, newRole); err != nil {
		g.recordBlocked(ctx, event, err)
		return err
	}
	if err := g.store.UpdateMemberRole(ctx, tenantID, targetUserID, newRole); err != nil {
		g.recordBlocked(ctx, event, err)
		return err
	}
	g.emit(ctx, event)
	return nil
}

// RemoveMember deactivates targetUserID's membership on behalf of actorID.
// Members may always remove themselves; removing anyone else needs
// ManageUsers, and removing an owner needs an owner.
func (g *Guard) RemoveMember(ctx context.Context, actorID, tenantID, targetUserID string) error {
	const op = "rbac.RemoveMember"

	var actor *tenancy.Membership
	var err error
	if actorID == targetUserID {
		actor, err = g.Authorize(ctx, actorID, tenantID)
	} else {
		actor, err = g.RequirePermission(ctx, actorID, tenantID, tenancy.PermManageUsers)
	}
	if err != nil {
		return err
	}

	target := actor
	if actorID != targetUserID {
		if target, err = g.member(ctx, op, targetUserID, tenantID); err != nil {
			return err
		}
		if target.Role == tenancy.RoleOwner && actor.Role != tenancy.RoleOwner {
			g.metrics.RecordAccessDenial("owner_required")
			return apierror.New(apierror.KindInsufficientPermission, op, "only owners can remove an owner")
		}
	}

	event := audit.NewEvent(ctx, audit.EventMemberRemoved, audit.StatusSuccess).
		WithResource(audit.ResourceMember, targetUserID).
		WithMeta("role", target.Role.String())
	event.TenantID = tenantID
	event.ActorID = actorID

	if err := g.AuthorizeRemoval(ctx, tenantID, targetUserID); err != nil {
		g.recordBlocked(ctx, event, err)
		return err
	}
	if err := g.store.RemoveMember(ctx, tenantID, targetUserID); err != nil {
		g.recordBlocked(ctx, event, err)
		return err
	}
	g.emit(ctx, event)
	return nil
}

// AuthorizeUserDeletion rejects deleting a user who is the only owner of any
// active tenant. The error names nothing; callers can list the tenants with
// SoleOwnedTenants.
func (g *Guard) AuthorizeUserDeletion(ctx context.Context, userID string) error {
	const op = "rbac.AuthorizeUserDeletion"
	owned, err := g.store.SoleOwnedTenants(ctx, userID)
	if err != nil {
		return upstream(op, err)
	}
	if len(owned) > 0 {
		return apierror.Wrap(apierror.KindLastOwnerProtection, op, apierror.ErrLastOwnerProtection)
	}
	return nil
}

func (g *Guard) member(ctx context.Context, op, userID, tenantID string) (*tenancy.Membership, error) {
	m, err := g.store.GetMembership(ctx, userID, tenantID)
	if apierror.KindOf(err) == apierror.KindNotFound {
		return nil, apierror.New(apierror.KindNotFound, op, "member not found")
	}
	if err != nil {
		return nil, upstream(op, err)
	}
	return m, nil
}

func (g *Guard) requireAnotherOwner(ctx context.Context, op, tenantID string) error {
	owners, err := g.store.CountOwners(ctx, tenantID)
	if err != nil {
		return upstream(op, err)
	}
	if owners <= 1 {
		return apierror.Wrap(apierror.KindLastOwnerProtection, op, apierror.ErrLastOwnerProtection)
	}
	return nil
}

// recordBlocked audits a failed mutation. Only last-owner rejections are
// security relevant; other failures are left to the caller's error path.
func (g *Guard) recordBlocked(ctx context.Context, event *audit.Event, err error) {
	if !apierror.IsLastOwnerProtection(err) {
		return
	}
	event.EventType = audit.EventLastOwnerBlocked
	event.Status = audit.StatusDenied
	event.WithError(err)
	g.emit(ctx, event)
}

func (g *Guard) emit(ctx context.Context, event *audit.Event) {
	if err := g.audit.Log(ctx, event); err != nil {
		g.metrics.RecordAuditEmitFailure()
		g.logger.WithError(err).WithField("event_type", string(event.EventType)).Warn("failed to emit audit event")
	}
}

// upstream keeps coded errors from the store and wraps anything else.
func upstream(op string, err error) error {
	var coded *apierror.Error
	if errors.As(err, &coded) && coded.Kind == apierror.KindUpstreamFailure {
		return err
	}
	return apierror.Upstream(op, err)
}
