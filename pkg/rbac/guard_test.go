package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/apierror"
	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/database"
	"github.com/platinummonkey/tenantgate/pkg/database/dbtest"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
	"github.com/platinummonkey/tenantgate/pkg/tenants"
)

type fixture struct {
	store  *tenants.Store
	guard  *Guard
	events *audit.Recorder
	tenant *tenancy.Tenant
	users  map[string]string
}

// newFixture creates tenant "acme" owned by alice, with bob as admin, carol
// as editor and dave as a viewer holding an explicit manage_settings grant.
// erin exists but has no membership.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := tenants.NewStore(dbtest.New(t), database.SQLite)

	f := &fixture{store: store, events: audit.NewRecorder(), users: map[string]string{}}
	for _, name := range []string{"alice", "bob", "carol", "dave", "erin"} {
		u := &tenancy.User{Email: name + "@example.com"}
		require.NoError(t, store.CreateUser(ctx, u))
		f.users[name] = u.ID
	}

	f.tenant = &tenancy.Tenant{Name: "Acme", Subdomain: "acme"}
	require.NoError(t, store.CreateTenant(ctx, f.tenant, f.users["alice"]))

	add := func(name string, role tenancy.Role, grants tenancy.PermissionSet) {
		_, err := store.AddMember(ctx, f.tenant.ID, f.users[name], role, grants)
		require.NoError(t, err)
	}
	add("bob", tenancy.RoleAdmin, 0)
	add("carol", tenancy.RoleEditor, 0)
	add("dave", tenancy.RoleViewer, tenancy.NewPermissionSet(tenancy.PermManageSettings))

	f.guard = NewGuard(store, WithAuditLogger(f.events))
	return f
}

func (f *fixture) id(name string) string { return f.users[name] }

func (f *fixture) role(t *testing.T, name string) tenancy.Role {
	t.Helper()
	m, err := f.store.GetMembership(context.Background(), f.id(name), f.tenant.ID)
	require.NoError(t, err)
	return m.Role
}

func TestGuard_AuthorizeFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.guard.Authorize(ctx, f.id("carol"), f.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenancy.RoleEditor, m.Role)

	tests := []struct {
		name     string
		userID   string
		tenantID string
		kind     apierror.Kind
	}{
		{"non-member", f.id("erin"), f.tenant.ID, apierror.KindUnauthorizedTenantAccess},
		{"unknown tenant", f.id("alice"), "t-missing", apierror.KindUnauthorizedTenantAccess},
		{"no user", "", f.tenant.ID, apierror.KindAuthenticationRequired},
		{"no tenant", f.id("alice"), "", apierror.KindTenantContextMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := f.guard.Authorize(ctx, tt.userID, tt.tenantID)
			assert.Nil(t, m)
			assert.Equal(t, tt.kind, apierror.KindOf(err))
		})
	}
}

func TestGuard_AuthorizeRemovedMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.guard.RemoveMember(ctx, f.id("alice"), f.tenant.ID, f.id("carol")))

	_, err := f.guard.Authorize(ctx, f.id("carol"), f.tenant.ID)
	assert.ErrorIs(t, err, apierror.ErrUnauthorizedTenantAccess)
}

func TestGuard_AuthorizePermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		user string
		perm tenancy.Permission
		want bool
	}{
		{"alice", tenancy.PermDeleteTenant, true},
		{"alice", tenancy.PermManageBilling, true},
		{"bob", tenancy.PermManageUsers, true},
		{"bob", tenancy.PermManageBilling, false},
		{"carol", tenancy.PermManageProjects, true},
		{"carol", tenancy.PermManageUsers, false},
		{"dave", tenancy.PermManageSettings, true},
		{"dave", tenancy.PermManageProjects, false},
		{"erin", tenancy.PermManageProjects, false},
	}
	for _, tt := range tests {
		t.Run(tt.user+"/"+tt.perm.String(), func(t *testing.T) {
			ok, err := f.guard.AuthorizePermission(ctx, f.id(tt.user), f.tenant.ID, tt.perm)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)

			_, err = f.guard.RequirePermission(ctx, f.id(tt.user), f.tenant.ID, tt.perm)
			if tt.want {
				assert.NoError(t, err)
			} else if tt.user == "erin" {
				assert.ErrorIs(t, err, apierror.ErrUnauthorizedTenantAccess)
			} else {
				assert.ErrorIs(t, err, apierror.ErrInsufficientPermission)
			}
		})
	}
}

func TestGuard_LastOwnerScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.id("alice"), f.id("bob")

	err := f.guard.ChangeMemberRole(ctx, alice, f.tenant.ID, alice, tenancy.RoleAdmin)
	assert.True(t, apierror.IsLastOwnerProtection(err))
	assert.Equal(t, tenancy.RoleOwner, f.role(t, "alice"))

	err = f.guard.RemoveMember(ctx, alice, f.tenant.ID, alice)
	assert.True(t, apierror.IsLastOwnerProtection(err))

	blocked := f.events.OfType(audit.EventLastOwnerBlocked)
	require.Len(t, blocked, 2)
	assert.Equal(t, f.tenant.ID, blocked[0].TenantID)
	assert.Equal(t, audit.StatusDenied, blocked[0].Status)

	require.NoError(t, f.guard.ChangeMemberRole(ctx, alice, f.tenant.ID, bob, tenancy.RoleOwner))
	require.NoError(t, f.guard.ChangeMemberRole(ctx, alice, f.tenant.ID, alice, tenancy.RoleAdmin))

	assert.Equal(t, tenancy.RoleOwner, f.role(t, "bob"))
	assert.Equal(t, tenancy.RoleAdmin, f.role(t, "alice"))

	changed := f.events.OfType(audit.EventRoleChanged)
	require.Len(t, changed, 2)
	assert.Equal(t, "owner", changed[1].Metadata["from"])
	assert.Equal(t, "admin", changed[1].Metadata["to"])
	assert.Equal(t, alice, changed[1].ActorID)
}

func TestGuard_OwnershipRequiresOwnerActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := f.id("bob")

	err := f.guard.ChangeMemberRole(ctx, bob, f.tenant.ID, f.id("carol"), tenancy.RoleOwner)
	assert.ErrorIs(t, err, apierror.ErrInsufficientPermission)

	err = f.guard.ChangeMemberRole(ctx, bob, f.tenant.ID, f.id("alice"), tenancy.RoleViewer)
	assert.ErrorIs(t, err, apierror.ErrInsufficientPermission)

	err = f.guard.RemoveMember(ctx, bob, f.tenant.ID, f.id("alice"))
	assert.ErrorIs(t, err, apierror.ErrInsufficientPermission)

	require.NoError(t, f.guard.ChangeMemberRole(ctx, bob, f.tenant.ID, f.id("carol"), tenancy.RoleAdmin))
	assert.Equal(t, tenancy.RoleAdmin, f.role(t, "carol"))
}

func TestGuard_ActorNeedsManageUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.guard.ChangeMemberRole(ctx, f.id("carol"), f.tenant.ID, f.id("dave"), tenancy.RoleEditor)
	assert.ErrorIs(t, err, apierror.ErrInsufficientPermission)

	err = f.guard.RemoveMember(ctx, f.id("dave"), f.tenant.ID, f.id("carol"))
	assert.ErrorIs(t, err, apierror.ErrInsufficientPermission)

	err = f.guard.ChangeMemberRole(ctx, f.id("erin"), f.tenant.ID, f.id("dave"), tenancy.RoleEditor)
	assert.ErrorIs(t, err, apierror.ErrUnauthorizedTenantAccess)

	err = f.guard.ChangeMemberRole(ctx, f.id("bob"), f.tenant.ID, f.id("erin"), tenancy.RoleEditor)
	assert.True(t, apierror.IsNotFound(err))

	// Anyone may leave.
	require.NoError(t, f.guard.RemoveMember(ctx, f.id("dave"), f.tenant.ID, f.id("dave")))
	removed := f.events.OfType(audit.EventMemberRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, f.id("dave"), removed[0].ResourceID)
}

func TestGuard_AuthorizeRoleChangeDirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.NoError(t, f.guard.AuthorizeRoleChange(ctx, f.tenant.ID, f.id("bob"), tenancy.RoleViewer))
	assert.NoError(t, f.guard.AuthorizeRoleChange(ctx, f.tenant.ID, f.id("alice"), tenancy.RoleOwner))
	assert.True(t, apierror.IsLastOwnerProtection(f.guard.AuthorizeRoleChange(ctx, f.tenant.ID, f.id("alice"), tenancy.RoleEditor)))
	assert.True(t, apierror.IsLastOwnerProtection(f.guard.AuthorizeRemoval(ctx, f.tenant.ID, f.id("alice"))))
	assert.NoError(t, f.guard.AuthorizeRemoval(ctx, f.tenant.ID, f.id("carol")))
	assert.Equal(t, apierror.KindInvalid, apierror.KindOf(f.guard.AuthorizeRoleChange(ctx, f.tenant.ID, f.id("bob"), tenancy.Role(42))))
}

func TestGuard_ConcurrentSelfDemotionKeepsAnOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.guard.ChangeMemberRole(ctx, f.id("alice"), f.tenant.ID, f.id("bob"), tenancy.RoleOwner))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, name := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = f.guard.ChangeMemberRole(ctx, id, f.tenant.ID, id, tenancy.RoleAdmin)
		}(i, f.id(name))
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, apierror.IsLastOwnerProtection(err), err)
		}
	}
	assert.Equal(t, 1, succeeded)

	owners, err := f.store.CountOwners(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, owners)
}

func TestGuard_AuthorizeUserDeletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.True(t, apierror.IsLastOwnerProtection(f.guard.AuthorizeUserDeletion(ctx, f.id("alice"))))
	assert.NoError(t, f.guard.AuthorizeUserDeletion(ctx, f.id("bob")))

	require.NoError(t, f.guard.ChangeMemberRole(ctx, f.id("alice"), f.tenant.ID, f.id("bob"), tenancy.RoleOwner))
	assert.NoError(t, f.guard.AuthorizeUserDeletion(ctx, f.id("alice")))
}

type brokenStore struct{ err error }

func (b brokenStore) GetMembership(context.Context, string, string) (*tenancy.Membership, error) {
	return nil, b.err
}
func (b brokenStore) CountOwners(context.Context, string) (int, error)          { return 0, b.err }
func (b brokenStore) SoleOwnedTenants(context.Context, string) ([]string, error) { return nil, b.err }
func (b brokenStore) UpdateMemberRole(context.Context, string, string, tenancy.Role) error {
	return b.err
}
func (b brokenStore) RemoveMember(context.Context, string, string) error { return b.err }

func TestGuard_UpstreamFailuresAreNotDenials(t *testing.T) {
	g := NewGuard(brokenStore{err: errors.New("connection reset")})
	ctx := context.Background()

	_, err := g.Authorize(ctx, "u-1", "t-1")
	assert.ErrorIs(t, err, apierror.ErrUpstreamFailure)

	ok, err := g.AuthorizePermission(ctx, "u-1", "t-1", tenancy.PermManageUsers)
	assert.False(t, ok)
	assert.ErrorIs(t, err, apierror.ErrUpstreamFailure)

	assert.ErrorIs(t, g.AuthorizeUserDeletion(ctx, "u-1"), apierror.ErrUpstreamFailure)
	assert.ErrorIs(t, g.AuthorizeRemoval(ctx, "t-1", "u-1"), apierror.ErrUpstreamFailure)
}
