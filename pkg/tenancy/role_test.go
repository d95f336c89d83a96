package tenancy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleOrdering(t *testing.T) {
	assert.True(t, RoleOwner.AtLeast(RoleAdmin))
	assert.True(t, RoleAdmin.AtLeast(RoleAdmin))
	assert.True(t, RoleEditor.AtLeast(RoleViewer))
	assert.False(t, RoleViewer.AtLeast(RoleEditor))
	assert.False(t, RoleUnknown.AtLeast(RoleUnknown))
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{in: "owner", want: RoleOwner},
		{in: " Admin ", want: RoleAdmin},
		{in: "EDITOR", want: RoleEditor},
		{in: "viewer", want: RoleViewer},
		{in: "superuser", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoleScanAndValue(t *testing.T) {
	v, err := RoleAdmin.Value()
	require.NoError(t, err)
	assert.Equal(t, "admin", v)

	var r Role
	require.NoError(t, r.Scan([]byte("editor")))
	assert.Equal(t, RoleEditor, r)
	assert.Error(t, r.Scan(42))

	_, err = RoleUnknown.Value()
	assert.Error(t, err)
}

func TestPermissionSetJSON(t *testing.T) {
	set := NewPermissionSet(PermManageProjects, PermManageBilling)

	data, err := json.Marshal(set)
	require.NoError(t, err)
	assert.JSONEq(t, `["manage_billing","manage_projects"]`, string(data))

	var decoded PermissionSet
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, set, decoded)

	assert.Error(t, json.Unmarshal([]byte(`["manage_everything"]`), &decoded))
}

func TestPermissionSetScanNull(t *testing.T) {
	set := NewPermissionSet(PermDeleteTenant)
	require.NoError(t, set.Scan(nil))
	assert.Equal(t, PermissionSet(0), set)
}

func TestMembershipEffective(t *testing.T) {
	tests := []struct {
		name       string
		membership *Membership
		perm       Permission
		want       bool
	}{
		{
			name:       "owner holds everything with empty map",
			membership: &Membership{Role: RoleOwner, Active: true},
			perm:       PermDeleteTenant,
			want:       true,
		},
		{
			name:       "admin floor includes manage users",
			membership: &Membership{Role: RoleAdmin, Active: true},
			perm:       PermManageUsers,
			want:       true,
		},
		{
			name:       "admin lacks billing without grant",
			membership: &Membership{Role: RoleAdmin, Active: true},
			perm:       PermManageBilling,
			want:       false,
		},
		{
			name:       "explicit grant extends editor",
			membership: &Membership{Role: RoleEditor, Active: true, Permissions: NewPermissionSet(PermManageBilling)},
			perm:       PermManageBilling,
			want:       true,
		},
		{
			name:       "viewer denied by default",
			membership: &Membership{Role: RoleViewer, Active: true},
			perm:       PermManageProjects,
			want:       false,
		},
		{
			name:       "inactive membership holds nothing",
			membership: &Membership{Role: RoleOwner, Active: false},
			perm:       PermManageProjects,
			want:       false,
		},
		{
			name:       "nil membership holds nothing",
			membership: nil,
			perm:       PermManageProjects,
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.membership.Can(tt.perm))
		})
	}
}

func TestSettings(t *testing.T) {
	var s Settings
	require.NoError(t, s.Scan(`{"beta_search":true,"theme":"dark"}`))
	assert.True(t, s.Enabled("beta_search"))
	assert.False(t, s.Enabled("theme"))
	assert.False(t, s.Enabled("missing"))

	v, err := Settings(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "alice@example.com", NormalizeEmail("  Alice@Example.COM "))
}
