package tenancy

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Role is a member's rank within a tenant. Roles are totally ordered:
// owner > admin > editor > viewer.
type Role int

const (
	RoleUnknown Role = iota
	RoleViewer
	RoleEditor
	RoleAdmin
	RoleOwner
)

var roleNames = map[Role]string{
	RoleViewer: "viewer",
	RoleEditor: "editor",
	RoleAdmin:  "admin",
	RoleOwner:  "owner",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// AtLeast reports whether r ranks at or above other.
func (r Role) AtLeast(other Role) bool {
	return r.Valid() && r >= other
}

// ParseRole converts a role name into a Role.
func ParseRole(s string) (Role, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for role, name := range roleNames {
		if name == normalized {
			return role, nil
		}
	}
	return RoleUnknown, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Value stores the role by name.
func (r Role) Value() (driver.Value, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("cannot store invalid role %d", int(r))
	}
	return r.String(), nil
}

func (r *Role) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return r.UnmarshalText([]byte(v))
	case []byte:
		return r.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into Role", src)
	}
}

// Permission is a single capability within a tenant.
type Permission uint32

const (
	PermManageUsers Permission = 1 << iota
	PermManageSettings
	PermManageProjects
	PermManageBilling
	PermDeleteTenant
)

var permissionNames = map[Permission]string{
	PermManageUsers:    "manage_users",
	PermManageSettings: "manage_settings",
	PermManageProjects: "manage_projects",
	PermManageBilling:  "manage_billing",
	PermDeleteTenant:   "delete_tenant",
}

// AllPermissions lists every defined permission in declaration order.
var AllPermissions = []Permission{
	PermManageUsers,
	PermManageSettings,
	PermManageProjects,
	PermManageBilling,
	PermDeleteTenant,
}

func (p Permission) String() string {
	if name, ok := permissionNames[p]; ok {
		return name
	}
	return fmt.Sprintf("permission(%d)", uint32(p))
}

// ParsePermission converts a permission name into a Permission.
func ParsePermission(s string) (Permission, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for perm, name := range permissionNames {
		if name == normalized {
			return perm, nil
		}
	}
	return 0, fmt.Errorf("unknown permission %q", s)
}

// PermissionSet is a closed bit set of permissions.
type PermissionSet uint32

// FullPermissionSet contains every defined permission.
var FullPermissionSet = NewPermissionSet(AllPermissions...)

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	var s PermissionSet
	for _, p := range perms {
		s |= PermissionSet(p)
	}
	return s
}

// Has reports whether p is in the set.
func (s PermissionSet) Has(p Permission) bool {
	return p != 0 && s&PermissionSet(p) == PermissionSet(p)
}

// With returns a copy of s including perms.
func (s PermissionSet) With(perms ...Permission) PermissionSet {
	return s | NewPermissionSet(perms...)
}

// Without returns a copy of s excluding perms.
func (s PermissionSet) Without(perms ...Permission) PermissionSet {
	return s &^ NewPermissionSet(perms...)
}

// Union merges two sets.
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	return s | other
}

// List returns the permissions in declaration order.
func (s PermissionSet) List() []Permission {
	perms := make([]Permission, 0, len(AllPermissions))
	for _, p := range AllPermissions {
		if s.Has(p) {
			perms = append(perms, p)
		}
	}
	return perms
}

// Names returns the permission names, sorted.
func (s PermissionSet) Names() []string {
	names := make([]string, 0, len(AllPermissions))
	for _, p := range s.List() {
		names = append(names, p.String())
	}
	sort.Strings(names)
	return names
}

func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("permissions must be a list of names: %w", err)
	}
	var set PermissionSet
	for _, name := range names {
		p, err := ParsePermission(name)
		if err != nil {
			return err
		}
		set = set.With(p)
	}
	*s = set
	return nil
}

// Value stores the set as a JSON array of names.
func (s PermissionSet) Value() (driver.Value, error) {
	data, err := s.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *PermissionSet) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = 0
		return nil
	case string:
		return s.UnmarshalJSON([]byte(v))
	case []byte:
		return s.UnmarshalJSON(v)
	default:
		return fmt.Errorf("cannot scan %T into PermissionSet", src)
	}
}

// roleFloor is the set of permissions each role grants regardless of
// explicit grants. Owner is handled separately and always holds everything.
var roleFloor = map[Role]PermissionSet{
	RoleOwner:  FullPermissionSet,
	RoleAdmin:  NewPermissionSet(PermManageUsers, PermManageSettings, PermManageProjects),
	RoleEditor: NewPermissionSet(PermManageProjects),
	RoleViewer: 0,
}

// RoleFloor returns the permissions implied by role alone.
func RoleFloor(role Role) PermissionSet {
	return roleFloor[role]
}
