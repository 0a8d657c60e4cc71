package access

import "strings"

// Role is a closed set of user roles known to the approval core.
type Role string

const (
	RoleSuperAdmin     Role = "superadmin"
	RoleRegionAdmin    Role = "regionadmin"
	RoleSectorAdmin    Role = "sectoradmin"
	RoleSchoolAdmin    Role = "schooladmin"
	RoleRegionOperator Role = "regionoperator"
	RoleTeacher        Role = "teacher"
	RoleSystem         Role = "system"
)

// ScopeKind is the shape of visibility a role resolves to.
type ScopeKind int

const (
	// ScopeOwn sees own submissions plus requests waiting on the role.
	ScopeOwn ScopeKind = iota
	// ScopeGlobal sees everything.
	ScopeGlobal
	// ScopeSubtree sees institutions strictly below the home institution.
	ScopeSubtree
	// ScopeInstitution sees the home institution only.
	ScopeInstitution
	// ScopeSystem is the internal sweeper identity.
	ScopeSystem
)

// ParseRole normalizes a role string. Unknown roles are kept verbatim and
// resolve to ScopeOwn.
func ParseRole(s string) Role {
	return Role(strings.ToLower(strings.TrimSpace(s)))
}

// Kind maps the role onto its scope kind.
func (r Role) Kind() ScopeKind {
	switch r {
	case RoleSuperAdmin:
		return ScopeGlobal
	case RoleRegionAdmin, RoleSectorAdmin:
		return ScopeSubtree
	case RoleSchoolAdmin:
		return ScopeInstitution
	case RoleSystem:
		return ScopeSystem
	default:
		return ScopeOwn
	}
}

// IsOverride reports whether an approval by this role always completes the
// request.
func (r Role) IsOverride() bool { return r == RoleSuperAdmin }

func (r Role) String() string { return string(r) }

// Actor is the identity an operation runs as.
type Actor struct {
	UserID        int64
	Role          Role
	InstitutionID int64
}

// SystemActor is the identity used by background sweeps.
func SystemActor() Actor {
	return Actor{UserID: 0, Role: RoleSystem}
}

// IsSystem reports whether a is the internal sweeper identity.
func (a Actor) IsSystem() bool { return a.Role == RoleSystem }
