package models

// Role represents a participant's role in a campaign.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleDM     Role = "dm"
	RolePlayer Role = "player"
	RoleViewer Role = "viewer"
)

// roleRank orders roles from least to most privileged. Unknown roles rank below viewer.
var roleRank = map[Role]int{
	RoleViewer: 1,
	RolePlayer: 2,
	RoleDM:     3,
	RoleOwner:  4,
}

// Valid reports whether r is one of the known campaign roles.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Rank returns the privilege rank of r (0 for unknown roles).
func (r Role) Rank() int {
	return roleRank[r]
}

// Outranks reports whether r is strictly more privileged than other.
func (r Role) Outranks(other Role) bool {
	return r.Rank() > other.Rank()
}

// Privileged reports whether r may act on any participant (owner, dm).
func (r Role) Privileged() bool {
	return r == RoleOwner || r == RoleDM
}

// ReadOnly reports whether r may not issue mutating commands.
func (r Role) ReadOnly() bool {
	return r == RoleViewer || !r.Valid()
}

// Lower returns the less privileged of a and b.
func Lower(a, b Role) Role {
	if a.Rank() <= b.Rank() {
		return a
	}
	return b
}

// ParseRole returns the role for s, or ok=false when s is not a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	return r, r.Valid()
}
