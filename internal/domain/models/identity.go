package models

// Role is the platform role carried in the access token.
type Role string

const (
	RoleOwner       Role = "owner"
	RoleManager     Role = "manager"
	RoleParticipant Role = "participant"
	RoleAnonymous   Role = "anonymous"
)

// ParseRole maps a claim value onto a Role. Unknown values resolve to
// participant for authenticated users.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleOwner, RoleManager, RoleParticipant:
		return Role(s)
	default:
		return RoleParticipant
	}
}

// Identity is the verified caller behind a connection.
type Identity struct {
	UserID string
	Role   Role
}

// AnonymousIdentity is used when no credentials were presented.
func AnonymousIdentity() *Identity {
	return &Identity{Role: RoleAnonymous}
}

// Anonymous reports whether the identity carries no user.
func (i *Identity) Anonymous() bool {
	return i == nil || i.UserID == ""
}
