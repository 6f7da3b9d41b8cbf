package service

import "github.com/turtacn/arena-realtime/internal/domain/models"

// Capability answers what a connection may do. It is resolved once per
// connection from the verified identity.
type Capability interface {
	Role() models.Role
	CanJoin(roomID string) bool
	CanPublish() bool
}

type ownerCapability struct{}

func (ownerCapability) Role() models.Role { return models.RoleOwner }
func (ownerCapability) CanJoin(string) bool { return true }
func (ownerCapability) CanPublish() bool { return true }

type managerCapability struct{}

func (managerCapability) Role() models.Role { return models.RoleManager }
func (managerCapability) CanJoin(string) bool { return true }
func (managerCapability) CanPublish() bool { return true }

type participantCapability struct{}

func (participantCapability) Role() models.Role { return models.RoleParticipant }
func (participantCapability) CanJoin(string) bool { return true }
func (participantCapability) CanPublish() bool { return true }

// anonymousCapability is a read-only spectator.
type anonymousCapability struct {
	allowed bool
}

func (anonymousCapability) Role() models.Role { return models.RoleAnonymous }
func (a anonymousCapability) CanJoin(string) bool { return a.allowed }
func (anonymousCapability) CanPublish() bool { return false }

// ResolveCapability maps an identity onto its capability. A nil or user-less
// identity is anonymous; allowAnonymous controls whether it may join rooms.
func ResolveCapability(identity *models.Identity, allowAnonymous bool) Capability {
	if identity.Anonymous() {
		return anonymousCapability{allowed: allowAnonymous}
	}
	switch identity.Role {
	case models.RoleOwner:
		return ownerCapability{}
	case models.RoleManager:
		return managerCapability{}
	default:
		return participantCapability{}
	}
}
