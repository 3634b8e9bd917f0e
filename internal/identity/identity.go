// Package identity is the boundary to the external identity provider: user
// profiles, organization memberships and organization invitations.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/alecgard/cohort/internal/user"
)

// ErrAlreadyMember is returned when a membership already exists. Callers
// treat it as success.
var ErrAlreadyMember = errors.New("user is already a member of the organization")

// User is an identity-provider account.
type User struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	ImageURL  string
}

// Profile converts the account into the fields mirrored locally.
func (u *User) Profile() user.Profile {
	return user.Profile{
		ExternalID: u.ID,
		Email:      u.Email,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		ImageURL:   u.ImageURL,
	}
}

// Membership is a user's membership in a provider organization. Role is the
// raw provider role; see user.MapExternalRole.
type Membership struct {
	OrganizationID   string
	OrganizationName string
	Role             string
}

// InvitationStatus is the provider-side invitation status.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRevoked  InvitationStatus = "revoked"
	InvitationExpired  InvitationStatus = "expired"
)

// Invitation is an organization invitation held by the provider.
type Invitation struct {
	ID             string
	OrganizationID string
	Email          string
	Role           string
	Status         InvitationStatus
	CreatedAt      time.Time
}

// InvitationRequest describes an invitation to create.
type InvitationRequest struct {
	OrganizationID string
	Email          string
	Role           user.Role
	InviterUserID  string
	RedirectURL    string
}

// Provider is the set of identity-provider calls the service depends on.
type Provider interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	ListOrganizationMemberships(ctx context.Context, userID string) ([]Membership, error)
	CreateOrganizationInvitation(ctx context.Context, req InvitationRequest) (*Invitation, error)
	// ListOrganizationInvitations returns invitations with the given status,
	// or all invitations when status is empty.
	ListOrganizationInvitations(ctx context.Context, organizationID string, status InvitationStatus) ([]Invitation, error)
	CreateOrganizationMembership(ctx context.Context, organizationID, userID string, role user.Role) error
	RevokeInvitation(ctx context.Context, organizationID, invitationID string) error
}
