package user

import (
	"strings"
	"time"
)

// Role is a user's role within their organization.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEmployee Role = "employee"
)

// MapExternalRole converts an identity-provider role claim to a local role.
// Only an admin role maps to RoleAdmin; the provider may namespace it as
// "org:admin".
func MapExternalRole(external string) Role {
	if strings.TrimPrefix(external, "org:") == string(RoleAdmin) {
		return RoleAdmin
	}
	return RoleEmployee
}

// User is the local mirror of an identity-provider account. Organization
// membership is carried inline: a user belongs to at most one organization.
type User struct {
	ID             string     `json:"id"`
	ExternalID     string     `json:"external_id"`
	Email          string     `json:"email"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	ImageURL       string     `json:"image_url"`
	OrganizationID *string    `json:"organization_id,omitempty"`
	Role           Role       `json:"role,omitempty"`
	InvitedDate    *time.Time `json:"invited_date,omitempty"`
	AcceptedDate   *time.Time `json:"accepted_date,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// DisplayName joins first and last name, falling back to the email.
func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

// BelongsTo reports whether the user is a member of the organization.
func (u *User) BelongsTo(organizationID string) bool {
	return u.OrganizationID != nil && *u.OrganizationID == organizationID
}

// IsAdminOf reports whether the user administers the organization.
func (u *User) IsAdminOf(organizationID string) bool {
	return u.BelongsTo(organizationID) && u.Role == RoleAdmin
}

// Profile holds the mutable identity fields written by an upsert.
type Profile struct {
	ExternalID string
	Email      string
	FirstName  string
	LastName   string
	ImageURL   string
}

// Membership is the organization association applied to a user.
type Membership struct {
	OrganizationID string
	Role           Role
	InvitedDate    *time.Time
	AcceptedDate   time.Time
}
