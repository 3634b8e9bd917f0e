package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/cohort/internal/user"
	"github.com/clerk/clerk-sdk-go/v2"
	"github.com/clerk/clerk-sdk-go/v2/organizationinvitation"
	"github.com/clerk/clerk-sdk-go/v2/organizationmembership"
	clerkuser "github.com/clerk/clerk-sdk-go/v2/user"
)

const (
	clerkPageSize = 100

	clerkRoleAdmin  = "org:admin"
	clerkRoleMember = "org:member"

	clerkAlreadyMemberCode = "already_a_member_in_organization"
)

// Clerk implements Provider on top of the Clerk backend API.
type Clerk struct {
	getUser             func(ctx context.Context, id string) (*clerk.User, error)
	listUserMemberships func(ctx context.Context, id string, params *clerkuser.ListOrganizationMembershipsParams) (*clerk.OrganizationMembershipList, error)
	createInvitation    func(ctx context.Context, params *organizationinvitation.CreateParams) (*clerk.OrganizationInvitation, error)
	listInvitations     func(ctx context.Context, params *organizationinvitation.ListParams) (*clerk.OrganizationInvitationList, error)
	revokeInvitation    func(ctx context.Context, params *organizationinvitation.RevokeParams) (*clerk.OrganizationInvitation, error)
	createMembership    func(ctx context.Context, params *organizationmembership.CreateParams) (*clerk.OrganizationMembership, error)
}

// NewClerk creates a Clerk adapter authenticated with the given secret key.
func NewClerk(secretKey string) *Clerk {
	config := &clerk.ClientConfig{}
	config.Key = clerk.String(secretKey)

	users := clerkuser.NewClient(config)
	invitations := organizationinvitation.NewClient(config)
	memberships := organizationmembership.NewClient(config)

	return &Clerk{
		getUser:             users.Get,
		listUserMemberships: users.ListOrganizationMemberships,
		createInvitation:    invitations.Create,
		listInvitations:     invitations.List,
		revokeInvitation:    invitations.Revoke,
		createMembership:    memberships.Create,
	}
}

// GetUser fetches a user profile, resolving the primary email address.
func (c *Clerk) GetUser(ctx context.Context, userID string) (*User, error) {
	u, err := c.getUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetching user %s: %w", userID, err)
	}
	return fromClerkUser(u), nil
}

// ListOrganizationMemberships returns every organization the user belongs to.
func (c *Clerk) ListOrganizationMemberships(ctx context.Context, userID string) ([]Membership, error) {
	var out []Membership
	for offset := int64(0); ; offset += clerkPageSize {
		params := &clerkuser.ListOrganizationMembershipsParams{}
		params.Limit = clerk.Int64(clerkPageSize)
		params.Offset = clerk.Int64(offset)

		page, err := c.listUserMemberships(ctx, userID, params)
		if err != nil {
			return nil, fmt.Errorf("listing memberships for %s: %w", userID, err)
		}
		for _, m := range page.OrganizationMemberships {
			if m.Organization == nil {
				continue
			}
			out = append(out, Membership{
				OrganizationID:   m.Organization.ID,
				OrganizationName: m.Organization.Name,
				Role:             m.Role,
			})
		}
		if int64(len(page.OrganizationMemberships)) < clerkPageSize || offset+clerkPageSize >= page.TotalCount {
			return out, nil
		}
	}
}

// CreateOrganizationInvitation creates a pending invitation.
func (c *Clerk) CreateOrganizationInvitation(ctx context.Context, req InvitationRequest) (*Invitation, error) {
	params := &organizationinvitation.CreateParams{
		OrganizationID: req.OrganizationID,
		EmailAddress:   clerk.String(req.Email),
		Role:           clerk.String(clerkRole(req.Role)),
	}
	if req.InviterUserID != "" {
		params.InviterUserID = clerk.String(req.InviterUserID)
	}
	if req.RedirectURL != "" {
		params.RedirectURL = clerk.String(req.RedirectURL)
	}

	inv, err := c.createInvitation(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("creating invitation for %s: %w", req.Email, err)
	}
	out := fromClerkInvitation(inv)
	return &out, nil
}

// ListOrganizationInvitations lists the organization's invitations, filtered
// by status when one is given.
func (c *Clerk) ListOrganizationInvitations(ctx context.Context, organizationID string, status InvitationStatus) ([]Invitation, error) {
	var out []Invitation
	for offset := int64(0); ; offset += clerkPageSize {
		params := &organizationinvitation.ListParams{OrganizationID: organizationID}
		params.Limit = clerk.Int64(clerkPageSize)
		params.Offset = clerk.Int64(offset)

		page, err := c.listInvitations(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("listing invitations for %s: %w", organizationID, err)
		}
		for _, inv := range page.OrganizationInvitations {
			converted := fromClerkInvitation(inv)
			if status == "" || converted.Status == status {
				out = append(out, converted)
			}
		}
		if int64(len(page.OrganizationInvitations)) < clerkPageSize || offset+clerkPageSize >= page.TotalCount {
			return out, nil
		}
	}
}

// CreateOrganizationMembership adds the user to the organization. An existing
// membership yields ErrAlreadyMember.
func (c *Clerk) CreateOrganizationMembership(ctx context.Context, organizationID, userID string, role user.Role) error {
	_, err := c.createMembership(ctx, &organizationmembership.CreateParams{
		OrganizationID: organizationID,
		UserID:         clerk.String(userID),
		Role:           clerk.String(clerkRole(role)),
	})
	if err == nil {
		return nil
	}
	if isAlreadyMember(err) {
		return ErrAlreadyMember
	}
	return fmt.Errorf("creating membership in %s: %w", organizationID, err)
}

// RevokeInvitation revokes a pending invitation.
func (c *Clerk) RevokeInvitation(ctx context.Context, organizationID, invitationID string) error {
	_, err := c.revokeInvitation(ctx, &organizationinvitation.RevokeParams{
		OrganizationID: organizationID,
		ID:             invitationID,
	})
	if err != nil {
		return fmt.Errorf("revoking invitation %s: %w", invitationID, err)
	}
	return nil
}

func clerkRole(r user.Role) string {
	if r == user.RoleAdmin {
		return clerkRoleAdmin
	}
	return clerkRoleMember
}

func isAlreadyMember(err error) bool {
	var apiErr *clerk.APIErrorResponse
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, e := range apiErr.Errors {
		if e.Code == clerkAlreadyMemberCode {
			return true
		}
	}
	return false
}

func fromClerkUser(u *clerk.User) *User {
	out := &User{
		ID:        u.ID,
		FirstName: deref(u.FirstName),
		LastName:  deref(u.LastName),
		ImageURL:  deref(u.ImageURL),
	}
	primary := deref(u.PrimaryEmailAddressID)
	for _, addr := range u.EmailAddresses {
		if addr == nil {
			continue
		}
		if out.Email == "" || addr.ID == primary {
			out.Email = addr.EmailAddress
		}
		if addr.ID == primary {
			break
		}
	}
	return out
}

func fromClerkInvitation(inv *clerk.OrganizationInvitation) Invitation {
	return Invitation{
		ID:             inv.ID,
		OrganizationID: inv.OrganizationID,
		Email:          inv.EmailAddress,
		Role:           inv.Role,
		Status:         InvitationStatus(inv.Status),
		CreatedAt:      time.UnixMilli(inv.CreatedAt),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
