package organization

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/alecgard/cohort/internal/identity"
	"github.com/alecgard/cohort/internal/user"
)

// Errors returned by the Service layer.
var (
	ErrNotFound             = errors.New("organization not found")
	ErrNotAdmin             = errors.New("organization admin access required")
	ErrNameRequired         = errors.New("name is required")
	ErrExternalIDRequired   = errors.New("external_id is required")
	ErrBillingEmailInvalid  = errors.New("billing_email must be a valid email address")
	ErrEmployeeLimitInvalid = errors.New("employee_limit must be positive")
	ErrBelowMemberCount     = errors.New("employee_limit is below the current member count")
)

// UserLookup resolves a local user by identity-provider id.
type UserLookup interface {
	GetByExternalID(ctx context.Context, externalID string) (*user.User, error)
}

// UserDirectory is the subset of the user store the service writes through.
type UserDirectory interface {
	UserLookup
	Upsert(ctx context.Context, p user.Profile) (*user.User, error)
	SetMembership(ctx context.Context, id string, m user.Membership) error
	CountByOrganization(ctx context.Context, organizationID string) (int, error)
}

// Records is the subset of the organization store the service needs.
type Records interface {
	Create(ctx context.Context, in CreateInput) (*Organization, error)
	GetByID(ctx context.Context, id string) (*Organization, error)
	GetByExternalID(ctx context.Context, externalID string) (*Organization, error)
	SetEmployeeLimit(ctx context.Context, id string, limit int) error
}

// MembershipSource lists a user's memberships at the identity provider.
type MembershipSource interface {
	ListOrganizationMemberships(ctx context.Context, userID string) ([]identity.Membership, error)
}

// RequireAdmin returns the caller's local record if they administer the
// organization, and ErrNotAdmin otherwise.
func RequireAdmin(ctx context.Context, users UserLookup, externalUserID, organizationID string) (*user.User, error) {
	u, err := users.GetByExternalID(ctx, externalUserID)
	if err != nil {
		return nil, err
	}
	if u == nil || !u.IsAdminOf(organizationID) {
		return nil, ErrNotAdmin
	}
	return u, nil
}

// Service provides organization signup and settings.
type Service struct {
	orgs        Records
	users       UserDirectory
	memberships MembershipSource
	now         func() time.Time
}

// NewService creates a new Service.
func NewService(orgs Records, users UserDirectory, memberships MembershipSource) *Service {
	return &Service{orgs: orgs, users: users, memberships: memberships, now: time.Now}
}

// Register records a newly signed-up organization as inactive and makes the
// caller its admin. The caller must be an admin of the external organization
// at the identity provider. Registering an external id twice returns the
// existing record.
func (s *Service) Register(ctx context.Context, callerExternalID string, in CreateInput) (*Organization, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.BillingEmail = strings.TrimSpace(in.BillingEmail)
	if err := validateCreate(in); err != nil {
		return nil, err
	}
	if err := s.requireProviderAdmin(ctx, callerExternalID, in.ExternalID); err != nil {
		return nil, err
	}

	org, err := s.orgs.GetByExternalID(ctx, in.ExternalID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		org, err = s.orgs.Create(ctx, in)
		if err != nil {
			return nil, err
		}
	}

	caller, err := s.users.GetByExternalID(ctx, callerExternalID)
	if err != nil {
		return nil, err
	}
	if caller != nil && caller.IsAdminOf(org.ID) {
		return org, nil
	}
	if caller == nil {
		caller, err = s.users.Upsert(ctx, user.Profile{ExternalID: callerExternalID, Email: in.BillingEmail})
		if err != nil {
			return nil, err
		}
	}

	err = s.users.SetMembership(ctx, caller.ID, user.Membership{
		OrganizationID: org.ID,
		Role:           user.RoleAdmin,
		AcceptedDate:   s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("assigning organization admin: %w", err)
	}
	return org, nil
}

// requireProviderAdmin returns ErrNotAdmin unless the identity provider lists
// the caller as an admin of the external organization.
func (s *Service) requireProviderAdmin(ctx context.Context, callerExternalID, externalOrgID string) error {
	memberships, err := s.memberships.ListOrganizationMemberships(ctx, callerExternalID)
	if err != nil {
		return fmt.Errorf("verifying organization membership: %w", err)
	}
	for _, m := range memberships {
		if m.OrganizationID == externalOrgID && user.MapExternalRole(m.Role) == user.RoleAdmin {
			return nil
		}
	}
	return ErrNotAdmin
}

// SetEmployeeLimit changes the seat limit. The new limit may not drop below
// the number of current members.
func (s *Service) SetEmployeeLimit(ctx context.Context, callerExternalID, organizationID string, limit int) (*Organization, error) {
	if limit <= 0 {
		return nil, ErrEmployeeLimitInvalid
	}
	if _, err := RequireAdmin(ctx, s.users, callerExternalID, organizationID); err != nil {
		return nil, err
	}

	org, err := s.orgs.GetByID(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, ErrNotFound
	}

	members, err := s.users.CountByOrganization(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if limit < members {
		return nil, ErrBelowMemberCount
	}

	if err := s.orgs.SetEmployeeLimit(ctx, organizationID, limit); err != nil {
		return nil, err
	}
	org.EmployeeLimit = limit
	return org, nil
}

func validateCreate(in CreateInput) error {
	if in.ExternalID == "" {
		return ErrExternalIDRequired
	}
	if in.Name == "" {
		return ErrNameRequired
	}
	if _, err := mail.ParseAddress(in.BillingEmail); err != nil {
		return ErrBillingEmailInvalid
	}
	if in.EmployeeLimit <= 0 {
		return ErrEmployeeLimitInvalid
	}
	return nil
}
