// Package invitation issues, validates, accepts and revokes organization
// invitations. The identity provider is the only store of invitation state;
// nothing about pending invitations is kept locally.
package invitation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alecgard/cohort/internal/email"
	"github.com/alecgard/cohort/internal/identity"
	"github.com/alecgard/cohort/internal/organization"
	"github.com/alecgard/cohort/internal/reconcile"
	"github.com/alecgard/cohort/internal/user"
)

// DefaultTTL is how long a pending invitation stays usable after creation.
const DefaultTTL = 7 * 24 * time.Hour

// Errors returned by the Manager.
var (
	ErrNotFound      = errors.New("invitation not found or expired")
	ErrAlreadyUsed   = errors.New("invitation has already been used or revoked")
	ErrEmailMismatch = errors.New("invitation was sent to a different email address")
	ErrNoRecipients  = errors.New("at least one valid email address is required")
	ErrSeatLimit     = errors.New("invitations would exceed the organization's employee limit")
)

// Provider is the subset of the identity provider the manager calls.
type Provider interface {
	GetUser(ctx context.Context, userID string) (*identity.User, error)
	CreateOrganizationInvitation(ctx context.Context, req identity.InvitationRequest) (*identity.Invitation, error)
	ListOrganizationInvitations(ctx context.Context, organizationID string, status identity.InvitationStatus) ([]identity.Invitation, error)
	CreateOrganizationMembership(ctx context.Context, organizationID, userID string, role user.Role) error
	RevokeInvitation(ctx context.Context, organizationID, invitationID string) error
}

// Organizations lists the organizations known locally.
type Organizations interface {
	GetByID(ctx context.Context, id string) (*organization.Organization, error)
	List(ctx context.Context) ([]*organization.Organization, error)
}

// Users is the subset of the user store the manager reads.
type Users interface {
	GetByExternalID(ctx context.Context, externalID string) (*user.User, error)
	CountByOrganization(ctx context.Context, organizationID string) (int, error)
}

// MembershipApplier records an accepted membership locally.
type MembershipApplier interface {
	ApplyMembership(ctx context.Context, ch reconcile.MembershipChange) (reconcile.Outcome, error)
}

// Recorder counts invitation operations.
type Recorder interface {
	IncInvitation(operation, outcome string)
}

// Config holds the manager's settings.
type Config struct {
	BaseURL     string
	From        string
	TTL         time.Duration
	Concurrency int
}

// Deps bundles the manager's collaborators.
type Deps struct {
	Provider      Provider
	Organizations Organizations
	Users         Users
	Memberships   MembershipApplier
	Sender        email.Sender
}

// Manager implements the invitation lifecycle.
type Manager struct {
	deps     Deps
	cfg      Config
	recorder Recorder
	now      func() time.Time
}

// NewManager creates a Manager. Zero TTL and concurrency take defaults.
func NewManager(deps Deps, cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 8
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Manager{deps: deps, cfg: cfg, now: time.Now}
}

// SetRecorder attaches a metrics recorder.
func (m *Manager) SetRecorder(r Recorder) {
	m.recorder = r
}

func (m *Manager) record(operation, outcome string) {
	if m.recorder != nil {
		m.recorder.IncInvitation(operation, outcome)
	}
}

// Link returns the shareable join link for an invitation. The id inside it
// acts as a bearer ticket.
func (m *Manager) Link(invitationID string) string {
	return m.cfg.BaseURL + "/employee-join/" + invitationID
}

// IssueRequest is a batch of invitations to one organization.
type IssueRequest struct {
	OrganizationID string    `json:"-"`
	InviterUserID  string    `json:"-"`
	Emails         []string  `json:"emails"`
	Role           user.Role `json:"role"`
}

// AddressResult is the outcome for a single address.
type AddressResult struct {
	Email        string `json:"email"`
	InvitationID string `json:"invitation_id,omitempty"`
	Link         string `json:"link,omitempty"`
	Error        string `json:"error,omitempty"`
	EmailWarning string `json:"email_warning,omitempty"`
}

// IssueResult summarises a batch. A batch with failures is still a result,
// not an error.
type IssueResult struct {
	Results       []AddressResult `json:"results"`
	Sent          int             `json:"sent"`
	Failed        int             `json:"failed"`
	FirstError    string          `json:"first_error,omitempty"`
	EmailWarnings int             `json:"email_warnings"`
}

// Issue creates one invitation per address and emails each a join link.
// Addresses are independent: one failure neither cancels nor rolls back the
// others, and an email failure leaves the invitation in place.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	inviter, err := organization.RequireAdmin(ctx, m.deps.Users, req.InviterUserID, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	org, err := m.deps.Organizations.GetByID(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, organization.ErrNotFound
	}
	if req.Role != user.RoleAdmin {
		req.Role = user.RoleEmployee
	}

	results, valid := normalizeEmails(req.Emails)
	if len(valid) == 0 {
		return nil, ErrNoRecipients
	}
	if err := m.checkSeats(ctx, org, len(valid)); err != nil {
		return nil, err
	}

	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Concurrency)
	for _, i := range valid {
		g.Go(func() error {
			m.issueOne(ctx, org, inviter, req.Role, &results[i])
			return nil
		})
	}
	_ = g.Wait()

	out := &IssueResult{Results: results}
	for _, r := range results {
		switch {
		case r.Error != "":
			out.Failed++
			if out.FirstError == "" {
				out.FirstError = r.Email + ": " + r.Error
			}
		default:
			out.Sent++
		}
		if r.EmailWarning != "" {
			out.EmailWarnings++
		}
	}
	slog.Info("invitations issued",
		"organization_id", org.ID,
		"sent", out.Sent,
		"failed", out.Failed,
		"email_warnings", out.EmailWarnings,
	)
	return out, nil
}

// normalizeEmails parses and deduplicates addresses. Invalid ones get an
// error result in place; valid holds the indexes still to be sent.
func normalizeEmails(raw []string) (results []AddressResult, valid []int) {
	seen := make(map[string]bool, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		addr, err := mail.ParseAddress(s)
		if err != nil {
			results = append(results, AddressResult{Email: s, Error: "invalid email address"})
			continue
		}
		key := strings.ToLower(addr.Address)
		if seen[key] {
			continue
		}
		seen[key] = true
		valid = append(valid, len(results))
		results = append(results, AddressResult{Email: key})
	}
	return results, valid
}

func (m *Manager) checkSeats(ctx context.Context, org *organization.Organization, batch int) error {
	if org.EmployeeLimit <= 0 {
		return nil
	}
	members, err := m.deps.Users.CountByOrganization(ctx, org.ID)
	if err != nil {
		return err
	}
	pending, err := m.deps.Provider.ListOrganizationInvitations(ctx, org.ExternalID, identity.InvitationPending)
	if err != nil {
		return err
	}
	// Pending invitations past the TTL can no longer be accepted.
	now := m.now()
	live := 0
	for _, inv := range pending {
		if !now.After(inv.CreatedAt.Add(m.cfg.TTL)) {
			live++
		}
	}
	if members+live+batch > org.EmployeeLimit {
		return ErrSeatLimit
	}
	return nil
}

func (m *Manager) issueOne(ctx context.Context, org *organization.Organization, inviter *user.User, role user.Role, r *AddressResult) {
	inv, err := m.deps.Provider.CreateOrganizationInvitation(ctx, identity.InvitationRequest{
		OrganizationID: org.ExternalID,
		Email:          r.Email,
		Role:           role,
		InviterUserID:  inviter.ExternalID,
		RedirectURL:    m.cfg.BaseURL + "/employee-join",
	})
	if err != nil {
		slog.Warn("invitation failed", "organization_id", org.ID, "email", r.Email, "error", err)
		r.Error = err.Error()
		m.record("issue", "failed")
		return
	}
	r.InvitationID = inv.ID
	r.Link = m.Link(inv.ID)
	m.record("issue", "sent")

	if err := m.notify(ctx, org, inviter, role, r); err != nil {
		slog.Warn("invitation email failed", "organization_id", org.ID, "invitation_id", inv.ID, "error", err)
		r.EmailWarning = "invitation created but the email could not be sent; share the link manually"
		m.record("email", "failed")
	}
}

func (m *Manager) notify(ctx context.Context, org *organization.Organization, inviter *user.User, role user.Role, r *AddressResult) error {
	subject, html, text, err := email.RenderInvitation(email.InvitationData{
		OrganizationName: org.Name,
		InviterName:      inviter.DisplayName(),
		Role:             string(role),
		Link:             r.Link,
		ExpiresInDays:    int(m.cfg.TTL / (24 * time.Hour)),
	})
	if err != nil {
		return err
	}
	return m.deps.Sender.Send(ctx, email.Message{
		From:    m.cfg.From,
		To:      r.Email,
		Subject: subject,
		HTML:    html,
		Text:    text,
		Tag:     "invitation",
	})
}

// Details describes a located invitation.
type Details struct {
	InvitationID     string                    `json:"invitation_id"`
	Email            string                    `json:"email"`
	OrganizationID   string                    `json:"organization_id"`
	OrganizationName string                    `json:"organization_name"`
	Role             user.Role                 `json:"role"`
	Status           identity.InvitationStatus `json:"status"`
	CreatedAt        time.Time                 `json:"created_at"`
	ExpiresAt        time.Time                 `json:"expires_at"`

	externalOrgID string
}

// Expired reports whether a pending invitation has outlived its TTL.
func (d *Details) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}

// locate scans every known organization for the invitation, whatever its
// status.
func (m *Manager) locate(ctx context.Context, invitationID string) (*Details, error) {
	invitationID = strings.TrimSpace(invitationID)
	if invitationID == "" {
		return nil, ErrNotFound
	}
	orgs, err := m.deps.Organizations.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, org := range orgs {
		invs, err := m.deps.Provider.ListOrganizationInvitations(ctx, org.ExternalID, "")
		if err != nil {
			return nil, fmt.Errorf("scanning invitations: %w", err)
		}
		for _, inv := range invs {
			if inv.ID != invitationID {
				continue
			}
			return &Details{
				InvitationID:     inv.ID,
				Email:            inv.Email,
				OrganizationID:   org.ID,
				OrganizationName: org.Name,
				Role:             user.MapExternalRole(inv.Role),
				Status:           inv.Status,
				CreatedAt:        inv.CreatedAt,
				ExpiresAt:        inv.CreatedAt.Add(m.cfg.TTL),
				externalOrgID:    org.ExternalID,
			}, nil
		}
	}
	return nil, ErrNotFound
}

// Validate returns a usable invitation. Unknown, provider-expired and
// locally expired invitations are ErrNotFound; accepted and revoked ones are
// ErrAlreadyUsed.
func (m *Manager) Validate(ctx context.Context, invitationID string) (*Details, error) {
	d, err := m.locate(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case identity.InvitationPending:
		if d.Expired(m.now()) {
			return nil, ErrNotFound
		}
		return d, nil
	case identity.InvitationAccepted, identity.InvitationRevoked:
		return nil, ErrAlreadyUsed
	default:
		return nil, ErrNotFound
	}
}

// Accept joins the signed-in user to the invitation's organization and
// records the membership locally without waiting for the webhook.
func (m *Manager) Accept(ctx context.Context, userID, invitationID string) (*Details, error) {
	d, err := m.Validate(ctx, invitationID)
	if err != nil {
		m.record("accept", "rejected")
		return nil, err
	}

	account, err := m.deps.Provider.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(strings.TrimSpace(account.Email), strings.TrimSpace(d.Email)) {
		m.record("accept", "rejected")
		return nil, ErrEmailMismatch
	}

	err = m.deps.Provider.CreateOrganizationMembership(ctx, d.externalOrgID, userID, d.Role)
	if err != nil && !errors.Is(err, identity.ErrAlreadyMember) {
		return nil, err
	}

	invited := d.CreatedAt
	_, err = m.deps.Memberships.ApplyMembership(ctx, reconcile.MembershipChange{
		ExternalUserID: userID,
		ExternalOrgID:  d.externalOrgID,
		Role:           string(d.Role),
		InvitedAt:      &invited,
	})
	if err != nil {
		return nil, fmt.Errorf("recording membership: %w", err)
	}

	m.record("accept", "accepted")
	slog.Info("invitation accepted", "invitation_id", d.InvitationID, "organization_id", d.OrganizationID, "user_id", userID)
	return d, nil
}

// Revoke withdraws a pending invitation. Only an admin of the invitation's
// organization may revoke it.
func (m *Manager) Revoke(ctx context.Context, actorUserID, invitationID string) error {
	d, err := m.locate(ctx, invitationID)
	if err != nil {
		return err
	}
	if _, err := organization.RequireAdmin(ctx, m.deps.Users, actorUserID, d.OrganizationID); err != nil {
		return err
	}
	if d.Status != identity.InvitationPending {
		return ErrAlreadyUsed
	}
	if err := m.deps.Provider.RevokeInvitation(ctx, d.externalOrgID, d.InvitationID); err != nil {
		return err
	}
	m.record("revoke", "revoked")
	return nil
}
