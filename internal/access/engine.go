// Package access decides whether a user may view a course. It is the single
// authority for that question; page guards, API routes and purchase
// eligibility checks all delegate to Engine.
package access

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alecgard/cohort/internal/identity"
	"github.com/alecgard/cohort/internal/organization"
	"github.com/alecgard/cohort/internal/user"
)

// Type classifies how access was granted.
type Type string

const (
	TypeOrganization Type = "organization"
	TypeIndividual   Type = "individual"
	TypeNone         Type = "none"
)

// Deny reasons.
const (
	ReasonNoAccess = "No active subscription or individual enrollment found"
	ReasonError    = "Error checking access permissions"
)

// Decision is the verdict for a (user, course) pair.
type Decision struct {
	HasAccess        bool   `json:"hasAccess"`
	AccessType       Type   `json:"accessType"`
	OrganizationName string `json:"organizationName,omitempty"`
	SubscriptionPlan string `json:"subscriptionPlan,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

func errorDecision() Decision {
	return Decision{AccessType: TypeNone, Reason: ReasonError}
}

// MembershipSource lists a user's organization memberships at the identity
// provider.
type MembershipSource interface {
	ListOrganizationMemberships(ctx context.Context, userID string) ([]identity.Membership, error)
}

// OrganizationReader resolves local organizations by provider id.
type OrganizationReader interface {
	ListByExternalIDs(ctx context.Context, externalIDs []string) ([]*organization.Organization, error)
}

// SubscriptionReader lists an organization's subscription records.
type SubscriptionReader interface {
	ListByOrganization(ctx context.Context, organizationID string) ([]*organization.Subscription, error)
}

// PurchaseReader lists organization-wide course unlocks.
type PurchaseReader interface {
	ListForCourse(ctx context.Context, organizationIDs []string, courseID string) ([]*organization.CoursePurchase, error)
}

// StudentReader resolves the local student record.
type StudentReader interface {
	GetByExternalID(ctx context.Context, externalID string) (*user.User, error)
}

// EnrollmentReader checks individual enrollments.
type EnrollmentReader interface {
	Exists(ctx context.Context, studentID, courseID string) (bool, error)
}

// Recorder receives one observation per decision.
type Recorder interface {
	IncAccessDecision(accessType string)
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Memberships   MembershipSource
	Organizations OrganizationReader
	Subscriptions SubscriptionReader
	Purchases     PurchaseReader
	Students      StudentReader
	Enrollments   EnrollmentReader
}

// Engine evaluates organization access before individual access.
type Engine struct {
	deps     Deps
	recorder Recorder
}

// NewEngine creates an Engine.
func NewEngine(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// SetRecorder attaches a metrics recorder.
func (e *Engine) SetRecorder(r Recorder) {
	e.recorder = r
}

// HasAccess reports Decide(...).HasAccess.
func (e *Engine) HasAccess(ctx context.Context, userID, courseID string) bool {
	return e.Decide(ctx, userID, courseID).HasAccess
}

// Decide returns the access verdict. It never fails: store errors and panics
// become a deny verdict with ReasonError.
func (e *Engine) Decide(ctx context.Context, userID, courseID string) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("access decision panicked", "user_id", userID, "course_id", courseID, "panic", fmt.Sprint(r))
			d = errorDecision()
		}
		if e.recorder != nil {
			e.recorder.IncAccessDecision(string(d.AccessType))
		}
	}()

	d, err := e.decide(ctx, userID, courseID)
	if err != nil {
		slog.Warn("access decision failed", "user_id", userID, "course_id", courseID, "error", err)
		return errorDecision()
	}
	return d
}

func (e *Engine) decide(ctx context.Context, userID, courseID string) (Decision, error) {
	memberships, memberErr := e.deps.Memberships.ListOrganizationMemberships(ctx, userID)
	if memberErr != nil {
		// Fail closed on the organization path only.
		slog.Warn("membership lookup failed", "user_id", userID, "error", memberErr)
		memberships = nil
	}

	if len(memberships) > 0 {
		d, ok, err := e.organizationAccess(ctx, memberships, courseID)
		if err != nil || ok {
			return d, err
		}
	}

	student, err := e.deps.Students.GetByExternalID(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("resolving student: %w", err)
	}
	if student != nil {
		enrolled, err := e.deps.Enrollments.Exists(ctx, student.ID, courseID)
		if err != nil {
			return Decision{}, fmt.Errorf("checking enrollment: %w", err)
		}
		if enrolled {
			return Decision{HasAccess: true, AccessType: TypeIndividual}, nil
		}
	}

	// The organization path was never evaluated, so a denial here cannot be
	// reported as authoritative.
	if memberErr != nil {
		return errorDecision(), nil
	}
	if student == nil {
		return Decision{AccessType: TypeNone}, nil
	}
	return Decision{AccessType: TypeNone, Reason: ReasonNoAccess}, nil
}

// organizationAccess evaluates the subscription path and then the per-course
// unlock path. Either one grants access.
func (e *Engine) organizationAccess(ctx context.Context, memberships []identity.Membership, courseID string) (Decision, bool, error) {
	externalIDs := make([]string, 0, len(memberships))
	for _, m := range memberships {
		externalIDs = append(externalIDs, m.OrganizationID)
	}

	orgs, err := e.deps.Organizations.ListByExternalIDs(ctx, externalIDs)
	if err != nil {
		return Decision{}, false, fmt.Errorf("resolving organizations: %w", err)
	}
	if len(orgs) == 0 {
		return Decision{}, false, nil
	}

	for _, org := range orgs {
		if !org.IsEntitled() {
			continue
		}
		subs, err := e.deps.Subscriptions.ListByOrganization(ctx, org.ID)
		if err != nil {
			return Decision{}, false, fmt.Errorf("listing subscriptions: %w", err)
		}
		// The cached organization status and the subscription record must
		// agree.
		for _, sub := range subs {
			if sub.Qualifies() {
				return Decision{
					HasAccess:        true,
					AccessType:       TypeOrganization,
					OrganizationName: org.Name,
					SubscriptionPlan: string(sub.Plan),
				}, true, nil
			}
		}
	}

	names := make(map[string]string, len(orgs))
	orgIDs := make([]string, 0, len(orgs))
	for _, org := range orgs {
		names[org.ID] = org.Name
		orgIDs = append(orgIDs, org.ID)
	}
	purchases, err := e.deps.Purchases.ListForCourse(ctx, orgIDs, courseID)
	if err != nil {
		return Decision{}, false, fmt.Errorf("listing course purchases: %w", err)
	}
	for _, p := range purchases {
		if p.IsActive {
			return Decision{
				HasAccess:        true,
				AccessType:       TypeOrganization,
				OrganizationName: names[p.OrganizationID],
			}, true, nil
		}
	}
	return Decision{}, false, nil
}
