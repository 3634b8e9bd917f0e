// Package reconcile applies identity and payment provider callbacks to the
// record store. Every handler is idempotent; providers retry deliveries that
// are not acknowledged, and that retry is the only one there is.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alecgard/cohort/internal/course"
	"github.com/alecgard/cohort/internal/db"
	"github.com/alecgard/cohort/internal/identity"
	"github.com/alecgard/cohort/internal/organization"
	"github.com/alecgard/cohort/internal/payment"
	"github.com/alecgard/cohort/internal/user"
)

// Outcome describes what a handler did with an event.
type Outcome string

const (
	// OutcomeApplied means the event changed (or had already changed) state.
	OutcomeApplied Outcome = "applied"
	// OutcomeSkipped means a referenced record or field was missing.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeIgnored means the event type is not handled.
	OutcomeIgnored Outcome = "ignored"
)

// ProfileSource fetches the full provider profile of a user.
type ProfileSource interface {
	GetUser(ctx context.Context, userID string) (*identity.User, error)
}

// Users is the subset of the user store the pipeline writes through.
type Users interface {
	Upsert(ctx context.Context, p user.Profile) (*user.User, error)
	GetByExternalID(ctx context.Context, externalID string) (*user.User, error)
	SetMembership(ctx context.Context, id string, m user.Membership) error
	ClearMembership(ctx context.Context, id string) error
}

// Organizations is the subset of the organization store the pipeline needs.
type Organizations interface {
	GetByID(ctx context.Context, id string) (*organization.Organization, error)
	GetByExternalID(ctx context.Context, externalID string) (*organization.Organization, error)
	SetSubscriptionStatus(ctx context.Context, id string, status organization.Status) error
	SetBillingCustomer(ctx context.Context, id, customerID string) error
	SetEmployeeLimit(ctx context.Context, id string, limit int) error
}

// Subscriptions is the subset of the subscription store the pipeline needs.
type Subscriptions interface {
	Create(ctx context.Context, in organization.CreateSubscriptionInput) (*organization.Subscription, error)
	GetByStripeID(ctx context.Context, stripeID string) (*organization.Subscription, error)
	UpdateStatus(ctx context.Context, id string, status organization.SubscriptionStatus, endDate *time.Time) error
}

// Purchases is the subset of the course purchase store the pipeline needs.
type Purchases interface {
	Create(ctx context.Context, in organization.CreatePurchaseInput) (*organization.CoursePurchase, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*organization.CoursePurchase, error)
}

// Courses resolves catalogue entries referenced by checkout metadata.
type Courses interface {
	Get(ctx context.Context, id string) (*course.Course, error)
}

// Enrollments is the subset of the enrollment store the pipeline needs.
type Enrollments interface {
	Create(ctx context.Context, in course.CreateEnrollmentInput) (*course.Enrollment, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*course.Enrollment, error)
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Profiles      ProfileSource
	Users         Users
	Organizations Organizations
	Subscriptions Subscriptions
	Purchases     Purchases
	Courses       Courses
	Enrollments   Enrollments
	Plans         organization.Catalog
}

// Pipeline reconciles provider events into the record store.
type Pipeline struct {
	Deps
	now func() time.Time
}

// New creates a Pipeline.
func New(deps Deps) *Pipeline {
	return &Pipeline{Deps: deps, now: time.Now}
}

// MembershipChange is an organization membership observed at the identity
// provider, either from a webhook or from a synchronous invitation accept.
type MembershipChange struct {
	ExternalUserID string
	ExternalOrgID  string
	Role           string
	InvitedAt      *time.Time
}

// HandleIdentityEvent applies a verified identity provider event.
func (p *Pipeline) HandleIdentityEvent(ctx context.Context, ev identity.Event) (Outcome, error) {
	switch ev.Type {
	case identity.EventUserCreated, identity.EventUserUpdated:
		data, err := identity.DecodeData[identity.UserData](ev)
		if err != nil {
			return skip(ev.Type, "undecodable payload", "error", err)
		}
		if _, err := p.Users.Upsert(ctx, data.User().Profile()); err != nil {
			return "", err
		}
		slog.Info("user synced", "event_type", ev.Type, "user_id", data.ID)
		return OutcomeApplied, nil

	case identity.EventSessionCreated:
		data, err := identity.DecodeData[identity.SessionData](ev)
		if err != nil {
			return skip(ev.Type, "undecodable payload", "error", err)
		}
		if _, err := p.syncUser(ctx, data.UserID); err != nil {
			return "", err
		}
		return OutcomeApplied, nil

	case identity.EventMembershipCreated, identity.EventMembershipUpdated:
		data, err := identity.DecodeData[identity.MembershipData](ev)
		if err != nil {
			return skip(ev.Type, "undecodable payload", "error", err)
		}
		return p.ApplyMembership(ctx, MembershipChange{
			ExternalUserID: data.PublicUserData.UserID,
			ExternalOrgID:  data.Organization.ID,
			Role:           data.Role,
		})

	case identity.EventMembershipDeleted:
		data, err := identity.DecodeData[identity.MembershipData](ev)
		if err != nil {
			return skip(ev.Type, "undecodable payload", "error", err)
		}
		return p.removeMembership(ctx, data.PublicUserData.UserID, data.Organization.ID)
	}
	return OutcomeIgnored, nil
}

// ApplyMembership associates the user with the organization under the
// mapped role. The user's full profile is re-fetched because membership
// payloads carry no email. Re-applying the same change keeps the original
// acceptance date.
func (p *Pipeline) ApplyMembership(ctx context.Context, ch MembershipChange) (Outcome, error) {
	org, err := p.Organizations.GetByExternalID(ctx, ch.ExternalOrgID)
	if err != nil {
		return "", err
	}
	if org == nil {
		return skip("membership", "organization not found", "org_external_id", ch.ExternalOrgID)
	}

	u, err := p.syncUser(ctx, ch.ExternalUserID)
	if err != nil {
		return "", err
	}

	m := user.Membership{
		OrganizationID: org.ID,
		Role:           user.MapExternalRole(ch.Role),
		InvitedDate:    ch.InvitedAt,
		AcceptedDate:   p.now(),
	}
	if u.BelongsTo(org.ID) && u.AcceptedDate != nil {
		m.AcceptedDate = *u.AcceptedDate
	}
	if err := p.Users.SetMembership(ctx, u.ID, m); err != nil {
		return "", err
	}

	slog.Info("membership applied",
		"user_id", ch.ExternalUserID,
		"organization_id", org.ID,
		"role", string(m.Role),
	)
	return OutcomeApplied, nil
}

func (p *Pipeline) syncUser(ctx context.Context, externalUserID string) (*user.User, error) {
	profile, err := p.Profiles.GetUser(ctx, externalUserID)
	if err != nil {
		return nil, fmt.Errorf("fetching user profile: %w", err)
	}
	return p.Users.Upsert(ctx, profile.Profile())
}

func (p *Pipeline) removeMembership(ctx context.Context, externalUserID, externalOrgID string) (Outcome, error) {
	org, err := p.Organizations.GetByExternalID(ctx, externalOrgID)
	if err != nil {
		return "", err
	}
	u, err := p.Users.GetByExternalID(ctx, externalUserID)
	if err != nil {
		return "", err
	}
	if org == nil || u == nil {
		return skip("membership", "organization or user not found",
			"org_external_id", externalOrgID, "user_id", externalUserID)
	}
	// A later membership elsewhere has already replaced this one.
	if !u.BelongsTo(org.ID) {
		return OutcomeApplied, nil
	}
	if err := p.Users.ClearMembership(ctx, u.ID); err != nil {
		return "", err
	}
	slog.Info("membership removed", "user_id", externalUserID, "organization_id", org.ID)
	return OutcomeApplied, nil
}

// HandlePaymentEvent applies a verified payment provider event.
func (p *Pipeline) HandlePaymentEvent(ctx context.Context, ev payment.Event) (Outcome, error) {
	switch ev.Type {
	case payment.EventCheckoutCompleted, payment.EventCheckoutAsyncSucceeded:
		cs, err := payment.DecodeCheckoutCompleted(ev.Raw)
		if err != nil {
			return skip(ev.Type, "undecodable payload", "error", err)
		}
		switch cs.Meta(payment.MetaPurchaseType) {
		case payment.PurchaseOrganization:
			if !cs.Settled() {
				return skip(ev.Type, "payment not settled", "session_id", cs.ID, "payment_status", cs.PaymentStatus)
			}
			return p.applyOrganizationPurchase(ctx, cs)
		case payment.PurchaseSubscription:
			return p.applySubscriptionCheckout(ctx, cs)
		case "":
			if !cs.Settled() {
				return skip(ev.Type, "payment not settled", "session_id", cs.ID, "payment_status", cs.PaymentStatus)
			}
			return p.applyIndividualPurchase(ctx, cs)
		default:
			return skip(ev.Type, "unknown purchase type",
				"session_id", cs.ID, "purchase_type", cs.Meta(payment.MetaPurchaseType))
		}

	case payment.EventSubscriptionUpdated, payment.EventSubscriptionDeleted:
		sc, err := payment.DecodeSubscriptionChanged(ev.Raw)
		if err != nil {
			return skip(ev.Type, "undecodable payload", "error", err)
		}
		return p.applySubscriptionChange(ctx, sc)
	}
	return OutcomeIgnored, nil
}

func (p *Pipeline) applyIndividualPurchase(ctx context.Context, cs payment.CheckoutCompleted) (Outcome, error) {
	courseID, userID := cs.Meta(payment.MetaCourseID), cs.Meta(payment.MetaUserID)
	if courseID == "" || userID == "" {
		return skip(payment.EventCheckoutCompleted, "missing metadata", "session_id", cs.ID)
	}
	c, err := p.Courses.Get(ctx, courseID)
	if err != nil {
		return "", err
	}
	if c == nil {
		return skip(payment.EventCheckoutCompleted, "course not found", "course_id", courseID)
	}
	student, err := p.Users.GetByExternalID(ctx, userID)
	if err != nil {
		return "", err
	}
	if student == nil {
		return skip(payment.EventCheckoutCompleted, "student not found", "user_id", userID)
	}
	if err := p.enroll(ctx, student.ID, c.ID, cs.PaymentID(), cs.AmountTotal); err != nil {
		return "", err
	}
	slog.Info("enrollment recorded", "user_id", userID, "course_id", courseID, "payment_id", cs.PaymentID())
	return OutcomeApplied, nil
}

func (p *Pipeline) applyOrganizationPurchase(ctx context.Context, cs payment.CheckoutCompleted) (Outcome, error) {
	courseID := cs.Meta(payment.MetaCourseID)
	userID := cs.Meta(payment.MetaUserID)
	orgID := cs.Meta(payment.MetaOrganizationID)
	if courseID == "" || userID == "" || orgID == "" {
		return skip(payment.EventCheckoutCompleted, "missing metadata", "session_id", cs.ID)
	}
	c, err := p.Courses.Get(ctx, courseID)
	if err != nil {
		return "", err
	}
	if c == nil {
		return skip(payment.EventCheckoutCompleted, "course not found", "course_id", courseID)
	}
	org, err := p.Organizations.GetByID(ctx, orgID)
	if err != nil {
		return "", err
	}
	if org == nil {
		return skip(payment.EventCheckoutCompleted, "organization not found", "organization_id", orgID)
	}
	student, err := p.Users.GetByExternalID(ctx, userID)
	if err != nil {
		return "", err
	}
	if student == nil {
		return skip(payment.EventCheckoutCompleted, "student not found", "user_id", userID)
	}

	paymentID := cs.PaymentID()
	existing, err := p.Purchases.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if existing == nil {
		_, err := p.Purchases.Create(ctx, organization.CreatePurchaseInput{
			OrganizationID: org.ID,
			CourseID:       courseID,
			PurchasedBy:    student.ID,
			Amount:         cs.AmountTotal,
			PaymentID:      paymentID,
		})
		if err != nil && !db.IsUniqueViolation(err) {
			return "", err
		}
	}

	// The purchasing admin also gets individual access.
	if err := p.enroll(ctx, student.ID, c.ID, paymentID, 0); err != nil {
		return "", err
	}
	slog.Info("organization course unlocked", "organization_id", orgID, "course_id", courseID, "payment_id", paymentID)
	return OutcomeApplied, nil
}

// enroll creates the enrollment unless one already exists for the payment
// or for the (student, course) pair.
func (p *Pipeline) enroll(ctx context.Context, studentID, courseID, paymentID string, amount int64) error {
	existing, err := p.Enrollments.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	_, err = p.Enrollments.Create(ctx, course.CreateEnrollmentInput{
		StudentID: studentID,
		CourseID:  courseID,
		PaymentID: paymentID,
		Amount:    amount,
	})
	if err != nil && !db.IsUniqueViolation(err) {
		return err
	}
	return nil
}

func (p *Pipeline) applySubscriptionCheckout(ctx context.Context, cs payment.CheckoutCompleted) (Outcome, error) {
	orgID := cs.Meta(payment.MetaOrganizationID)
	if orgID == "" || cs.Subscription == "" {
		return skip(payment.EventCheckoutCompleted, "missing subscription metadata", "session_id", cs.ID)
	}
	plan, err := organization.ParsePlan(cs.Meta(payment.MetaPlan))
	if err != nil {
		return skip(payment.EventCheckoutCompleted, "unknown plan", "session_id", cs.ID, "error", err)
	}
	org, err := p.Organizations.GetByID(ctx, orgID)
	if err != nil {
		return "", err
	}
	if org == nil {
		return skip(payment.EventCheckoutCompleted, "organization not found", "organization_id", orgID)
	}

	terms, _ := p.Plans.Terms(plan)
	sub, err := p.Subscriptions.GetByStripeID(ctx, cs.Subscription)
	if err != nil {
		return "", err
	}
	// A redelivered checkout never revives a subscription that has since
	// ended; the organization flag follows the record instead.
	if sub != nil && !sub.Qualifies() {
		if err := p.Organizations.SetSubscriptionStatus(ctx, org.ID, sub.Status.OrganizationStatus()); err != nil {
			return "", err
		}
		return skip(payment.EventCheckoutCompleted, "subscription no longer active",
			"subscription_id", cs.Subscription, "status", string(sub.Status))
	}
	orgStatus := organization.StatusActive
	if sub != nil {
		orgStatus = sub.Status.OrganizationStatus()
	}
	if sub == nil {
		_, err := p.Subscriptions.Create(ctx, organization.CreateSubscriptionInput{
			OrganizationID:       org.ID,
			Plan:                 plan,
			EmployeeLimit:        terms.EmployeeLimit,
			PricePerMonth:        terms.PricePerMonth,
			Status:               organization.SubscriptionActive,
			StripeSubscriptionID: cs.Subscription,
			StartDate:            p.now(),
		})
		if err != nil && !db.IsUniqueViolation(err) {
			return "", err
		}
	}

	// The subscription record exists before the organization flag flips, so
	// a failure below leaves a record without a flag and never the reverse.
	if cs.Customer != "" && cs.Customer != org.StripeCustomerID {
		if err := p.Organizations.SetBillingCustomer(ctx, org.ID, cs.Customer); err != nil {
			return "", err
		}
	}
	if terms.EmployeeLimit > 0 && terms.EmployeeLimit != org.EmployeeLimit {
		if err := p.Organizations.SetEmployeeLimit(ctx, org.ID, terms.EmployeeLimit); err != nil {
			return "", err
		}
	}
	if err := p.Organizations.SetSubscriptionStatus(ctx, org.ID, orgStatus); err != nil {
		return "", err
	}
	slog.Info("subscription activated", "organization_id", org.ID, "plan", string(plan), "subscription_id", cs.Subscription)
	return OutcomeApplied, nil
}

func (p *Pipeline) applySubscriptionChange(ctx context.Context, sc payment.SubscriptionChanged) (Outcome, error) {
	sub, err := p.Subscriptions.GetByStripeID(ctx, sc.ID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return skip("subscription", "subscription not found", "subscription_id", sc.ID)
	}

	status := MapSubscriptionStatus(sc.Status)
	if err := p.Subscriptions.UpdateStatus(ctx, sub.ID, status, sc.EndDate()); err != nil {
		return "", err
	}
	if err := p.Organizations.SetSubscriptionStatus(ctx, sub.OrganizationID, status.OrganizationStatus()); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return skip("subscription", "organization not found", "organization_id", sub.OrganizationID)
		}
		return "", err
	}
	slog.Info("subscription status changed",
		"organization_id", sub.OrganizationID,
		"subscription_id", sc.ID,
		"status", string(status),
	)
	return OutcomeApplied, nil
}

// MapSubscriptionStatus converts a payment provider subscription status.
// Unknown and delinquent statuses fail closed to expired.
func MapSubscriptionStatus(providerStatus string) organization.SubscriptionStatus {
	switch providerStatus {
	case "active":
		return organization.SubscriptionActive
	case "trialing":
		return organization.SubscriptionTrialing
	case "canceled", "cancelled":
		return organization.SubscriptionCancelled
	default:
		return organization.SubscriptionExpired
	}
}

func skip(eventType, reason string, args ...any) (Outcome, error) {
	slog.Warn("webhook event skipped", append([]any{"event_type", eventType, "reason", reason}, args...)...)
	return OutcomeSkipped, nil
}
