// Package checkout starts purchases and manages organization subscriptions.
// It never grants access itself: paid checkouts are recorded by the
// reconciliation pipeline when the payment provider reports completion.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alecgard/cohort/internal/course"
	"github.com/alecgard/cohort/internal/db"
	"github.com/alecgard/cohort/internal/identity"
	"github.com/alecgard/cohort/internal/organization"
	"github.com/alecgard/cohort/internal/payment"
	"github.com/alecgard/cohort/internal/user"
)

// Errors returned by the Service.
var (
	ErrCourseNotFound    = errors.New("course not found")
	ErrAlreadyHasAccess  = errors.New("you already have access to this course")
	ErrAlreadyUnlocked   = errors.New("course is already unlocked for this organization")
	ErrAlreadySubscribed = errors.New("organization already has an active subscription")
	ErrNoSubscription    = errors.New("organization has no active subscription")
	ErrPlanUnavailable   = errors.New("plan is not offered")
	ErrNoBillingAccount  = errors.New("organization has no billing account yet")
	ErrSamePlan          = errors.New("organization is already on this plan")
)

// AccessChecker answers whether a user can already view a course.
type AccessChecker interface {
	HasAccess(ctx context.Context, userID, courseID string) bool
}

// Courses reads the catalogue.
type Courses interface {
	Get(ctx context.Context, id string) (*course.Course, error)
}

// ProfileSource fetches a provider profile for users not yet mirrored.
type ProfileSource interface {
	GetUser(ctx context.Context, userID string) (*identity.User, error)
}

// Users is the subset of the user store the service needs.
type Users interface {
	GetByExternalID(ctx context.Context, externalID string) (*user.User, error)
	Upsert(ctx context.Context, p user.Profile) (*user.User, error)
	CountByOrganization(ctx context.Context, organizationID string) (int, error)
}

// Enrollments creates free enrollments.
type Enrollments interface {
	Create(ctx context.Context, in course.CreateEnrollmentInput) (*course.Enrollment, error)
}

// Organizations is the subset of the organization store the service needs.
type Organizations interface {
	GetByID(ctx context.Context, id string) (*organization.Organization, error)
	SetBillingCustomer(ctx context.Context, id, customerID string) error
	SetEmployeeLimit(ctx context.Context, id string, limit int) error
	SetSubscriptionStatus(ctx context.Context, id string, status organization.Status) error
}

// Subscriptions is the subset of the subscription store the service needs.
type Subscriptions interface {
	ListByOrganization(ctx context.Context, organizationID string) ([]*organization.Subscription, error)
	UpdatePlan(ctx context.Context, id string, plan organization.Plan, employeeLimit int, pricePerMonth int64) error
	UpdateStatus(ctx context.Context, id string, status organization.SubscriptionStatus, endDate *time.Time) error
}

// Purchases checks existing organization unlocks.
type Purchases interface {
	Exists(ctx context.Context, organizationID, courseID string) (bool, error)
}

// Deps bundles the service's collaborators.
type Deps struct {
	Access        AccessChecker
	Courses       Courses
	Profiles      ProfileSource
	Users         Users
	Enrollments   Enrollments
	Organizations Organizations
	Subscriptions Subscriptions
	Purchases     Purchases
	Payments      payment.Provider
}

// Config holds checkout settings.
type Config struct {
	BaseURL string
	Plans   organization.Catalog
}

// Service implements the purchase flows.
type Service struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

// NewService creates a Service.
func NewService(deps Deps, cfg Config) *Service {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Service{deps: deps, cfg: cfg, now: time.Now}
}

// Result is the outcome of starting a purchase: either an immediate
// enrollment or a hosted checkout to redirect to.
type Result struct {
	Enrolled    bool   `json:"enrolled"`
	SessionID   string `json:"session_id,omitempty"`
	CheckoutURL string `json:"checkout_url,omitempty"`
}

// PurchaseCourse starts an individual purchase. Free courses are enrolled
// directly.
func (s *Service) PurchaseCourse(ctx context.Context, userID, courseID string) (*Result, error) {
	c, err := s.course(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if s.deps.Access.HasAccess(ctx, userID, courseID) {
		return nil, ErrAlreadyHasAccess
	}
	student, err := s.ensureStudent(ctx, userID)
	if err != nil {
		return nil, err
	}

	if c.IsFree {
		_, err := s.deps.Enrollments.Create(ctx, course.CreateEnrollmentInput{
			StudentID: student.ID,
			CourseID:  c.ID,
			PaymentID: course.FreePaymentID(c.ID, student.ID),
		})
		if err != nil && !db.IsUniqueViolation(err) {
			return nil, err
		}
		slog.Info("free enrollment", "user_id", userID, "course_id", c.ID)
		return &Result{Enrolled: true}, nil
	}

	sess, err := s.deps.Payments.CreateCheckoutSession(ctx, payment.CheckoutRequest{
		Mode:          payment.ModePayment,
		LineItems:     []payment.LineItem{{Name: c.Title, UnitAmount: c.Price, Quantity: 1}},
		SuccessURL:    s.cfg.BaseURL + "/courses/" + c.Slug + "?checkout=success",
		CancelURL:     s.cfg.BaseURL + "/courses/" + c.Slug,
		CustomerEmail: student.Email,
		Metadata: map[string]string{
			payment.MetaCourseID: c.ID,
			payment.MetaUserID:   userID,
		},
	})
	if err != nil {
		return nil, err
	}
	return &Result{SessionID: sess.ID, CheckoutURL: sess.URL}, nil
}

// PurchaseForOrganization starts a one-time unlock of a course for every
// member of the organization.
func (s *Service) PurchaseForOrganization(ctx context.Context, userID, organizationID, courseID string) (*Result, error) {
	admin, err := organization.RequireAdmin(ctx, s.deps.Users, userID, organizationID)
	if err != nil {
		return nil, err
	}
	org, err := s.organization(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	c, err := s.course(ctx, courseID)
	if err != nil {
		return nil, err
	}
	unlocked, err := s.deps.Purchases.Exists(ctx, org.ID, c.ID)
	if err != nil {
		return nil, err
	}
	if unlocked {
		return nil, ErrAlreadyUnlocked
	}

	req := payment.CheckoutRequest{
		Mode:       payment.ModePayment,
		LineItems:  []payment.LineItem{{Name: c.Title + " for " + org.Name, UnitAmount: c.Price, Quantity: 1}},
		SuccessURL: s.cfg.BaseURL + "/organization/courses?checkout=success",
		CancelURL:  s.cfg.BaseURL + "/organization/courses",
		CustomerID: org.StripeCustomerID,
		Metadata: map[string]string{
			payment.MetaCourseID:       c.ID,
			payment.MetaUserID:         userID,
			payment.MetaOrganizationID: org.ID,
			payment.MetaPurchaseType:   payment.PurchaseOrganization,
		},
	}
	if req.CustomerID == "" {
		req.CustomerEmail = admin.Email
	}
	sess, err := s.deps.Payments.CreateCheckoutSession(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{SessionID: sess.ID, CheckoutURL: sess.URL}, nil
}

// Subscribe starts a monthly subscription checkout for the organization.
func (s *Service) Subscribe(ctx context.Context, userID, organizationID string, plan organization.Plan) (*Result, error) {
	if _, err := organization.RequireAdmin(ctx, s.deps.Users, userID, organizationID); err != nil {
		return nil, err
	}
	terms, ok := s.cfg.Plans.Terms(plan)
	if !ok {
		return nil, ErrPlanUnavailable
	}
	org, err := s.organization(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	current, err := s.currentSubscription(ctx, org.ID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return nil, ErrAlreadySubscribed
	}

	customerID, err := s.ensureCustomer(ctx, org)
	if err != nil {
		return nil, err
	}
	priceID, err := s.planPrice(ctx, plan, terms)
	if err != nil {
		return nil, err
	}
	sess, err := s.deps.Payments.CreateCheckoutSession(ctx, payment.CheckoutRequest{
		Mode:       payment.ModeSubscription,
		LineItems:  []payment.LineItem{{PriceID: priceID, Quantity: 1}},
		SuccessURL: s.cfg.BaseURL + "/organization/billing?checkout=success",
		CancelURL:  s.cfg.BaseURL + "/organization/billing",
		CustomerID: customerID,
		Metadata: map[string]string{
			payment.MetaUserID:         userID,
			payment.MetaOrganizationID: org.ID,
			payment.MetaPurchaseType:   payment.PurchaseSubscription,
			payment.MetaPlan:           string(plan),
		},
	})
	if err != nil {
		return nil, err
	}
	return &Result{SessionID: sess.ID, CheckoutURL: sess.URL}, nil
}

// ChangePlan moves the organization's live subscription to another plan.
// The new seat limit may not drop below the current member count.
func (s *Service) ChangePlan(ctx context.Context, userID, organizationID string, plan organization.Plan) (*organization.Subscription, error) {
	if _, err := organization.RequireAdmin(ctx, s.deps.Users, userID, organizationID); err != nil {
		return nil, err
	}
	terms, ok := s.cfg.Plans.Terms(plan)
	if !ok {
		return nil, ErrPlanUnavailable
	}
	current, err := s.currentSubscription(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNoSubscription
	}
	if current.Plan == plan {
		return nil, ErrSamePlan
	}
	members, err := s.deps.Users.CountByOrganization(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if members > terms.EmployeeLimit {
		return nil, organization.ErrBelowMemberCount
	}

	priceID, err := s.planPrice(ctx, plan, terms)
	if err != nil {
		return nil, err
	}
	if _, err := s.deps.Payments.UpdateSubscription(ctx, current.StripeSubscriptionID, priceID); err != nil {
		return nil, err
	}
	if err := s.deps.Subscriptions.UpdatePlan(ctx, current.ID, plan, terms.EmployeeLimit, terms.PricePerMonth); err != nil {
		return nil, err
	}
	if err := s.deps.Organizations.SetEmployeeLimit(ctx, organizationID, terms.EmployeeLimit); err != nil {
		return nil, err
	}

	current.Plan = plan
	current.EmployeeLimit = terms.EmployeeLimit
	current.PricePerMonth = terms.PricePerMonth
	slog.Info("subscription plan changed", "organization_id", organizationID, "plan", string(plan))
	return current, nil
}

// CancelSubscription cancels the organization's live subscription, either
// now or at the end of the billing period. An immediate cancellation is
// mirrored locally without waiting for the webhook.
func (s *Service) CancelSubscription(ctx context.Context, userID, organizationID string, atPeriodEnd bool) (*payment.Subscription, error) {
	if _, err := organization.RequireAdmin(ctx, s.deps.Users, userID, organizationID); err != nil {
		return nil, err
	}
	current, err := s.currentSubscription(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNoSubscription
	}

	sub, err := s.deps.Payments.CancelSubscription(ctx, current.StripeSubscriptionID, atPeriodEnd)
	if err != nil {
		return nil, err
	}
	if !atPeriodEnd {
		ended := s.now()
		if err := s.deps.Subscriptions.UpdateStatus(ctx, current.ID, organization.SubscriptionCancelled, &ended); err != nil {
			return nil, err
		}
		if err := s.deps.Organizations.SetSubscriptionStatus(ctx, organizationID, organization.StatusCancelled); err != nil {
			return nil, err
		}
	}
	slog.Info("subscription cancelled", "organization_id", organizationID, "at_period_end", atPeriodEnd)
	return sub, nil
}

// BillingPortal returns a provider-hosted billing portal URL.
func (s *Service) BillingPortal(ctx context.Context, userID, organizationID, returnURL string) (string, error) {
	if _, err := organization.RequireAdmin(ctx, s.deps.Users, userID, organizationID); err != nil {
		return "", err
	}
	org, err := s.organization(ctx, organizationID)
	if err != nil {
		return "", err
	}
	if org.StripeCustomerID == "" {
		return "", ErrNoBillingAccount
	}
	if returnURL == "" || !strings.HasPrefix(returnURL, s.cfg.BaseURL+"/") {
		returnURL = s.cfg.BaseURL + "/organization/billing"
	}
	return s.deps.Payments.CreateBillingPortalSession(ctx, org.StripeCustomerID, returnURL)
}

func (s *Service) course(ctx context.Context, id string) (*course.Course, error) {
	c, err := s.deps.Courses.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil || !c.Published {
		return nil, ErrCourseNotFound
	}
	return c, nil
}

func (s *Service) organization(ctx context.Context, id string) (*organization.Organization, error) {
	org, err := s.deps.Organizations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, organization.ErrNotFound
	}
	return org, nil
}

// ensureStudent returns the local record, mirroring the provider profile
// first if no identity webhook has arrived yet. The payment webhook needs
// the record to exist.
func (s *Service) ensureStudent(ctx context.Context, userID string) (*user.User, error) {
	u, err := s.deps.Users.GetByExternalID(ctx, userID)
	if err != nil || u != nil {
		return u, err
	}
	profile, err := s.deps.Profiles.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetching user profile: %w", err)
	}
	return s.deps.Users.Upsert(ctx, profile.Profile())
}

func (s *Service) ensureCustomer(ctx context.Context, org *organization.Organization) (string, error) {
	if org.StripeCustomerID != "" {
		return org.StripeCustomerID, nil
	}
	id, err := s.deps.Payments.CreateCustomer(ctx, payment.CustomerRequest{
		Email:    org.BillingEmail,
		Name:     org.Name,
		Metadata: map[string]string{payment.MetaOrganizationID: org.ID},
	})
	if err != nil {
		return "", err
	}
	if err := s.deps.Organizations.SetBillingCustomer(ctx, org.ID, id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Service) planPrice(ctx context.Context, plan organization.Plan, terms organization.PlanTerms) (string, error) {
	return s.deps.Payments.CreatePrice(ctx, payment.PriceRequest{
		ProductName: "Cohort " + strings.ToUpper(string(plan[:1])) + string(plan[1:]),
		UnitAmount:  terms.PricePerMonth,
		Interval:    "month",
	})
}

// currentSubscription returns the organization's qualifying subscription,
// or nil.
func (s *Service) currentSubscription(ctx context.Context, organizationID string) (*organization.Subscription, error) {
	subs, err := s.deps.Subscriptions.ListByOrganization(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.Qualifies() {
			return sub, nil
		}
	}
	return nil, nil
}
