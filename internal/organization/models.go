package organization

import (
	"fmt"
	"time"
)

// Status is the organization's cached subscription status.
type Status string

const (
	StatusInactive  Status = "inactive"
	StatusActive    Status = "active"
	StatusTrialing  Status = "trialing"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Organization is the local mirror of an identity-provider organization plus
// its billing state.
type Organization struct {
	ID                 string    `json:"id"`
	ExternalID         string    `json:"external_id"`
	Name               string    `json:"name"`
	BillingEmail       string    `json:"billing_email"`
	SubscriptionStatus Status    `json:"subscription_status"`
	EmployeeLimit      int       `json:"employee_limit"`
	StripeCustomerID   string    `json:"stripe_customer_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// IsEntitled reports whether the cached status claims platform access. It is
// never sufficient on its own; see Subscription.Qualifies.
func (o *Organization) IsEntitled() bool {
	return o.SubscriptionStatus == StatusActive || o.SubscriptionStatus == StatusTrialing
}

// Plan is a subscription tier.
type Plan string

const (
	PlanStarter      Plan = "starter"
	PlanProfessional Plan = "professional"
	PlanEnterprise   Plan = "enterprise"
)

// ParsePlan validates a plan name.
func ParsePlan(s string) (Plan, error) {
	switch p := Plan(s); p {
	case PlanStarter, PlanProfessional, PlanEnterprise:
		return p, nil
	}
	return "", fmt.Errorf("unknown plan %q", s)
}

// PlanTerms are the seat limit and monthly price (in cents) of a plan.
type PlanTerms struct {
	EmployeeLimit int
	PricePerMonth int64
}

// Catalog maps each offered plan to its terms.
type Catalog map[Plan]PlanTerms

// Terms returns the plan's terms and whether it is offered.
func (c Catalog) Terms(p Plan) (PlanTerms, bool) {
	t, ok := c[p]
	return t, ok
}

// SubscriptionStatus is the authoritative status of a subscription record.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionTrialing  SubscriptionStatus = "trialing"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// Subscription is a platform-wide monthly plan held by an organization.
type Subscription struct {
	ID                   string             `json:"id"`
	OrganizationID       string             `json:"organization_id"`
	Plan                 Plan               `json:"plan"`
	EmployeeLimit        int                `json:"employee_limit"`
	PricePerMonth        int64              `json:"price_per_month"`
	Status               SubscriptionStatus `json:"status"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	StartDate            time.Time          `json:"start_date"`
	EndDate              *time.Time         `json:"end_date,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// Qualifies reports whether the record grants organization access: the
// status must be live and the provider subscription id must be present.
func (s *Subscription) Qualifies() bool {
	live := s.Status == SubscriptionActive || s.Status == SubscriptionTrialing
	return live && s.StripeSubscriptionID != ""
}

// OrganizationStatus returns the cached organization status that mirrors
// this subscription status.
func (s SubscriptionStatus) OrganizationStatus() Status {
	switch s {
	case SubscriptionActive:
		return StatusActive
	case SubscriptionTrialing:
		return StatusTrialing
	case SubscriptionCancelled:
		return StatusCancelled
	default:
		return StatusExpired
	}
}

// CoursePurchase is a one-time organization-wide unlock of a single course.
type CoursePurchase struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	CourseID       string    `json:"course_id"`
	PurchasedBy    *string   `json:"purchased_by,omitempty"`
	Amount         int64     `json:"amount"`
	PaymentID      string    `json:"payment_id"`
	IsActive       bool      `json:"is_active"`
	PurchasedAt    time.Time `json:"purchased_at"`
}

// CreateInput holds the fields required to register an organization.
type CreateInput struct {
	ExternalID    string `json:"external_id"`
	Name          string `json:"name"`
	BillingEmail  string `json:"billing_email"`
	EmployeeLimit int    `json:"employee_limit"`
}

// CreateSubscriptionInput holds the fields for a new subscription record.
type CreateSubscriptionInput struct {
	OrganizationID       string
	Plan                 Plan
	EmployeeLimit        int
	PricePerMonth        int64
	Status               SubscriptionStatus
	StripeSubscriptionID string
	StartDate            time.Time
}

// CreatePurchaseInput holds the fields for a new course purchase record.
type CreatePurchaseInput struct {
	OrganizationID string
	CourseID       string
	PurchasedBy    string
	Amount         int64
	PaymentID      string
}
