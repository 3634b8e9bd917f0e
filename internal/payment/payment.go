// Package payment is the boundary to the payment provider: checkout
// sessions, customers, prices, subscriptions and signed webhooks.
package payment

import (
	"context"
	"time"
)

// Checkout session metadata keys. The reconciliation pipeline branches on
// these to correlate a completed payment with a domain action.
const (
	MetaCourseID       = "courseId"
	MetaUserID         = "userId"
	MetaOrganizationID = "organizationId"
	MetaPurchaseType   = "purchaseType"
	MetaPlan           = "plan"
)

// Purchase types carried in MetaPurchaseType. Individual purchases carry
// no purchase type.
const (
	PurchaseOrganization = "organization"
	PurchaseSubscription = "subscription"
)

// Mode is the checkout session mode.
type Mode string

const (
	ModePayment      Mode = "payment"
	ModeSubscription Mode = "subscription"
)

// LineItem is either a reference to an existing price or an inline one-time
// price.
type LineItem struct {
	PriceID    string
	Name       string
	UnitAmount int64
	Quantity   int64
}

// CheckoutRequest describes a hosted checkout session.
type CheckoutRequest struct {
	Mode          Mode
	LineItems     []LineItem
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
	CustomerID    string
	CustomerEmail string
}

// CheckoutSession is a created hosted checkout.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CustomerRequest describes a billing customer.
type CustomerRequest struct {
	Email    string
	Name     string
	Metadata map[string]string
}

// PriceRequest describes a recurring price.
type PriceRequest struct {
	ProductName string
	UnitAmount  int64
	Interval    string
}

// Subscription is the provider view of a subscription.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	ItemID            string
	PriceID           string
	StartDate         time.Time
	EndedAt           *time.Time
}

// Provider is the set of payment-provider calls the service depends on.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
	CreatePrice(ctx context.Context, req PriceRequest) (string, error)
	RetrieveSubscription(ctx context.Context, id string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, id, priceID string) (*Subscription, error)
	CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (*Subscription, error)
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}
