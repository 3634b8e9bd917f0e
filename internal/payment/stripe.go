package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/price"
	"github.com/stripe/stripe-go/v82/subscription"
)

// Stripe implements Provider using the Stripe API.
type Stripe struct {
	currency string

	createCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	createCustomer        func(params *stripe.CustomerParams) (*stripe.Customer, error)
	createPrice           func(params *stripe.PriceParams) (*stripe.Price, error)
	getSubscription       func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	updateSubscription    func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	cancelSubscription    func(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
	createPortalSession   func(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

// NewStripe configures the Stripe client with the secret key. currency is
// used for inline and recurring prices.
func NewStripe(secretKey, currency string) *Stripe {
	stripe.Key = strings.TrimSpace(secretKey)
	return &Stripe{
		currency:              strings.ToLower(currency),
		createCheckoutSession: stripesession.New,
		createCustomer:        customer.New,
		createPrice:           price.New,
		getSubscription:       subscription.Get,
		updateSubscription:    subscription.Update,
		cancelSubscription:    subscription.Cancel,
		createPortalSession:   portalsession.New,
	}
}

// CreateCheckoutSession opens a hosted checkout. Metadata is copied onto the
// subscription in subscription mode so later subscription events carry it.
func (s *Stripe) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if len(req.LineItems) == 0 {
		return nil, errors.New("checkout requires at least one line item")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(req.Mode)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		Metadata:   req.Metadata,
	}
	params.Context = ctx
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if req.Mode == ModeSubscription {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: req.Metadata}
	}

	for _, item := range req.LineItems {
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		li := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(qty)}
		if item.PriceID != "" {
			li.Price = stripe.String(item.PriceID)
		} else {
			li.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(s.currency),
				UnitAmount: stripe.Int64(item.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			}
		}
		params.LineItems = append(params.LineItems, li)
	}

	sess, err := s.createCheckoutSession(params)
	if err != nil {
		return nil, fmt.Errorf("creating checkout session: %w", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// CreateCustomer creates a billing customer and returns its id.
func (s *Stripe) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(req.Email),
		Name:  stripe.String(req.Name),
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	c, err := s.createCustomer(params)
	if err != nil {
		return "", fmt.Errorf("creating customer: %w", err)
	}
	return c.ID, nil
}

// CreatePrice creates a recurring price with an inline product.
func (s *Stripe) CreatePrice(ctx context.Context, req PriceRequest) (string, error) {
	interval := req.Interval
	if interval == "" {
		interval = string(stripe.PriceRecurringIntervalMonth)
	}
	params := &stripe.PriceParams{
		Currency:   stripe.String(s.currency),
		UnitAmount: stripe.Int64(req.UnitAmount),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String(interval),
		},
		ProductData: &stripe.PriceProductDataParams{
			Name: stripe.String(req.ProductName),
		},
	}
	params.Context = ctx

	p, err := s.createPrice(params)
	if err != nil {
		return "", fmt.Errorf("creating price: %w", err)
	}
	return p.ID, nil
}

// RetrieveSubscription fetches a subscription.
func (s *Stripe) RetrieveSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := s.getSubscription(id, params)
	if err != nil {
		return nil, fmt.Errorf("retrieving subscription %s: %w", id, err)
	}
	return fromStripeSubscription(sub), nil
}

// UpdateSubscription moves the subscription's single item onto a new price,
// prorating the difference.
func (s *Stripe) UpdateSubscription(ctx context.Context, id, priceID string) (*Subscription, error) {
	current, err := s.RetrieveSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.ItemID == "" {
		return nil, fmt.Errorf("subscription %s has no items", id)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{{
			ID:    stripe.String(current.ItemID),
			Price: stripe.String(priceID),
		}},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	params.Context = ctx

	sub, err := s.updateSubscription(id, params)
	if err != nil {
		return nil, fmt.Errorf("updating subscription %s: %w", id, err)
	}
	return fromStripeSubscription(sub), nil
}

// CancelSubscription cancels immediately, or at the end of the current
// period when atPeriodEnd is set.
func (s *Stripe) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (*Subscription, error) {
	var (
		sub *stripe.Subscription
		err error
	)
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
		params.Context = ctx
		sub, err = s.updateSubscription(id, params)
	} else {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		sub, err = s.cancelSubscription(id, params)
	}
	if err != nil {
		return nil, fmt.Errorf("cancelling subscription %s: %w", id, err)
	}
	return fromStripeSubscription(sub), nil
}

// CreateBillingPortalSession returns a self-service billing portal URL.
func (s *Stripe) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	sess, err := s.createPortalSession(params)
	if err != nil {
		return "", fmt.Errorf("creating billing portal session: %w", err)
	}
	return sess.URL, nil
}

func fromStripeSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		StartDate:         time.Unix(sub.StartDate, 0),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.EndedAt > 0 {
		ended := time.Unix(sub.EndedAt, 0)
		out.EndedAt = &ended
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			out.ItemID = item.ID
			if item.Price != nil {
				out.PriceID = item.Price.ID
			}
			break
		}
	}
	return out
}
