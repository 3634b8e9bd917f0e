package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// Payment webhook event types.
const (
	EventCheckoutCompleted      = "checkout.session.completed"
	EventCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	EventSubscriptionUpdated    = "customer.subscription.updated"
	EventSubscriptionDeleted    = "customer.subscription.deleted"
)

// Checkout session payment statuses that mean the funds are collected.
const (
	PaymentStatusPaid              = "paid"
	PaymentStatusNoPaymentRequired = "no_payment_required"
)

// ErrInvalidSignature is returned when a webhook fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Event is a verified payment webhook event.
type Event struct {
	ID   string
	Type string
	Raw  json.RawMessage
}

// WebhookVerifier checks Stripe-signed webhooks.
type WebhookVerifier struct {
	secret string
}

// NewWebhookVerifier creates a verifier for the endpoint secret.
func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: strings.TrimSpace(secret)}
}

// ConstructEvent verifies the signature header over the exact request bytes
// and decodes the event. API version mismatches are tolerated because only
// a handful of stable fields are read.
func (v *WebhookVerifier) ConstructEvent(payload []byte, sigHeader string) (Event, error) {
	if strings.TrimSpace(sigHeader) == "" {
		return Event{}, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	out := Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data != nil {
		out.Raw = ev.Data.Raw
	}
	return out, nil
}

// CheckoutCompleted is the subset of a checkout session read on completion.
type CheckoutCompleted struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	Customer      string            `json:"customer"`
	Subscription  string            `json:"subscription"`
	PaymentIntent string            `json:"payment_intent"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	CustomerEmail string            `json:"customer_email"`
	Metadata      map[string]string `json:"metadata"`
}

// PaymentID is the idempotency key for records derived from this checkout.
func (c CheckoutCompleted) PaymentID() string {
	if c.PaymentIntent != "" {
		return c.PaymentIntent
	}
	return c.ID
}

// Settled reports whether the session's payment has been collected. Delayed
// payment methods complete the session as unpaid and settle later with
// checkout.session.async_payment_succeeded.
func (c CheckoutCompleted) Settled() bool {
	return c.PaymentStatus == PaymentStatusPaid || c.PaymentStatus == PaymentStatusNoPaymentRequired
}

// Meta returns a trimmed metadata value.
func (c CheckoutCompleted) Meta(key string) string {
	return strings.TrimSpace(c.Metadata[key])
}

// DecodeCheckoutCompleted decodes checkout.session.completed data.
func DecodeCheckoutCompleted(raw json.RawMessage) (CheckoutCompleted, error) {
	var c CheckoutCompleted
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("decoding checkout session: %w", err)
	}
	return c, nil
}

// SubscriptionChanged is the subset of a subscription read on update and
// deletion events.
type SubscriptionChanged struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	EndedAt           int64             `json:"ended_at"`
	CancelAt          int64             `json:"cancel_at"`
	Metadata          map[string]string `json:"metadata"`
}

// EndDate is when access ends, if known.
func (s SubscriptionChanged) EndDate() *time.Time {
	ts := s.EndedAt
	if ts == 0 {
		ts = s.CancelAt
	}
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0)
	return &t
}

// DecodeSubscriptionChanged decodes customer.subscription.* data.
func DecodeSubscriptionChanged(raw json.RawMessage) (SubscriptionChanged, error) {
	var s SubscriptionChanged
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("decoding subscription: %w", err)
	}
	if s.ID == "" {
		return s, errors.New("subscription payload has no id")
	}
	return s, nil
}
