package organization

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/cohort/internal/db"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const subscriptionColumns = `id, organization_id, plan, employee_limit, price_per_month, status,
	COALESCE(stripe_subscription_id, ''), start_date, end_date, created_at, updated_at`

// SubscriptionStore provides database operations for subscriptions.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewSubscriptionStore creates a new subscription store.
func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	sub := &Subscription{}
	err := row.Scan(&sub.ID, &sub.OrganizationID, &sub.Plan, &sub.EmployeeLimit, &sub.PricePerMonth,
		&sub.Status, &sub.StripeSubscriptionID, &sub.StartDate, &sub.EndDate, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Create inserts a subscription record.
func (s *SubscriptionStore) Create(ctx context.Context, in CreateSubscriptionInput) (*Subscription, error) {
	start := in.StartDate
	if start.IsZero() {
		start = time.Now()
	}
	var stripeID *string
	if in.StripeSubscriptionID != "" {
		stripeID = &in.StripeSubscriptionID
	}

	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (id, organization_id, plan, employee_limit, price_per_month, status, stripe_subscription_id, start_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+subscriptionColumns,
		db.NewID(), in.OrganizationID, in.Plan, in.EmployeeLimit, in.PricePerMonth, in.Status, stripeID, start,
	))
	if err != nil {
		return nil, fmt.Errorf("creating subscription: %w", err)
	}
	return sub, nil
}

// ListByOrganization returns the organization's subscriptions, newest first.
func (s *SubscriptionStore) ListByOrganization(ctx context.Context, organizationID string) ([]*Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE organization_id = $1 ORDER BY start_date DESC`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription row: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetByStripeID retrieves a subscription by provider id. Returns nil if not
// found.
func (s *SubscriptionStore) GetByStripeID(ctx context.Context, stripeID string) (*Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = $1`, stripeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting subscription by stripe id: %w", err)
	}
	return sub, nil
}

// UpdateStatus sets the status and, when given, the end date.
func (s *SubscriptionStore) UpdateStatus(ctx context.Context, id string, status SubscriptionStatus, endDate *time.Time) error {
	err := db.Patch("subscriptions", id).
		Set("status", status).
		SetIf(endDate != nil, "end_date", endDate).
		Commit(ctx, s.pool)
	if err != nil {
		return fmt.Errorf("updating subscription status: %w", err)
	}
	return nil
}

// UpdatePlan switches the plan together with its limit and price.
func (s *SubscriptionStore) UpdatePlan(ctx context.Context, id string, plan Plan, employeeLimit int, pricePerMonth int64) error {
	err := db.Patch("subscriptions", id).
		Set("plan", plan).
		Set("employee_limit", employeeLimit).
		Set("price_per_month", pricePerMonth).
		Commit(ctx, s.pool)
	if err != nil {
		return fmt.Errorf("updating subscription plan: %w", err)
	}
	return nil
}
