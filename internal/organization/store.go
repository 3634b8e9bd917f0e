package organization

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecgard/cohort/internal/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const orgColumns = `id, external_id, name, billing_email, subscription_status,
	employee_limit, COALESCE(stripe_customer_id, ''), created_at, updated_at`

// Store provides database operations for organizations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new organization store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanOrganization(row pgx.Row) (*Organization, error) {
	o := &Organization{}
	err := row.Scan(&o.ID, &o.ExternalID, &o.Name, &o.BillingEmail, &o.SubscriptionStatus,
		&o.EmployeeLimit, &o.StripeCustomerID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Create inserts an organization with no subscription and no billing
// customer.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Organization, error) {
	o, err := scanOrganization(s.pool.QueryRow(ctx,
		`INSERT INTO organizations (id, external_id, name, billing_email, subscription_status, employee_limit)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+orgColumns,
		db.NewID(), in.ExternalID, in.Name, in.BillingEmail, StatusInactive, in.EmployeeLimit,
	))
	if err != nil {
		return nil, fmt.Errorf("creating organization: %w", err)
	}
	return o, nil
}

func (s *Store) getOne(ctx context.Context, where string, arg any) (*Organization, error) {
	o, err := scanOrganization(s.pool.QueryRow(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// GetByID retrieves an organization by primary key. Returns nil if not found,
// including for ids that are not UUIDs.
func (s *Store) GetByID(ctx context.Context, id string) (*Organization, error) {
	if uuid.Validate(id) != nil {
		return nil, nil
	}
	o, err := s.getOne(ctx, "id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("getting organization: %w", err)
	}
	return o, nil
}

// GetByExternalID retrieves an organization by identity-provider id. Returns
// nil if not found.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*Organization, error) {
	o, err := s.getOne(ctx, "external_id = $1", externalID)
	if err != nil {
		return nil, fmt.Errorf("getting organization by external id: %w", err)
	}
	return o, nil
}

// ListByExternalIDs returns the organizations matching any of the given
// identity-provider ids.
func (s *Store) ListByExternalIDs(ctx context.Context, externalIDs []string) ([]*Organization, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	return s.list(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE external_id = ANY($1) ORDER BY created_at`,
		externalIDs)
}

// List returns every organization, oldest first.
func (s *Store) List(ctx context.Context) ([]*Organization, error) {
	return s.list(ctx, `SELECT `+orgColumns+` FROM organizations ORDER BY created_at`)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Organization, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*Organization
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning organization row: %w", err)
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// SetSubscriptionStatus updates the cached subscription status.
func (s *Store) SetSubscriptionStatus(ctx context.Context, id string, status Status) error {
	if err := db.Patch("organizations", id).Set("subscription_status", status).Commit(ctx, s.pool); err != nil {
		return fmt.Errorf("setting subscription status: %w", err)
	}
	return nil
}

// SetBillingCustomer records the payment-provider customer id.
func (s *Store) SetBillingCustomer(ctx context.Context, id, customerID string) error {
	if err := db.Patch("organizations", id).Set("stripe_customer_id", customerID).Commit(ctx, s.pool); err != nil {
		return fmt.Errorf("setting billing customer: %w", err)
	}
	return nil
}

// SetEmployeeLimit changes the seat limit.
func (s *Store) SetEmployeeLimit(ctx context.Context, id string, limit int) error {
	if err := db.Patch("organizations", id).Set("employee_limit", limit).Commit(ctx, s.pool); err != nil {
		return fmt.Errorf("setting employee limit: %w", err)
	}
	return nil
}
