package organization

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecgard/cohort/internal/db"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const purchaseColumns = `id, organization_id, course_id, purchased_by, amount, payment_id, is_active, purchased_at`

// PurchaseStore provides database operations for organization course
// purchases.
type PurchaseStore struct {
	pool *pgxpool.Pool
}

// NewPurchaseStore creates a new purchase store.
func NewPurchaseStore(pool *pgxpool.Pool) *PurchaseStore {
	return &PurchaseStore{pool: pool}
}

func scanPurchase(row pgx.Row) (*CoursePurchase, error) {
	p := &CoursePurchase{}
	err := row.Scan(&p.ID, &p.OrganizationID, &p.CourseID, &p.PurchasedBy, &p.Amount,
		&p.PaymentID, &p.IsActive, &p.PurchasedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Create inserts an active purchase. A duplicate payment id surfaces as a
// unique violation.
func (s *PurchaseStore) Create(ctx context.Context, in CreatePurchaseInput) (*CoursePurchase, error) {
	var purchasedBy *string
	if in.PurchasedBy != "" {
		purchasedBy = &in.PurchasedBy
	}
	p, err := scanPurchase(s.pool.QueryRow(ctx,
		`INSERT INTO organization_courses (id, organization_id, course_id, purchased_by, amount, payment_id, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, true)
		 RETURNING `+purchaseColumns,
		db.NewID(), in.OrganizationID, in.CourseID, purchasedBy, in.Amount, in.PaymentID,
	))
	if err != nil {
		return nil, fmt.Errorf("creating course purchase: %w", err)
	}
	return p, nil
}

// GetByPaymentID retrieves a purchase by payment id. Returns nil if not found.
func (s *PurchaseStore) GetByPaymentID(ctx context.Context, paymentID string) (*CoursePurchase, error) {
	p, err := scanPurchase(s.pool.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM organization_courses WHERE payment_id = $1`, paymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting course purchase: %w", err)
	}
	return p, nil
}

// ListForCourse returns purchases of the course by any of the organizations,
// active or not.
func (s *PurchaseStore) ListForCourse(ctx context.Context, organizationIDs []string, courseID string) ([]*CoursePurchase, error) {
	if len(organizationIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+purchaseColumns+` FROM organization_courses
		 WHERE organization_id = ANY($1) AND course_id = $2
		 ORDER BY purchased_at`, organizationIDs, courseID)
	if err != nil {
		return nil, fmt.Errorf("listing course purchases: %w", err)
	}
	defer rows.Close()

	var out []*CoursePurchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning course purchase row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Exists reports whether the organization holds an active unlock for the
// course.
func (s *PurchaseStore) Exists(ctx context.Context, organizationID, courseID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM organization_courses
		 WHERE organization_id = $1 AND course_id = $2 AND is_active)`,
		organizationID, courseID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking course purchase: %w", err)
	}
	return ok, nil
}
