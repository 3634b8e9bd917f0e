package course

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecgard/cohort/internal/db"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const enrollmentColumns = `id, student_id, course_id, payment_id, amount, enrolled_at`

// EnrollmentStore provides database operations for enrollments.
type EnrollmentStore struct {
	pool *pgxpool.Pool
}

// NewEnrollmentStore creates a new enrollment store.
func NewEnrollmentStore(pool *pgxpool.Pool) *EnrollmentStore {
	return &EnrollmentStore{pool: pool}
}

func scanEnrollment(row pgx.Row) (*Enrollment, error) {
	e := &Enrollment{}
	if err := row.Scan(&e.ID, &e.StudentID, &e.CourseID, &e.PaymentID, &e.Amount, &e.EnrolledAt); err != nil {
		return nil, err
	}
	return e, nil
}

// Create inserts an enrollment. A second enrollment for the same student and
// course, or for the same payment id, surfaces as a unique violation.
func (s *EnrollmentStore) Create(ctx context.Context, in CreateEnrollmentInput) (*Enrollment, error) {
	e, err := scanEnrollment(s.pool.QueryRow(ctx,
		`INSERT INTO enrollments (id, student_id, course_id, payment_id, amount)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+enrollmentColumns,
		db.NewID(), in.StudentID, in.CourseID, in.PaymentID, in.Amount,
	))
	if err != nil {
		return nil, fmt.Errorf("creating enrollment: %w", err)
	}
	return e, nil
}

// GetByPaymentID retrieves an enrollment by payment id. Returns nil if not
// found.
func (s *EnrollmentStore) GetByPaymentID(ctx context.Context, paymentID string) (*Enrollment, error) {
	e, err := scanEnrollment(s.pool.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE payment_id = $1`, paymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting enrollment by payment id: %w", err)
	}
	return e, nil
}

// Exists reports whether the student is enrolled in the course.
func (s *EnrollmentStore) Exists(ctx context.Context, studentID, courseID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM enrollments WHERE student_id = $1 AND course_id = $2)`,
		studentID, courseID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking enrollment: %w", err)
	}
	return exists, nil
}

// ListByStudent returns the student's enrollments, newest first.
func (s *EnrollmentStore) ListByStudent(ctx context.Context, studentID string) ([]*Enrollment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE student_id = $1 ORDER BY enrolled_at DESC`,
		studentID)
	if err != nil {
		return nil, fmt.Errorf("listing enrollments: %w", err)
	}
	defer rows.Close()

	var out []*Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning enrollment row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
