package course

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecgard/cohort/internal/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const courseColumns = `id, slug, title, price, is_free, published, created_at`

// Store provides database operations for courses.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new course store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanCourse(row pgx.Row) (*Course, error) {
	c := &Course{}
	if err := row.Scan(&c.ID, &c.Slug, &c.Title, &c.Price, &c.IsFree, &c.Published, &c.CreatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

// Create validates and inserts a course.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Course, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	c, err := scanCourse(s.pool.QueryRow(ctx,
		`INSERT INTO courses (id, slug, title, price, is_free)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+courseColumns,
		db.NewID(), in.Slug, in.Title, in.Price, in.IsFree,
	))
	if err != nil {
		return nil, fmt.Errorf("creating course: %w", err)
	}
	return c, nil
}

// Get retrieves a course by id. Returns nil if not found, including for ids
// that are not UUIDs.
func (s *Store) Get(ctx context.Context, id string) (*Course, error) {
	if uuid.Validate(id) != nil {
		return nil, nil
	}
	c, err := scanCourse(s.pool.QueryRow(ctx,
		`SELECT `+courseColumns+` FROM courses WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting course: %w", err)
	}
	return c, nil
}

// GetBySlug retrieves a course by slug. Returns nil if not found.
func (s *Store) GetBySlug(ctx context.Context, slug string) (*Course, error) {
	c, err := scanCourse(s.pool.QueryRow(ctx,
		`SELECT `+courseColumns+` FROM courses WHERE slug = $1`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting course by slug: %w", err)
	}
	return c, nil
}

// List returns published courses ordered by title.
func (s *Store) List(ctx context.Context) ([]*Course, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+courseColumns+` FROM courses WHERE published ORDER BY title`)
	if err != nil {
		return nil, fmt.Errorf("listing courses: %w", err)
	}
	defer rows.Close()

	var out []*Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning course row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
