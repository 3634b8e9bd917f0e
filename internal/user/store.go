package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecgard/cohort/internal/db"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const userColumns = `id, external_id, email, first_name, last_name, image_url,
	organization_id, role, invited_date, accepted_date, created_at, updated_at`

// Store provides database operations for users.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new user store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	var role *string
	err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.FirstName, &u.LastName, &u.ImageURL,
		&u.OrganizationID, &role, &u.InvitedDate, &u.AcceptedDate, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if role != nil {
		u.Role = Role(*role)
	}
	return u, nil
}

func (s *Store) getOne(ctx context.Context, where string, arg any) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

// Upsert creates the user keyed by external id, or refreshes the mutable
// profile fields of an existing one. Membership columns are never touched.
func (s *Store) Upsert(ctx context.Context, p Profile) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`INSERT INTO users (id, external_id, email, first_name, last_name, image_url)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (external_id) DO UPDATE SET
		     email = EXCLUDED.email,
		     first_name = EXCLUDED.first_name,
		     last_name = EXCLUDED.last_name,
		     image_url = EXCLUDED.image_url,
		     updated_at = now()
		 RETURNING `+userColumns,
		db.NewID(), p.ExternalID, p.Email, p.FirstName, p.LastName, p.ImageURL,
	))
	if err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}
	return u, nil
}

// GetByID retrieves a user by primary key. Returns nil if not found.
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	u, err := s.getOne(ctx, "id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("getting user by id: %w", err)
	}
	return u, nil
}

// GetByExternalID retrieves a user by identity-provider id. Returns nil if
// not found.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*User, error) {
	u, err := s.getOne(ctx, "external_id = $1", externalID)
	if err != nil {
		return nil, fmt.Errorf("getting user by external id: %w", err)
	}
	return u, nil
}

// SetMembership associates the user with an organization, replacing any
// previous association.
func (s *Store) SetMembership(ctx context.Context, id string, m Membership) error {
	err := db.Patch("users", id).
		Set("organization_id", m.OrganizationID).
		Set("role", string(m.Role)).
		SetIf(m.InvitedDate != nil, "invited_date", m.InvitedDate).
		Set("accepted_date", m.AcceptedDate).
		Commit(ctx, s.pool)
	if err != nil {
		return fmt.Errorf("setting membership: %w", err)
	}
	return nil
}

// ClearMembership removes the user's organization association.
func (s *Store) ClearMembership(ctx context.Context, id string) error {
	err := db.Patch("users", id).
		Set("organization_id", nil).
		Set("role", nil).
		Commit(ctx, s.pool)
	if err != nil {
		return fmt.Errorf("clearing membership: %w", err)
	}
	return nil
}

// CountByOrganization returns the number of users associated with the
// organization.
func (s *Store) CountByOrganization(ctx context.Context, organizationID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM users WHERE organization_id = $1`, organizationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting organization users: %w", err)
	}
	return n, nil
}
