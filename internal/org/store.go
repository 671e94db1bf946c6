package org

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

var (
	// ErrNotFound is returned when no organization or membership
	// matches the lookup.
	ErrNotFound = errors.New("organization not found")
	// ErrDuplicate is returned when an insert violates a uniqueness
	// constraint (organization name, or an existing membership).
	ErrDuplicate = errors.New("already exists")
)

// Store provides database operations for organizations and memberships.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new organization store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const orgColumns = `id, name, description, type, status, plan, created_at, updated_at`

func scanOrg(scan func(dest ...any) error) (*Organization, error) {
	o := &Organization{}
	err := scan(&o.ID, &o.Name, &o.Description, &o.Type, &o.Status, &o.Plan, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicate
	}
	return err
}

// Create inserts a new organization with status "active".
func (s *Store) Create(ctx context.Context, in CreateOrgInput) (*Organization, error) {
	plan := in.Plan
	if plan == "" {
		plan = "trial"
	}
	o, err := scanOrg(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`INSERT INTO organizations (name, description, type, status, plan)
			 VALUES ($1, $2, $3, 'active', $4)
			 RETURNING `+orgColumns,
			in.Name, in.Description, in.Type, plan,
		).Scan(dest...)
	})
	if err != nil {
		if mapped := mapErr(err); mapped == ErrDuplicate {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("creating organization: %w", err)
	}
	return o, nil
}

// GetByID retrieves an organization by primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Organization, error) {
	o, err := scanOrg(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id,
		).Scan(dest...)
	})
	if err != nil {
		if mapped := mapErr(err); mapped == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting organization: %w", err)
	}
	return o, nil
}

// GetByName retrieves an organization by exact name, ignoring case.
// Invitation metadata names organizations this way.
func (s *Store) GetByName(ctx context.Context, name string) (*Organization, error) {
	o, err := scanOrg(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+orgColumns+` FROM organizations WHERE lower(name) = lower($1)`, name,
		).Scan(dest...)
	})
	if err != nil {
		if mapped := mapErr(err); mapped == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting organization by name: %w", err)
	}
	return o, nil
}

// List returns all organizations ordered by name.
func (s *Store) List(ctx context.Context) ([]*Organization, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orgColumns+` FROM organizations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*Organization
	for rows.Next() {
		o, err := scanOrg(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning organization row: %w", err)
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// ListRandom returns up to n organizations in random order. Used only
// by the demo-mode onboarding path.
func (s *Store) ListRandom(ctx context.Context, n int) ([]*Organization, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orgColumns+` FROM organizations ORDER BY random() LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("listing random organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*Organization
	for rows.Next() {
		o, err := scanOrg(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning organization row: %w", err)
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// Update performs a partial update on the organization with the given id.
func (s *Store) Update(ctx context.Context, id string, in UpdateOrgInput) (*Organization, error) {
	var setClauses []string
	var args []any
	argIdx := 1

	if in.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argIdx))
		args = append(args, *in.Name)
		argIdx++
	}
	if in.Description != nil {
		setClauses = append(setClauses, fmt.Sprintf("description = $%d", argIdx))
		args = append(args, *in.Description)
		argIdx++
	}
	if in.Type != nil {
		setClauses = append(setClauses, fmt.Sprintf("type = $%d", argIdx))
		args = append(args, *in.Type)
		argIdx++
	}
	if in.Status != nil {
		setClauses = append(setClauses, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *in.Status)
		argIdx++
	}
	if in.Plan != nil {
		setClauses = append(setClauses, fmt.Sprintf("plan = $%d", argIdx))
		args = append(args, *in.Plan)
		argIdx++
	}

	if len(setClauses) == 0 {
		return s.GetByID(ctx, id)
	}

	setClauses = append(setClauses, "updated_at = now()")

	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE organizations SET %s WHERE id = $%d RETURNING `+orgColumns,
		strings.Join(setClauses, ", "), argIdx,
	)

	o, err := scanOrg(func(dest ...any) error {
		return s.pool.QueryRow(ctx, query, args...).Scan(dest...)
	})
	if err != nil {
		switch mapped := mapErr(err); mapped {
		case ErrNotFound, ErrDuplicate:
			return nil, mapped
		}
		return nil, fmt.Errorf("updating organization: %w", err)
	}
	return o, nil
}

// Delete removes an organization and, via cascade, its memberships.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting organization: %w", err)
	}
	return nil
}

const membershipColumns = `user_id, org_id, org_role, is_default, joined_at`

func scanMembership(scan func(dest ...any) error) (*Membership, error) {
	m := &Membership{}
	err := scan(&m.UserID, &m.OrgID, &m.OrgRole, &m.IsDefault, &m.JoinedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// AddMembership links a user to an organization. When isDefault is
// true any previous default membership for the user is cleared first,
// in the same transaction, so at most one default survives.
func (s *Store) AddMembership(ctx context.Context, userID, orgID, orgRole string, isDefault bool) (*Membership, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning membership tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if isDefault {
		if _, err := tx.Exec(ctx,
			`UPDATE memberships SET is_default = false WHERE user_id = $1 AND is_default`, userID); err != nil {
			return nil, fmt.Errorf("clearing default membership: %w", err)
		}
	}

	m, err := scanMembership(func(dest ...any) error {
		return tx.QueryRow(ctx,
			`INSERT INTO memberships (user_id, org_id, org_role, is_default)
			 VALUES ($1, $2, $3, $4)
			 RETURNING `+membershipColumns,
			userID, orgID, orgRole, isDefault,
		).Scan(dest...)
	})
	if err != nil {
		if mapped := mapErr(err); mapped == ErrDuplicate {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("adding membership: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing membership tx: %w", err)
	}
	return m, nil
}

// RemoveMembership unlinks a user from an organization.
func (s *Store) RemoveMembership(ctx context.Context, userID, orgID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memberships WHERE user_id = $1 AND org_id = $2`, userID, orgID)
	if err != nil {
		return fmt.Errorf("removing membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDefault marks the given membership as the user's home
// organization, clearing any previous default in the same transaction.
func (s *Store) SetDefault(ctx context.Context, userID, orgID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning default tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE memberships SET is_default = false WHERE user_id = $1 AND is_default`, userID); err != nil {
		return fmt.Errorf("clearing default membership: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE memberships SET is_default = true WHERE user_id = $1 AND org_id = $2`, userID, orgID)
	if err != nil {
		return fmt.Errorf("setting default membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

// ListMembershipsByUser returns a user's memberships, default first.
func (s *Store) ListMembershipsByUser(ctx context.Context, userID string) ([]*Membership, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+membershipColumns+` FROM memberships
		 WHERE user_id = $1 ORDER BY is_default DESC, joined_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	defer rows.Close()

	var out []*Membership
	for rows.Next() {
		m, err := scanMembership(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning membership row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMembersByOrg returns all memberships of an organization.
func (s *Store) ListMembersByOrg(ctx context.Context, orgID string) ([]*Membership, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+membershipColumns+` FROM memberships
		 WHERE org_id = $1 ORDER BY joined_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var out []*Membership
	for rows.Next() {
		m, err := scanMembership(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning membership row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
