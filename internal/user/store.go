package user

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres error codes the store maps to sentinel errors.
const (
	pgUniqueViolation = "23505"
	pgUndefinedTable  = "42P01"
)

var (
	// ErrNotFound is returned when no user matches the lookup.
	ErrNotFound = errors.New("user not found")
	// ErrDuplicate is returned when an insert or update violates the
	// email or principal-id uniqueness constraint.
	ErrDuplicate = errors.New("user already exists")
	// ErrSchemaNotInitialized is returned by CountAll when the users
	// relation does not exist yet (fresh database, migrations not run).
	ErrSchemaNotInitialized = errors.New("users relation does not exist")
)

// Store provides database operations for domain users.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new user store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const userColumns = `id, principal_id, email, name, position, role, onboarded, created_at, updated_at`

func scanUser(scan func(dest ...any) error) (*User, error) {
	u := &User{}
	err := scan(&u.ID, &u.PrincipalID, &u.Email, &u.Name, &u.Position, &u.Role, &u.Onboarded, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
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

// CountAll returns the total number of users. A fresh database whose
// schema has not been migrated yet reports ErrSchemaNotInitialized;
// the caller is expected to treat that the same as a zero count.
func (s *Store) CountAll(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&n)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
			return 0, ErrSchemaNotInitialized
		}
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

// Create inserts a new user. A uniqueness conflict on email or
// principal id returns ErrDuplicate so callers can re-fetch instead of
// failing.
func (s *Store) Create(ctx context.Context, in CreateUserInput) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`INSERT INTO users (principal_id, email, name, position, role, onboarded)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING `+userColumns,
			in.PrincipalID, in.Email, in.Name, in.Position, in.Role, in.Onboarded,
		).Scan(dest...)
	})
	if err != nil {
		if mapped := mapErr(err); mapped == ErrDuplicate {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// GetByID retrieves a user by primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = $1`, id,
		).Scan(dest...)
	})
	if err != nil {
		if mapped := mapErr(err); mapped == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting user by id: %w", err)
	}
	return u, nil
}

// GetByPrincipalID retrieves the user linked to the given auth-provider
// principal.
func (s *Store) GetByPrincipalID(ctx context.Context, principalID string) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE principal_id = $1`, principalID,
		).Scan(dest...)
	})
	if err != nil {
		if mapped := mapErr(err); mapped == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting user by principal id: %w", err)
	}
	return u, nil
}

// GetByEmail retrieves a user by email address (case-insensitive).
func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email,
		).Scan(dest...)
	})
	if err != nil {
		if mapped := mapErr(err); mapped == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting user by email: %w", err)
	}
	return u, nil
}

// List returns all users ordered by created_at DESC.
func (s *Store) List(ctx context.Context) ([]*User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Update performs a partial update on the user with the given id.
func (s *Store) Update(ctx context.Context, id string, in UpdateUserInput) (*User, error) {
	var setClauses []string
	var args []any
	argIdx := 1

	if in.PrincipalID != nil {
		setClauses = append(setClauses, fmt.Sprintf("principal_id = $%d", argIdx))
		args = append(args, *in.PrincipalID)
		argIdx++
	}
	if in.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argIdx))
		args = append(args, *in.Name)
		argIdx++
	}
	if in.Position != nil {
		setClauses = append(setClauses, fmt.Sprintf("position = $%d", argIdx))
		args = append(args, *in.Position)
		argIdx++
	}
	if in.Role != nil {
		setClauses = append(setClauses, fmt.Sprintf("role = $%d", argIdx))
		args = append(args, *in.Role)
		argIdx++
	}
	if in.Onboarded != nil {
		setClauses = append(setClauses, fmt.Sprintf("onboarded = $%d", argIdx))
		args = append(args, *in.Onboarded)
		argIdx++
	}

	if len(setClauses) == 0 {
		return s.GetByID(ctx, id)
	}

	setClauses = append(setClauses, "updated_at = now()")

	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE users SET %s WHERE id = $%d RETURNING `+userColumns,
		strings.Join(setClauses, ", "), argIdx,
	)

	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx, query, args...).Scan(dest...)
	})
	if err != nil {
		switch mapped := mapErr(err); mapped {
		case ErrNotFound, ErrDuplicate:
			return nil, mapped
		}
		return nil, fmt.Errorf("updating user: %w", err)
	}
	return u, nil
}

// Delete removes a user by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	return nil
}
