package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists and queries audit events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes a slice of events in a single multi-row INSERT.
// It is a no-op when events is empty.
func (s *Store) BatchInsert(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 7
	args := make([]any, 0, len(events)*cols)
	rows := make([]string, 0, len(events))

	for i, e := range events {
		base := i * cols
		rows = append(rows, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			e.OccurredAt,
			e.ActorID,
			e.ActorEmail,
			e.Action,
			e.TargetType,
			e.TargetID,
			e.Detail,
		)
	}

	query := `INSERT INTO audit_events
		(occurred_at, actor_id, actor_email, action, target_type, target_id, detail)
		VALUES `
	for i, r := range rows {
		if i > 0 {
			query += ", "
		}
		query += r
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting audit events: %w", err)
	}
	return nil
}

// Query returns events in reverse chronological order, optionally
// filtered by action and time range, capped at limit.
type Query struct {
	Action string
	From   time.Time
	To     time.Time
	Limit  int
}

// List returns audit events matching the query.
func (s *Store) List(ctx context.Context, q Query) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT id, occurred_at, actor_id, actor_email, action, target_type, target_id, detail
		FROM audit_events WHERE 1=1`
	var args []any
	argIdx := 1

	if q.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argIdx)
		args = append(args, q.Action)
		argIdx++
	}
	if !q.From.IsZero() {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argIdx)
		args = append(args, q.From)
		argIdx++
	}
	if !q.To.IsZero() {
		query += fmt.Sprintf(" AND occurred_at <= $%d", argIdx)
		args = append(args, q.To)
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.ActorID, &e.ActorEmail, &e.Action, &e.TargetType, &e.TargetID, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
