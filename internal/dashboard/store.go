package dashboard

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store reads seeded dashboard metric rows.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get assembles the dashboard payload for one organization and kind,
// grouping metric rows into labeled series ordered by period.
func (s *Store) Get(ctx context.Context, orgID string, kind Kind) (*Dashboard, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT label, period, value FROM dashboard_metrics
		 WHERE org_id = $1 AND kind = $2
		 ORDER BY label, period`, orgID, kind)
	if err != nil {
		return nil, fmt.Errorf("querying dashboard metrics: %w", err)
	}
	defer rows.Close()

	d := &Dashboard{OrgID: orgID, Kind: kind, GeneratedAt: time.Now()}
	var cur *Series
	for rows.Next() {
		var label string
		var p Point
		if err := rows.Scan(&label, &p.Period, &p.Value); err != nil {
			return nil, fmt.Errorf("scanning metric row: %w", err)
		}
		if cur == nil || cur.Label != label {
			d.Series = append(d.Series, Series{Label: label})
			cur = &d.Series[len(d.Series)-1]
		}
		cur.Points = append(cur.Points, p)
	}
	return d, rows.Err()
}

// Insert adds one metric observation. Used by the seed command and the
// financial-data edit endpoint.
func (s *Store) Insert(ctx context.Context, orgID string, kind Kind, label string, period time.Time, value float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dashboard_metrics (org_id, kind, label, period, value)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (org_id, kind, label, period) DO UPDATE SET value = EXCLUDED.value`,
		orgID, kind, label, period, value)
	if err != nil {
		return fmt.Errorf("inserting metric: %w", err)
	}
	return nil
}

// WriteCSV renders the dashboard as CSV: one row per observation.
func WriteCSV(w io.Writer, d *Dashboard) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"series", "period", "value"}); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, s := range d.Series {
		for _, p := range s.Points {
			rec := []string{s.Label, p.Period.Format("2006-01-02"), strconv.FormatFloat(p.Value, 'f', -1, 64)}
			if err := cw.Write(rec); err != nil {
				return fmt.Errorf("writing csv row: %w", err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
