// Package postgres persists damage reports.
// The core never touches storage; the HTTP facade and CLI save finished
// reports here when a DSN is configured and list them back for history.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// ReportKind distinguishes single-image estimates from before/after
// comparisons.
type ReportKind string

const (
	KindSingle  ReportKind = "single"
	KindCompare ReportKind = "compare"
)

// Report is one persisted estimation result.
type Report struct {
	ID        uuid.UUID
	Kind      ReportKind
	CreatedAt time.Time

	Counts    map[string]int
	TotalMin  decimal.Decimal
	TotalMax  *decimal.Decimal
	OpenEnded bool
	Decision  string

	// Payload is the full JSON response body as served to the client, kept
	// verbatim for audit.
	Payload json.RawMessage
}

// Store wraps the Postgres connection.
type Store struct {
	db *sql.DB
}

// Open connects with the given DSN. The connection is verified lazily; call
// Ping for an eager check.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate creates the reports table if missing.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS damage_reports (
	id          UUID PRIMARY KEY,
	kind        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	counts      JSONB NOT NULL,
	total_min   NUMERIC(12,2) NOT NULL,
	total_max   NUMERIC(12,2),
	open_ended  BOOLEAN NOT NULL,
	decision    TEXT NOT NULL DEFAULT '',
	payload     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS damage_reports_created_at_idx
	ON damage_reports (created_at DESC);`

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate damage_reports: %w", err)
	}
	return nil
}

// SaveReport inserts a report. ID and CreatedAt are filled in when zero.
func (s *Store) SaveReport(ctx context.Context, r *Report) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	counts, err := json.Marshal(r.Counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}

	var totalMax sql.NullString
	if r.TotalMax != nil {
		totalMax = sql.NullString{String: r.TotalMax.StringFixed(2), Valid: true}
	}

	const q = `
INSERT INTO damage_reports
	(id, kind, created_at, counts, total_min, total_max, open_ended, decision, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.db.ExecContext(ctx, q,
		r.ID, string(r.Kind), r.CreatedAt, counts,
		r.TotalMin.StringFixed(2), totalMax, r.OpenEnded, r.Decision, []byte(r.Payload))
	if err != nil {
		return fmt.Errorf("insert damage report: %w", err)
	}
	return nil
}

// RecentReports returns the newest reports, most recent first.
func (s *Store) RecentReports(ctx context.Context, limit int) ([]Report, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	const q = `
SELECT id, kind, created_at, counts, total_min, total_max, open_ended, decision, payload
FROM damage_reports
ORDER BY created_at DESC
LIMIT $1`

	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query damage reports: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		var (
			r         Report
			kind      string
			countsRaw []byte
			totalMin  string
			totalMax  sql.NullString
			payload   []byte
		)
		if err := rows.Scan(&r.ID, &kind, &r.CreatedAt, &countsRaw,
			&totalMin, &totalMax, &r.OpenEnded, &r.Decision, &payload); err != nil {
			return nil, fmt.Errorf("scan damage report: %w", err)
		}
		r.Kind = ReportKind(kind)
		if err := json.Unmarshal(countsRaw, &r.Counts); err != nil {
			return nil, fmt.Errorf("unmarshal counts: %w", err)
		}
		if r.TotalMin, err = decimal.NewFromString(totalMin); err != nil {
			return nil, fmt.Errorf("parse total_min: %w", err)
		}
		if totalMax.Valid {
			max, err := decimal.NewFromString(totalMax.String)
			if err != nil {
				return nil, fmt.Errorf("parse total_max: %w", err)
			}
			r.TotalMax = &max
		}
		r.Payload = json.RawMessage(payload)
		reports = append(reports, r)
	}
	return reports, rows.Err()
}
