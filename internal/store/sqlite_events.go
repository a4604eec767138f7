package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/joescharf/ralph/internal/models"
	"github.com/joescharf/ralph/internal/ratelimit"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertDispatchEvent(ctx context.Context, db execer, e *models.DispatchEvent) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO dispatch_events (id, build_id, queue_entry_id, outcome, method, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.BuildID, e.QueueEntryID, string(e.Outcome), e.Method, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dispatch event: %w", err)
	}
	return nil
}

func insertAuditEvent(ctx context.Context, db execer, e *models.AuditEvent) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO audit_events (id, build_id, kind, actor, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.BuildID, string(e.Kind), e.Actor, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// RecordDispatchEvent appends a dispatch attempt outside of a claim, for
// example a rate limited or lost attempt.
func (s *SQLiteStore) RecordDispatchEvent(ctx context.Context, e *models.DispatchEvent) error {
	return insertDispatchEvent(ctx, s.db, e)
}

func (s *SQLiteStore) ListDispatchEvents(ctx context.Context, buildID string, limit int) ([]*models.DispatchEvent, error) {
	query := `SELECT id, build_id, queue_entry_id, outcome, method, detail, created_at FROM dispatch_events`
	var args []any
	if buildID != "" {
		query += " WHERE build_id = ?"
		args = append(args, buildID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dispatch events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.DispatchEvent
	for rows.Next() {
		var e models.DispatchEvent
		if err := rows.Scan(&e.ID, &e.BuildID, &e.QueueEntryID, &e.Outcome, &e.Method, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dispatch event: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, buildID string) ([]*models.AuditEvent, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, build_id, kind, actor, detail, created_at FROM audit_events
		WHERE build_id = ? ORDER BY created_at ASC, id ASC`, buildID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		if err := rows.Scan(&e.ID, &e.BuildID, &e.Kind, &e.Actor, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		events = append(events, &e)
	}
	return events, rows.Err()
}

// --- Rate buckets ---

// Take refills the named token bucket for the time elapsed since its last
// update and consumes one token if available. The read, refill, consume and
// write happen in a single transaction so concurrent dispatchers sharing the
// database cannot both spend the last token. It returns whether a token was
// granted and the tokens left afterwards.
func (s *SQLiteStore) Take(ctx context.Context, key string, capacity int, window time.Duration, now time.Time) (bool, float64, error) {
	if capacity <= 0 || window <= 0 {
		return false, 0, fmt.Errorf("invalid bucket %s: capacity %d window %s", key, capacity, window)
	}
	now = now.UTC()

	var granted bool
	var tokens float64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row struct {
			Tokens     float64   `db:"tokens"`
			LastUpdate time.Time `db:"last_update"`
		}
		err := tx.GetContext(ctx, &row, `SELECT tokens, last_update FROM rate_buckets WHERE key = ?`, key)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			tokens = float64(capacity)
		case err != nil:
			return fmt.Errorf("read bucket %s: %w", key, err)
		default:
			tokens = refill(row.Tokens, capacity, window, now.Sub(row.LastUpdate))
		}

		if tokens >= 1 {
			tokens--
			granted = true
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO rate_buckets (key, tokens, last_update) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET tokens = excluded.tokens, last_update = excluded.last_update`,
			key, tokens, now)
		if err != nil {
			return fmt.Errorf("write bucket %s: %w", key, err)
		}
		return nil
	})
	if isBusy(err) {
		return false, 0, fmt.Errorf("bucket %s: %w: %v", key, ratelimit.ErrContended, err)
	}
	if err != nil {
		return false, 0, err
	}
	return granted, tokens, nil
}

// refill adds capacity/window tokens per elapsed second, capped at capacity.
func refill(tokens float64, capacity int, window, elapsed time.Duration) float64 {
	if elapsed > 0 {
		tokens += elapsed.Seconds() * float64(capacity) / window.Seconds()
	}
	return min(tokens, float64(capacity))
}
