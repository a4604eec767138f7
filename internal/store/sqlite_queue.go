package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/joescharf/ralph/internal/models"
)

type queueRow struct {
	ID           string       `db:"id"`
	BuildID      string       `db:"build_id"`
	ProjectID    string       `db:"project_id"`
	TaskID       string       `db:"task_id"`
	QueueType    string       `db:"queue_type"`
	Priority     int          `db:"priority"`
	Status       string       `db:"status"`
	CreatedAt    time.Time    `db:"created_at"`
	DispatchedAt sql.NullTime `db:"dispatched_at"`
	CompletedAt  sql.NullTime `db:"completed_at"`
}

const queueColumns = `id, build_id, project_id, task_id, queue_type, priority, status, created_at, dispatched_at, completed_at`

func (r *queueRow) toModel() *models.QueueEntry {
	return &models.QueueEntry{
		ID:           r.ID,
		BuildID:      r.BuildID,
		ProjectID:    r.ProjectID,
		TaskID:       r.TaskID,
		QueueType:    models.BuildType(r.QueueType),
		Priority:     r.Priority,
		Status:       models.QueueStatus(r.Status),
		CreatedAt:    r.CreatedAt.UTC(),
		DispatchedAt: timePtr(r.DispatchedAt),
		CompletedAt:  timePtr(r.CompletedAt),
	}
}

func insertQueueEntry(ctx context.Context, tx *sqlx.Tx, q *models.QueueEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO review_queue (`+queueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.BuildID, q.ProjectID, q.TaskID, string(q.QueueType), q.Priority, string(q.Status),
		q.CreatedAt, nullTime(q.DispatchedAt), nullTime(q.CompletedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("build %s already queued: %w", q.BuildID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

// ListQueue returns queue entries in dispatch order.
func (s *SQLiteStore) ListQueue(ctx context.Context, filter QueueListFilter) ([]*models.QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM review_queue`
	var conditions []string
	var args []any

	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY priority DESC, created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []queueRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	entries := make([]*models.QueueEntry, 0, len(rows))
	for i := range rows {
		entries = append(entries, rows[i].toModel())
	}
	return entries, nil
}

// GetQueueEntryByBuild returns the open queue entry for a build, or the most
// recent completed one when none is open.
func (s *SQLiteStore) GetQueueEntryByBuild(ctx context.Context, buildID string) (*models.QueueEntry, error) {
	var row queueRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+queueColumns+` FROM review_queue WHERE build_id = ?
		ORDER BY CASE WHEN status = ? THEN 1 ELSE 0 END, created_at DESC LIMIT 1`,
		buildID, string(models.QueueStatusCompleted))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue entry for build %s: %w", buildID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	return row.toModel(), nil
}

// ClaimQueueEntry moves a PENDING entry and its build to DISPATCHED and records
// the dispatch, all in one transaction. It returns false without writing
// anything when another claimant got there first.
func (s *SQLiteStore) ClaimQueueEntry(ctx context.Context, entryID string, at time.Time) (bool, error) {
	at = at.UTC()
	claimed := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var buildID string
		err := tx.GetContext(ctx, &buildID,
			`UPDATE review_queue SET status = ?, dispatched_at = ?
			WHERE id = ? AND status = ?
			RETURNING build_id`,
			string(models.QueueStatusDispatched), at, entryID, string(models.QueueStatusPending))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim queue entry: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE builds SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(models.BuildStatusDispatched), at, buildID, string(models.BuildStatusPending))
		if err != nil {
			return fmt.Errorf("dispatch build: %w", err)
		}
		if err := expectOneRow(result, buildID); err != nil {
			return err
		}

		if err := insertDispatchEvent(ctx, tx, &models.DispatchEvent{
			BuildID:      buildID,
			QueueEntryID: entryID,
			Outcome:      models.DispatchOutcomeDispatched,
			Method:       models.DispatchMethodPoll,
			CreatedAt:    at,
		}); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}
