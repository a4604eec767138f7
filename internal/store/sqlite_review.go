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

// --- Inspections ---

type inspectionRow struct {
	ID          string                     `db:"id"`
	BuildID     string                     `db:"build_id"`
	Passed      bool                       `db:"passed"`
	Issues      jsonColumn[[]models.Issue] `db:"issues"`
	Suggestions jsonColumn[[]string]       `db:"suggestions"`
	Confidence  sql.NullFloat64            `db:"confidence"`
	Inspector   string                     `db:"inspector"`
	CreatedAt   time.Time                  `db:"created_at"`
}

const inspectionColumns = `id, build_id, passed, issues, suggestions, confidence, inspector, created_at`

func (r *inspectionRow) toModel() *models.Inspection {
	insp := &models.Inspection{
		ID:          r.ID,
		BuildID:     r.BuildID,
		Passed:      r.Passed,
		Issues:      r.Issues.V,
		Suggestions: r.Suggestions.V,
		Inspector:   r.Inspector,
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if r.Confidence.Valid {
		v := r.Confidence.Float64
		insp.Confidence = &v
	}
	if insp.Issues == nil {
		insp.Issues = []models.Issue{}
	}
	if insp.Suggestions == nil {
		insp.Suggestions = []string{}
	}
	return insp
}

// RecordInspection stores the verdict and moves the build from DISPATCHED to
// the given status. The queue entry is completed in the same transaction.
// A build that is not DISPATCHED yields ErrPreconditionFailed; a build that
// already has an inspection yields ErrConflict.
func (s *SQLiteStore) RecordInspection(ctx context.Context, insp *models.Inspection, to models.BuildStatus) error {
	if !models.CanTransition(models.BuildStatusDispatched, to) || to == models.BuildStatusRejected {
		return fmt.Errorf("inspection cannot move build to %s: %w", to, ErrPreconditionFailed)
	}
	if insp.ID == "" {
		insp.ID = NewID()
	}
	now := time.Now().UTC()
	insp.CreatedAt = now

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO inspections (`+inspectionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			insp.ID, insp.BuildID, boolToInt(insp.Passed),
			jsonColumn[[]models.Issue]{insp.Issues}, jsonColumn[[]string]{insp.Suggestions},
			nullFloat(insp.Confidence), insp.Inspector, insp.CreatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("build %s already inspected: %w", insp.BuildID, ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("insert inspection: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE builds SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), now, insp.BuildID, string(models.BuildStatusDispatched))
		if err != nil {
			return fmt.Errorf("update build status: %w", err)
		}
		if err := expectOneRow(result, insp.BuildID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE review_queue SET status = ?, completed_at = ? WHERE build_id = ? AND status = ?`,
			string(models.QueueStatusCompleted), now, insp.BuildID, string(models.QueueStatusDispatched)); err != nil {
			return fmt.Errorf("complete queue entry: %w", err)
		}

		return insertAuditEvent(ctx, tx, &models.AuditEvent{
			BuildID:   insp.BuildID,
			Kind:      models.AuditInspectionSubmitted,
			Actor:     insp.Inspector,
			Detail:    fmt.Sprintf("passed=%t issues=%d", insp.Passed, len(insp.Issues)),
			CreatedAt: now,
		})
	})
}

func (s *SQLiteStore) GetInspection(ctx context.Context, buildID string) (*models.Inspection, error) {
	var row inspectionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+inspectionColumns+` FROM inspections WHERE build_id = ?`, buildID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inspection for build %s: %w", buildID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get inspection: %w", err)
	}
	return row.toModel(), nil
}

// --- Revisions ---

type revisionRow struct {
	ID                 string               `db:"id"`
	BuildID            string               `db:"build_id"`
	ProjectID          string               `db:"project_id"`
	TaskID             string               `db:"task_id"`
	FeedbackSummary    string               `db:"feedback_summary"`
	PriorityFixes      jsonColumn[[]string] `db:"priority_fixes"`
	PatchGuidance      string               `db:"patch_guidance"`
	DoNotChange        jsonColumn[[]string] `db:"do_not_change"`
	Status             string               `db:"status"`
	AddressedByBuildID string               `db:"addressed_by_build_id"`
	CreatedAt          time.Time            `db:"created_at"`
	AddressedAt        sql.NullTime         `db:"addressed_at"`
}

const revisionColumns = `id, build_id, project_id, task_id, feedback_summary, priority_fixes, patch_guidance,
	do_not_change, status, addressed_by_build_id, created_at, addressed_at`

func (r *revisionRow) toModel() *models.Revision {
	rev := &models.Revision{
		ID:                 r.ID,
		BuildID:            r.BuildID,
		ProjectID:          r.ProjectID,
		TaskID:             r.TaskID,
		FeedbackSummary:    r.FeedbackSummary,
		PriorityFixes:      r.PriorityFixes.V,
		PatchGuidance:      r.PatchGuidance,
		DoNotChange:        r.DoNotChange.V,
		Status:             models.RevisionStatus(r.Status),
		AddressedByBuildID: r.AddressedByBuildID,
		CreatedAt:          r.CreatedAt.UTC(),
		AddressedAt:        timePtr(r.AddressedAt),
	}
	if rev.PriorityFixes == nil {
		rev.PriorityFixes = []string{}
	}
	return rev
}

// CreateRevision stores a revision request and moves the build from FAILED to
// REVISION_REQUESTED in one transaction.
func (s *SQLiteStore) CreateRevision(ctx context.Context, rev *models.Revision, actor string) error {
	if rev.ID == "" {
		rev.ID = NewID()
	}
	now := time.Now().UTC()
	rev.CreatedAt = now
	rev.Status = models.RevisionStatusPending

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO revisions (`+revisionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rev.ID, rev.BuildID, rev.ProjectID, rev.TaskID, rev.FeedbackSummary,
			jsonColumn[[]string]{rev.PriorityFixes}, rev.PatchGuidance, jsonColumn[[]string]{rev.DoNotChange},
			string(rev.Status), rev.AddressedByBuildID, rev.CreatedAt, nullTime(rev.AddressedAt),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("revision for build %s: %w", rev.BuildID, ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("insert revision: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE builds SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(models.BuildStatusRevisionRequested), now, rev.BuildID, string(models.BuildStatusFailed))
		if err != nil {
			return fmt.Errorf("update build status: %w", err)
		}
		if err := expectOneRow(result, rev.BuildID); err != nil {
			return err
		}

		return insertAuditEvent(ctx, tx, &models.AuditEvent{
			BuildID:   rev.BuildID,
			Kind:      models.AuditRevisionRequested,
			Actor:     actor,
			Detail:    rev.FeedbackSummary,
			CreatedAt: now,
		})
	})
}

func (s *SQLiteStore) GetRevisionByBuild(ctx context.Context, buildID string) (*models.Revision, error) {
	var row revisionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+revisionColumns+` FROM revisions WHERE build_id = ?`, buildID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("revision for build %s: %w", buildID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get revision: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLiteStore) ListRevisions(ctx context.Context, filter RevisionListFilter) ([]*models.Revision, error) {
	query := `SELECT ` + revisionColumns + ` FROM revisions`
	var conditions []string
	var args []any

	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.BuildID != "" {
		conditions = append(conditions, "build_id = ?")
		args = append(args, filter.BuildID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	var rows []revisionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	revs := make([]*models.Revision, 0, len(rows))
	for i := range rows {
		revs = append(revs, rows[i].toModel())
	}
	return revs, nil
}
