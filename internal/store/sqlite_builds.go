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

type buildRow struct {
	ID                    string                          `db:"id"`
	ProjectID             string                          `db:"project_id"`
	BuildType             string                          `db:"build_type"`
	TaskID                string                          `db:"task_id"`
	TaskDescription       string                          `db:"task_description"`
	PlanBuildID           string                          `db:"plan_build_id"`
	CommitSHA             string                          `db:"commit_sha"`
	Branch                string                          `db:"branch"`
	ChangedFiles          jsonColumn[[]string]            `db:"changed_files"`
	Diff                  string                          `db:"diff"`
	DiffSource            string                          `db:"diff_source"`
	ReviewBundle          jsonColumn[map[string]string]   `db:"review_bundle"`
	TestCommand           string                          `db:"test_command"`
	TestExitCode          sql.NullInt64                   `db:"test_exit_code"`
	TestOutputTail        string                          `db:"test_output_tail"`
	Coverage              sql.NullFloat64                 `db:"coverage"`
	LintCommand           string                          `db:"lint_command"`
	LintExitCode          sql.NullInt64                   `db:"lint_exit_code"`
	LintOutputTail        string                          `db:"lint_output_tail"`
	BuilderSignal         string                          `db:"builder_signal"`
	BuilderNotes          string                          `db:"builder_notes"`
	Status                string                          `db:"status"`
	RequiresHumanApproval bool                            `db:"requires_human_approval"`
	ApprovalReasons       jsonColumn[[]string]            `db:"approval_reasons"`
	HumanApprovedBy       string                          `db:"human_approved_by"`
	ApprovalNotes         string                          `db:"approval_notes"`
	IterationCount        int                             `db:"iteration_count"`
	CreatedAt             time.Time                       `db:"created_at"`
	UpdatedAt             time.Time                       `db:"updated_at"`
}

const buildColumns = `id, project_id, build_type, task_id, task_description, plan_build_id, commit_sha, branch,
	changed_files, diff, diff_source, review_bundle, test_command, test_exit_code, test_output_tail, coverage,
	lint_command, lint_exit_code, lint_output_tail, builder_signal, builder_notes, status,
	requires_human_approval, approval_reasons, human_approved_by, approval_notes, iteration_count,
	created_at, updated_at`

func (r *buildRow) toModel() *models.Build {
	b := &models.Build{
		ID:                    r.ID,
		ProjectID:             r.ProjectID,
		BuildType:             models.BuildType(r.BuildType),
		TaskID:                r.TaskID,
		TaskDescription:       r.TaskDescription,
		PlanBuildID:           r.PlanBuildID,
		CommitSHA:             r.CommitSHA,
		Branch:                r.Branch,
		ChangedFiles:          r.ChangedFiles.V,
		Diff:                  r.Diff,
		DiffSource:            models.DiffSource(r.DiffSource),
		ReviewBundle:          r.ReviewBundle.V,
		TestCommand:           r.TestCommand,
		TestOutputTail:        r.TestOutputTail,
		LintCommand:           r.LintCommand,
		LintOutputTail:        r.LintOutputTail,
		BuilderSignal:         models.BuilderSignal(r.BuilderSignal),
		Status:                models.BuildStatus(r.Status),
		RequiresHumanApproval: r.RequiresHumanApproval,
		ApprovalReasons:       r.ApprovalReasons.V,
		HumanApprovedBy:       r.HumanApprovedBy,
		ApprovalNotes:         r.ApprovalNotes,
		IterationCount:        r.IterationCount,
		CreatedAt:             r.CreatedAt.UTC(),
		UpdatedAt:             r.UpdatedAt.UTC(),
	}
	if r.TestExitCode.Valid {
		v := int(r.TestExitCode.Int64)
		b.TestExitCode = &v
	}
	if r.LintExitCode.Valid {
		v := int(r.LintExitCode.Int64)
		b.LintExitCode = &v
	}
	if r.Coverage.Valid {
		v := r.Coverage.Float64
		b.Coverage = &v
	}
	if r.BuilderNotes != "" {
		b.BuilderNotes = []byte(r.BuilderNotes)
	}
	if b.ChangedFiles == nil {
		b.ChangedFiles = []string{}
	}
	if b.ApprovalReasons == nil {
		b.ApprovalReasons = []string{}
	}
	return b
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

// NextIteration returns the iteration number the next build of a lineage gets.
func (s *SQLiteStore) NextIteration(ctx context.Context, projectID, taskID string) (int, error) {
	var next int
	err := s.db.GetContext(ctx, &next,
		`SELECT COALESCE(MAX(iteration_count) + 1, 0) FROM builds WHERE project_id = ? AND task_id = ?`,
		projectID, taskID)
	if err != nil {
		return 0, fmt.Errorf("next iteration: %w", err)
	}
	return next, nil
}

// IngestBuild writes a new build and, when q is non-nil, its queue entry. Pending
// revisions for earlier iterations of the same lineage are marked addressed by
// the new build. Everything happens in one transaction; the IDs of the
// addressed revisions are returned.
//
// A duplicate build id or lineage iteration returns ErrConflict.
func (s *SQLiteStore) IngestBuild(ctx context.Context, b *models.Build, q *models.QueueEntry, opts ...IngestOption) ([]string, error) {
	var o ingestOptions
	for _, opt := range opts {
		opt(&o)
	}
	if b.ID == "" {
		b.ID = NewID()
	}
	if b.Status == "" {
		b.Status = models.BuildStatusPending
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	var addressed []string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if o.skipDuplicate {
			if err := checkDuplicate(ctx, tx, b); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO builds (`+buildColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.ProjectID, string(b.BuildType), b.TaskID, b.TaskDescription, b.PlanBuildID, b.CommitSHA, b.Branch,
			jsonColumn[[]string]{b.ChangedFiles}, b.Diff, string(b.DiffSource), jsonColumn[map[string]string]{b.ReviewBundle},
			b.TestCommand, nullInt(b.TestExitCode), b.TestOutputTail, nullFloat(b.Coverage),
			b.LintCommand, nullInt(b.LintExitCode), b.LintOutputTail, string(b.BuilderSignal), string(b.BuilderNotes),
			string(b.Status), boolToInt(b.RequiresHumanApproval), jsonColumn[[]string]{b.ApprovalReasons},
			b.HumanApprovedBy, b.ApprovalNotes, b.IterationCount, b.CreatedAt, b.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("build %s iteration %d: %w", b.TaskID, b.IterationCount, ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("insert build: %w", err)
		}

		if q != nil {
			q.ID = NewID()
			q.BuildID = b.ID
			q.ProjectID = b.ProjectID
			q.TaskID = b.TaskID
			q.QueueType = b.BuildType
			q.Status = models.QueueStatusPending
			q.CreatedAt = now
			if err := insertQueueEntry(ctx, tx, q); err != nil {
				return err
			}
		}

		if b.IterationCount == 0 {
			return nil
		}
		if err := tx.SelectContext(ctx, &addressed,
			`SELECT r.id FROM revisions r JOIN builds pb ON pb.id = r.build_id
			WHERE r.project_id = ? AND r.task_id = ? AND r.status = ? AND pb.iteration_count < ?
			ORDER BY r.created_at`,
			b.ProjectID, b.TaskID, string(models.RevisionStatusPending), b.IterationCount); err != nil {
			return fmt.Errorf("find pending revisions: %w", err)
		}
		if len(addressed) == 0 {
			return nil
		}
		query, args, err := sqlx.In(
			`UPDATE revisions SET status = ?, addressed_by_build_id = ?, addressed_at = ? WHERE id IN (?)`,
			string(models.RevisionStatusAddressed), b.ID, now, addressed)
		if err != nil {
			return fmt.Errorf("build revision update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("address revisions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return addressed, nil
}

// checkDuplicate fails with a *DuplicateError when the lineage head carries
// b's commit and has not been inspected yet.
func checkDuplicate(ctx context.Context, tx *sqlx.Tx, b *models.Build) error {
	var head struct {
		ID        string `db:"id"`
		CommitSHA string `db:"commit_sha"`
		Status    string `db:"status"`
	}
	err := tx.GetContext(ctx, &head,
		`SELECT id, commit_sha, status FROM builds
		WHERE project_id = ? AND task_id = ?
		ORDER BY iteration_count DESC LIMIT 1`,
		b.ProjectID, b.TaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find lineage head: %w", err)
	}
	switch models.BuildStatus(head.Status) {
	case models.BuildStatusPending, models.BuildStatusDispatched:
		if head.CommitSHA == b.CommitSHA {
			return &DuplicateError{BuildID: head.ID}
		}
	}
	return nil
}

func (s *SQLiteStore) GetBuild(ctx context.Context, id string) (*models.Build, error) {
	var row buildRow
	err := s.db.GetContext(ctx, &row, `SELECT `+buildColumns+` FROM builds WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLiteStore) ListBuilds(ctx context.Context, filter BuildListFilter) ([]*models.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds`
	var conditions []string
	var args []any

	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.TaskID != "" {
		conditions = append(conditions, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []buildRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	builds := make([]*models.Build, 0, len(rows))
	for i := range rows {
		builds = append(builds, rows[i].toModel())
	}
	return builds, nil
}

// TransitionBuild applies t if the build is still in t.From. A build in any
// other state yields ErrPreconditionFailed and nothing is written.
func (s *SQLiteStore) TransitionBuild(ctx context.Context, t Transition) error {
	if !models.CanTransition(t.From, t.To) {
		return fmt.Errorf("build %s cannot move from %s to %s: %w", t.BuildID, t.From, t.To, ErrPreconditionFailed)
	}
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE builds SET status = ?,
				human_approved_by = CASE WHEN ? != '' THEN ? ELSE human_approved_by END,
				approval_notes = CASE WHEN ? != '' THEN ? ELSE approval_notes END,
				updated_at = ?
			WHERE id = ? AND status = ?`,
			string(t.To), t.ApprovedBy, t.ApprovedBy, t.Notes, t.Notes, now, t.BuildID, string(t.From))
		if err != nil {
			return fmt.Errorf("transition build: %w", err)
		}
		if err := expectOneRow(result, t.BuildID); err != nil {
			return err
		}

		if t.CompleteQueue {
			if _, err := tx.ExecContext(ctx,
				`UPDATE review_queue SET status = ?, completed_at = ? WHERE build_id = ? AND status != ?`,
				string(models.QueueStatusCompleted), now, t.BuildID, string(models.QueueStatusCompleted)); err != nil {
				return fmt.Errorf("complete queue entry: %w", err)
			}
		}

		for _, e := range t.Audit {
			if err := insertAuditEvent(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordHumanApproval stores a human sign-off on a build that has not been
// decided yet. The sign-off is written once; a build that is already signed
// off, approved, failed or rejected yields ErrPreconditionFailed.
func (s *SQLiteStore) RecordHumanApproval(ctx context.Context, buildID, approvedBy string, audit *models.AuditEvent) error {
	if approvedBy == "" {
		return fmt.Errorf("build %s: empty approver: %w", buildID, ErrPreconditionFailed)
	}
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE builds SET human_approved_by = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?, ?)
			AND (human_approved_by IS NULL OR human_approved_by = '')`,
			approvedBy, now, buildID,
			string(models.BuildStatusPending), string(models.BuildStatusDispatched), string(models.BuildStatusPassed))
		if err != nil {
			return fmt.Errorf("record human approval: %w", err)
		}
		if err := expectOneRow(result, buildID); err != nil {
			return err
		}
		if audit != nil {
			return insertAuditEvent(ctx, tx, audit)
		}
		return nil
	})
}

// expectOneRow turns a zero-row conditional update into ErrPreconditionFailed.
func expectOneRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("build %s changed state concurrently: %w", id, ErrPreconditionFailed)
	}
	return nil
}
