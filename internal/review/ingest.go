package review

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/joescharf/ralph/internal/guardrail"
	"github.com/joescharf/ralph/internal/models"
	"github.com/joescharf/ralph/internal/notify"
	"github.com/joescharf/ralph/internal/store"
)

// Field limits for ingestion payloads.
const (
	maxProjectIDLen = 64
	maxTaskIDLen    = 128
	maxCommitSHALen = 64
	maxBranchLen    = 128
	maxCommandLen   = 256

	maxIngestAttempts = 3
)

// IngestRequest is a builder's submission.
type IngestRequest struct {
	ProjectID       string            `json:"project_id"`
	BuildType       models.BuildType  `json:"build_type"`
	TaskID          string            `json:"task_id"`
	TaskDescription string            `json:"task_description"`
	PlanBuildID     string            `json:"plan_build_id"`
	CommitSHA       string            `json:"commit_sha"`
	Branch          string            `json:"branch"`
	ChangedFiles    []string          `json:"changed_files"`
	Diff            string            `json:"diff"`
	DiffSource      models.DiffSource `json:"diff_source"`
	ReviewBundle    map[string]string `json:"review_bundle"`

	TestCommand    string   `json:"test_command"`
	TestExitCode   *int     `json:"test_exit_code"`
	TestOutputTail string   `json:"test_output_tail"`
	Coverage       *float64 `json:"coverage"`
	LintCommand    string   `json:"lint_command"`
	LintExitCode   *int     `json:"lint_exit_code"`
	LintOutputTail string   `json:"lint_output_tail"`

	BuilderSignal models.BuilderSignal `json:"builder_signal"`
	BuilderNotes  json.RawMessage      `json:"builder_notes"`

	// Priority overrides the computed queue priority when set.
	Priority int `json:"priority"`
}

// IngestResult reports what ingestion stored.
type IngestResult struct {
	BuildID               string             `json:"build_id"`
	TaskID                string             `json:"task_id"`
	InspectionStatus      models.BuildStatus `json:"inspection_status"`
	ReviewQueued          bool               `json:"review_queued"`
	RequiresHumanApproval bool               `json:"requires_human_approval"`
	ApprovalReasons       []string           `json:"approval_reasons"`
	IterationCount        int                `json:"iteration_count"`
	AddressedRevisions    []string           `json:"addressed_revisions"`
	// Duplicate is set when the payload matched the open head of its lineage
	// and nothing new was written.
	Duplicate bool `json:"duplicate,omitempty"`
}

func (r *IngestRequest) normalize() error {
	r.ProjectID = strings.TrimSpace(r.ProjectID)
	r.TaskID = strings.TrimSpace(r.TaskID)
	r.CommitSHA = strings.TrimSpace(r.CommitSHA)
	r.Branch = strings.TrimSpace(r.Branch)

	switch {
	case r.ProjectID == "":
		return validationf("project_id is required")
	case r.CommitSHA == "":
		return validationf("commit_sha is required")
	case r.Branch == "":
		return validationf("branch is required")
	}

	for _, f := range []struct {
		name  string
		value string
		max   int
	}{
		{"project_id", r.ProjectID, maxProjectIDLen},
		{"task_id", r.TaskID, maxTaskIDLen},
		{"commit_sha", r.CommitSHA, maxCommitSHALen},
		{"branch", r.Branch, maxBranchLen},
		{"test_command", r.TestCommand, maxCommandLen},
		{"lint_command", r.LintCommand, maxCommandLen},
	} {
		if len(f.value) > f.max {
			return validationf("%s exceeds %d characters", f.name, f.max)
		}
	}

	if r.BuildType == "" {
		r.BuildType = models.BuildTypeCode
	}
	if !r.BuildType.Valid() {
		return validationf("unknown build_type %q", r.BuildType)
	}
	// A submission without a signal is ready for review.
	if r.BuilderSignal == "" {
		r.BuilderSignal = models.SignalReadyForReview
	}
	if !r.BuilderSignal.Valid() {
		return validationf("unknown builder_signal %q", r.BuilderSignal)
	}
	if r.DiffSource == "" {
		r.DiffSource = models.DiffSourceAgent
	}
	if r.DiffSource != models.DiffSourceAgent && r.DiffSource != models.DiffSourceGitHub {
		return validationf("unknown diff_source %q", r.DiffSource)
	}
	if r.Priority != 0 && (r.Priority < models.MinPriority || r.Priority > models.MaxPriority) {
		return validationf("priority must be between %d and %d", models.MinPriority, models.MaxPriority)
	}
	if r.Coverage != nil && (*r.Coverage < 0 || *r.Coverage > 100) {
		return validationf("coverage must be between 0 and 100")
	}
	if len(r.BuilderNotes) > 0 && !json.Valid(r.BuilderNotes) {
		return validationf("builder_notes is not valid JSON")
	}
	return nil
}

func (r *IngestRequest) build(files []string) *models.Build {
	return &models.Build{
		ProjectID:       r.ProjectID,
		BuildType:       r.BuildType,
		TaskID:          r.TaskID,
		TaskDescription: r.TaskDescription,
		PlanBuildID:     r.PlanBuildID,
		CommitSHA:       r.CommitSHA,
		Branch:          r.Branch,
		ChangedFiles:    files,
		Diff:            r.Diff,
		DiffSource:      r.DiffSource,
		ReviewBundle:    r.ReviewBundle,
		TestCommand:     r.TestCommand,
		TestExitCode:    r.TestExitCode,
		TestOutputTail:  r.TestOutputTail,
		Coverage:        r.Coverage,
		LintCommand:     r.LintCommand,
		LintExitCode:    r.LintExitCode,
		LintOutputTail:  r.LintOutputTail,
		BuilderSignal:   r.BuilderSignal,
		BuilderNotes:    r.BuilderNotes,
		Status:          models.BuildStatusPending,
	}
}

// Ingest validates a submission, evaluates guardrails and stores the build
// with its queue entry. A concurrent resubmission of the same lineage is
// retried with a fresh iteration number. Repeating the commit of a lineage
// head that is still waiting for review returns that build with Duplicate set.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()

	project, err := e.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, asUnavailable(err)
	}
	policy := e.policyFor(project)
	files := guardrail.NormalizePaths(req.ChangedFiles)

	var opts []store.IngestOption
	if req.TaskID != "" {
		opts = append(opts, store.WithDuplicateCheck())
	}

	var lastErr error
	for attempt := 1; attempt <= maxIngestAttempts; attempt++ {
		b := req.build(files)
		b.ID = store.NewID()
		if b.TaskID == "" {
			b.TaskID = b.ID
		}

		iteration, err := e.store.NextIteration(ctx, b.ProjectID, b.TaskID)
		if err != nil {
			return nil, asUnavailable(err)
		}
		b.IterationCount = iteration

		verdict := guardrail.Evaluate(files, iteration, policy)
		b.RequiresHumanApproval = verdict.RequiresHumanApproval
		b.ApprovalReasons = verdict.Reasons

		var q *models.QueueEntry
		if b.BuilderSignal == models.SignalReadyForReview {
			q = &models.QueueEntry{Priority: e.priority(req.Priority, iteration)}
		}

		addressed, err := e.store.IngestBuild(ctx, b, q, opts...)
		var dup *store.DuplicateError
		if errors.As(err, &dup) {
			return e.duplicateResult(ctx, dup.BuildID)
		}
		if errors.Is(err, store.ErrConflict) {
			e.logger.Debug("ingest collided, retrying",
				"project_id", b.ProjectID, "task_id", b.TaskID, "iteration", iteration, "attempt", attempt)
			lastErr = err
			continue
		}
		if err != nil {
			return nil, asUnavailable(err)
		}

		e.logger.Info("build ingested",
			"build_id", b.ID, "project_id", b.ProjectID, "task_id", b.TaskID,
			"iteration", iteration, "queued", q != nil, "requires_human_approval", b.RequiresHumanApproval)
		e.notifyIngested(b)

		if addressed == nil {
			addressed = []string{}
		}
		return &IngestResult{
			BuildID:               b.ID,
			TaskID:                b.TaskID,
			InspectionStatus:      b.Status,
			ReviewQueued:          q != nil,
			RequiresHumanApproval: b.RequiresHumanApproval,
			ApprovalReasons:       b.ApprovalReasons,
			IterationCount:        iteration,
			AddressedRevisions:    addressed,
		}, nil
	}
	return nil, lastErr
}

// duplicateResult reports the lineage head a repeated submission matched.
func (e *Engine) duplicateResult(ctx context.Context, buildID string) (*IngestResult, error) {
	head, err := e.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, asUnavailable(err)
	}

	queued := false
	if entry, err := e.store.GetQueueEntryByBuild(ctx, head.ID); err == nil {
		queued = entry.Status != models.QueueStatusCompleted
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, asUnavailable(err)
	}

	e.logger.Info("duplicate submission", "build_id", head.ID, "task_id", head.TaskID, "commit_sha", head.CommitSHA)
	return &IngestResult{
		BuildID:               head.ID,
		TaskID:                head.TaskID,
		InspectionStatus:      head.Status,
		ReviewQueued:          queued,
		RequiresHumanApproval: head.RequiresHumanApproval,
		ApprovalReasons:       head.ApprovalReasons,
		IterationCount:        head.IterationCount,
		AddressedRevisions:    []string{},
		Duplicate:             true,
	}, nil
}

func (e *Engine) priority(requested, iteration int) int {
	if requested != 0 {
		return models.ClampPriority(requested)
	}
	p := e.cfg.DefaultPriority
	if iteration > 0 {
		p += e.cfg.ResubmitPriorityBoost
	}
	return models.ClampPriority(p)
}

func (e *Engine) notifyIngested(b *models.Build) {
	ev := notify.Event{
		Kind:         notify.EventBuildIngested,
		BuildID:      b.ID,
		ProjectID:    b.ProjectID,
		TaskID:       b.TaskID,
		Iteration:    b.IterationCount,
		Status:       string(b.Status),
		ChangedFiles: b.ChangedFiles,
		TestsPassed:  exitPassed(b.TestExitCode),
		LintPassed:   exitPassed(b.LintExitCode),
	}
	if b.RequiresHumanApproval {
		ev.Kind = notify.EventApprovalRequested
		ev.Reasons = b.ApprovalReasons
	}
	e.notifier.Send(ev)
}
