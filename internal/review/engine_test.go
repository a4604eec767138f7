package review

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/joescharf/ralph/internal/dispatcher"
	"github.com/joescharf/ralph/internal/models"
	"github.com/joescharf/ralph/internal/notify"
	"github.com/joescharf/ralph/internal/ratelimit"
	"github.com/joescharf/ralph/internal/store"
	"github.com/joescharf/ralph/mocks"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateProject(context.Background(), &models.Project{ID: "kaiscout"}))
	return s
}

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore) {
	t.Helper()
	s := newTestStore(t)
	e := New(s, nil, Config{}, nil)
	t.Cleanup(e.Close)
	return e, s
}

func intPtr(v int) *int { return &v }

func ingestReq(taskID, commit string, files ...string) IngestRequest {
	if len(files) == 0 {
		files = []string{"src/api.py"}
	}
	return IngestRequest{
		ProjectID:    "kaiscout",
		TaskID:       taskID,
		CommitSHA:    commit,
		Branch:       "feature/" + taskID,
		ChangedFiles: files,
		TestExitCode: intPtr(0),
	}
}

// dispatch claims the open queue entry of a build the way the dispatcher would.
func dispatch(t *testing.T, s store.Store, buildID string) {
	t.Helper()
	entry, err := s.GetQueueEntryByBuild(context.Background(), buildID)
	require.NoError(t, err)
	claimed, err := s.ClaimQueueEntry(context.Background(), entry.ID, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)
}

func failedBuild(t *testing.T, e *Engine, s store.Store, taskID string) string {
	t.Helper()
	res, err := e.Ingest(context.Background(), ingestReq(taskID, "sha-"+taskID))
	require.NoError(t, err)
	dispatch(t, s, res.BuildID)
	_, err = e.SubmitInspection(context.Background(), InspectionRequest{
		BuildID: res.BuildID,
		Passed:  false,
		Issues:  []models.Issue{{Severity: models.SeverityBlocker, Description: "unchecked error"}},
	})
	require.NoError(t, err)
	return res.BuildID
}

func TestIngest_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	long := func(n int) string { return fmt.Sprintf("%0*d", n, 0) }

	tests := []struct {
		name   string
		mutate func(*IngestRequest)
	}{
		{"missing project", func(r *IngestRequest) { r.ProjectID = "" }},
		{"missing commit", func(r *IngestRequest) { r.CommitSHA = " " }},
		{"missing branch", func(r *IngestRequest) { r.Branch = "" }},
		{"long project", func(r *IngestRequest) { r.ProjectID = long(65) }},
		{"long task", func(r *IngestRequest) { r.TaskID = long(129) }},
		{"long commit", func(r *IngestRequest) { r.CommitSHA = long(65) }},
		{"long branch", func(r *IngestRequest) { r.Branch = long(129) }},
		{"long test command", func(r *IngestRequest) { r.TestCommand = long(257) }},
		{"bad build type", func(r *IngestRequest) { r.BuildType = "DOCS" }},
		{"bad signal", func(r *IngestRequest) { r.BuilderSignal = "DONE" }},
		{"bad diff source", func(r *IngestRequest) { r.DiffSource = "gitlab" }},
		{"bad priority", func(r *IngestRequest) { r.Priority = 11 }},
		{"bad notes", func(r *IngestRequest) { r.BuilderNotes = []byte("{not json") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := ingestReq("t1", "abc123")
			tt.mutate(&req)
			_, err := e.Ingest(context.Background(), req)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, "validation", Kind(err))
		})
	}
}

func TestIngest_BuilderSignalDefaultsToReady(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, ingestReq("t1", "abc123"))
	require.NoError(t, err)
	assert.True(t, res.ReviewQueued)
	b, err := s.GetBuild(ctx, res.BuildID)
	require.NoError(t, err)
	assert.Equal(t, models.SignalReadyForReview, b.BuilderSignal)

	req := ingestReq("t2", "def456")
	req.BuilderSignal = models.SignalNeedsWork
	res, err = e.Ingest(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.ReviewQueued)
}

func TestIngest_UnknownProject(t *testing.T) {
	e, _ := newTestEngine(t)
	req := ingestReq("t1", "abc123")
	req.ProjectID = "nope"
	_, err := e.Ingest(context.Background(), req)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIngest_QueuesReadyBuild(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, ingestReq("", "abc123", "./src/api.py", "src/api.py"))
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusPending, res.InspectionStatus)
	assert.True(t, res.ReviewQueued)
	assert.False(t, res.RequiresHumanApproval)
	assert.Empty(t, res.ApprovalReasons)
	assert.Equal(t, 0, res.IterationCount)
	assert.Equal(t, res.BuildID, res.TaskID, "task id defaults to the build id")
	assert.Empty(t, res.AddressedRevisions)

	b, err := s.GetBuild(ctx, res.BuildID)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/api.py"}, b.ChangedFiles)
	assert.Equal(t, models.BuildTypeCode, b.BuildType)
	assert.Equal(t, models.SignalReadyForReview, b.BuilderSignal)

	entry, err := s.GetQueueEntryByBuild(ctx, res.BuildID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, entry.Status)
	assert.Equal(t, models.DefaultPriority, entry.Priority)
}

func TestIngest_NotReadyIsNotQueued(t *testing.T) {
	e, s := newTestEngine(t)
	req := ingestReq("t1", "abc123")
	req.BuilderSignal = models.SignalNeedsWork

	res, err := e.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.ReviewQueued)

	_, err = s.GetQueueEntryByBuild(context.Background(), res.BuildID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngest_Guardrails(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, ingestReq("t1", "abc123", "backend/app/core/security/jwt.py", "requirements.txt"))
	require.NoError(t, err)
	assert.True(t, res.RequiresHumanApproval)
	assert.Equal(t, []string{
		"Dependency change: requirements.txt",
		"Protected area: backend/app/core/security",
	}, res.ApprovalReasons)

	require.NoError(t, s.CreateProject(ctx, &models.Project{ID: "strict", ProtectedPaths: []string{"src/api.py"}}))
	req := ingestReq("t1", "abc123")
	req.ProjectID = "strict"
	res, err = e.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"Protected area: src/api.py"}, res.ApprovalReasons)
}

func TestIngest_IterationLimit(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	var res *IngestResult
	var err error
	for i := range 4 {
		res, err = e.Ingest(ctx, ingestReq("t1", fmt.Sprintf("sha-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, i, res.IterationCount)
	}
	assert.True(t, res.RequiresHumanApproval)
	assert.Equal(t, []string{"Iteration limit reached: 3 of 3"}, res.ApprovalReasons)
}

func TestIngest_Duplicate(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Ingest(ctx, ingestReq("t1", "abc123"))
	require.NoError(t, err)
	again, err := e.Ingest(ctx, ingestReq("t1", "abc123"))
	require.NoError(t, err)

	assert.True(t, again.Duplicate)
	assert.Equal(t, first.BuildID, again.BuildID)
	assert.True(t, again.ReviewQueued)

	builds, err := s.ListBuilds(ctx, store.BuildListFilter{TaskID: "t1"})
	require.NoError(t, err)
	assert.Len(t, builds, 1)
	queue, err := s.ListQueue(ctx, store.QueueListFilter{})
	require.NoError(t, err)
	assert.Len(t, queue, 1)
}

func TestIngest_ConcurrentDuplicates(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	results := make([]*IngestResult, 8)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Ingest(ctx, ingestReq("t1", "abc123"))
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	fresh := 0
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, results[0].BuildID, res.BuildID)
		if !res.Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	builds, err := s.ListBuilds(ctx, store.BuildListFilter{TaskID: "t1"})
	require.NoError(t, err)
	assert.Len(t, builds, 1)
}

func TestIngest_ResubmitPriorityBoost(t *testing.T) {
	s := newTestStore(t)
	e := New(s, nil, Config{ResubmitPriorityBoost: 2}, nil)
	t.Cleanup(e.Close)
	ctx := context.Background()

	_, err := e.Ingest(ctx, ingestReq("t1", "sha-1"))
	require.NoError(t, err)
	second, err := e.Ingest(ctx, ingestReq("t1", "sha-2"))
	require.NoError(t, err)
	require.Equal(t, 1, second.IterationCount)

	entry, err := s.GetQueueEntryByBuild(ctx, second.BuildID)
	require.NoError(t, err)
	assert.Equal(t, 7, entry.Priority)

	req := ingestReq("t2", "sha-3")
	req.Priority = 9
	explicit, err := e.Ingest(ctx, req)
	require.NoError(t, err)
	entry, err = s.GetQueueEntryByBuild(ctx, explicit.BuildID)
	require.NoError(t, err)
	assert.Equal(t, 9, entry.Priority)
}

func TestIngest_ConcurrentResubmissions(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	const n = 3
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Ingest(ctx, ingestReq("t1", fmt.Sprintf("sha-%d", i)))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	builds, err := s.ListBuilds(ctx, store.BuildListFilter{TaskID: "t1"})
	require.NoError(t, err)
	require.Len(t, builds, n)
	seen := map[int]bool{}
	for _, b := range builds {
		seen[b.IterationCount] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, seen)
}

func TestSubmitInspection(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, ingestReq("t1", "abc123"))
	require.NoError(t, err)

	verdict := InspectionRequest{
		BuildID:     res.BuildID,
		Passed:      true,
		Suggestions: []string{"add a test for the empty case"},
	}

	_, err = e.SubmitInspection(ctx, verdict)
	assert.ErrorIs(t, err, ErrPreconditionFailed, "a pending build cannot be inspected")

	dispatch(t, s, res.BuildID)

	got, err := e.SubmitInspection(ctx, verdict)
	require.NoError(t, err)
	assert.False(t, got.Replayed)
	assert.Equal(t, models.BuildStatusPassed, got.InspectionStatus)
	assert.Equal(t, "external-reviewer", got.Inspection.Inspector)

	replay, err := e.SubmitInspection(ctx, verdict)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, got.Inspection.ID, replay.Inspection.ID)
	assert.Equal(t, models.BuildStatusPassed, replay.InspectionStatus)

	verdict.Passed = false
	_, err = e.SubmitInspection(ctx, verdict)
	assert.ErrorIs(t, err, ErrConflict)

	entry, err := s.GetQueueEntryByBuild(ctx, res.BuildID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, entry.Status)

	audit, err := e.ListAudit(ctx, res.BuildID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, models.AuditInspectionSubmitted, audit[0].Kind)
}

func TestSubmitInspection_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	bad := 1.5
	tests := []InspectionRequest{
		{},
		{BuildID: "b1", Issues: []models.Issue{{Severity: "CRITICAL", Description: "x"}}},
		{BuildID: "b1", Issues: []models.Issue{{Severity: models.SeverityMinor}}},
		{BuildID: "b1", Confidence: &bad},
	}
	for i, req := range tests {
		_, err := e.SubmitInspection(context.Background(), req)
		assert.ErrorIs(t, err, ErrValidation, "case %d", i)
	}

	_, err := e.SubmitInspection(context.Background(), InspectionRequest{BuildID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestRevision(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	pending, err := e.Ingest(ctx, ingestReq("other", "abc123"))
	require.NoError(t, err)
	_, err = e.RequestRevision(ctx, RevisionRequest{BuildID: pending.BuildID, FeedbackSummary: "x"})
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	buildID := failedBuild(t, e, s, "t1")
	_, err = e.RequestRevision(ctx, RevisionRequest{BuildID: buildID})
	assert.ErrorIs(t, err, ErrValidation)

	req := RevisionRequest{
		BuildID:         buildID,
		FeedbackSummary: "handle the error from Save",
		PriorityFixes:   []string{"check err in handler", " "},
		DoNotChange:     []string{"migrations/"},
	}
	got, err := e.RequestRevision(ctx, req)
	require.NoError(t, err)
	assert.False(t, got.Replayed)
	assert.Equal(t, models.RevisionStatusPending, got.Revision.Status)
	assert.Equal(t, []string{"check err in handler"}, got.Revision.PriorityFixes)
	assert.Equal(t, models.BuildStatusRevisionRequested, got.InspectionStatus)

	again, err := e.RequestRevision(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, got.Revision.ID, again.Revision.ID)

	revs, err := e.GetPendingRevisions(ctx, "kaiscout", "")
	require.NoError(t, err)
	require.Len(t, revs, 1)

	next, err := e.Ingest(ctx, ingestReq("t1", "sha-t1-fixed"))
	require.NoError(t, err)
	assert.Equal(t, 1, next.IterationCount)
	assert.Equal(t, []string{got.Revision.ID}, next.AddressedRevisions)

	revs, err = e.GetPendingRevisions(ctx, "kaiscout", "")
	require.NoError(t, err)
	assert.Empty(t, revs)

	_, err = e.GetPendingRevisions(ctx, "nope", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApproveBuild(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, ingestReq("t1", "abc123"))
	require.NoError(t, err)

	_, err = e.ApproveBuild(ctx, ApprovalRequest{BuildID: res.BuildID})
	assert.ErrorIs(t, err, ErrPreconditionFailed, "no verdict yet")

	dispatch(t, s, res.BuildID)
	_, err = e.SubmitInspection(ctx, InspectionRequest{BuildID: res.BuildID, Passed: true})
	require.NoError(t, err)

	_, err = e.ApproveBuild(ctx, ApprovalRequest{BuildID: res.BuildID, CommitSHA: "def456"})
	assert.ErrorIs(t, err, ErrPreconditionFailed, "commit mismatch")

	got, err := e.ApproveBuild(ctx, ApprovalRequest{BuildID: res.BuildID, Notes: "lgtm", CommitSHA: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusApproved, got.Build.Status)
	assert.Equal(t, "lgtm", got.Build.ApprovalNotes)
	assert.False(t, got.Override)

	again, err := e.ApproveBuild(ctx, ApprovalRequest{BuildID: res.BuildID})
	require.NoError(t, err)
	assert.True(t, again.Replayed)

	_, err = e.RejectBuild(ctx, RejectionRequest{BuildID: res.BuildID, Reason: "too late"})
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestApproveBuild_RequiresHuman(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, ingestReq("t1", "abc123", ".env"))
	require.NoError(t, err)
	require.True(t, res.RequiresHumanApproval)
	dispatch(t, s, res.BuildID)
	_, err = e.SubmitInspection(ctx, InspectionRequest{BuildID: res.BuildID, Passed: true})
	require.NoError(t, err)

	_, err = e.ApproveBuild(ctx, ApprovalRequest{BuildID: res.BuildID})
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	got, err := e.ApproveBuild(ctx, ApprovalRequest{BuildID: res.BuildID, HumanApprovedBy: "joe"})
	require.NoError(t, err)
	assert.Equal(t, "joe", got.Build.HumanApprovedBy)
}

func TestApproveBuild_Override(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	buildID := failedBuild(t, e, s, "t1")

	_, err := e.ApproveBuild(ctx, ApprovalRequest{BuildID: buildID})
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	got, err := e.ApproveBuild(ctx, ApprovalRequest{BuildID: buildID, HumanApprovedBy: "joe", Notes: "hotfix"})
	require.NoError(t, err)
	assert.True(t, got.Override)
	assert.Equal(t, models.BuildStatusApproved, got.Build.Status)

	audit, err := e.ListAudit(ctx, buildID)
	require.NoError(t, err)
	kinds := make([]models.AuditKind, 0, len(audit))
	for _, a := range audit {
		kinds = append(kinds, a.Kind)
	}
	assert.Equal(t, []models.AuditKind{
		models.AuditInspectionSubmitted,
		models.AuditApproved,
		models.AuditGuardrailBypass,
	}, kinds)
}

func TestRejectBuild(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Ingest(ctx, ingestReq("t1", "abc123"))
	require.NoError(t, err)

	_, err = e.RejectBuild(ctx, RejectionRequest{BuildID: res.BuildID})
	assert.ErrorIs(t, err, ErrValidation)

	got, err := e.RejectBuild(ctx, RejectionRequest{BuildID: res.BuildID, Reason: "wrong branch", RejectedBy: "joe"})
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusRejected, got.Build.Status)

	entry, err := s.GetQueueEntryByBuild(ctx, res.BuildID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, entry.Status)

	again, err := e.RejectBuild(ctx, RejectionRequest{BuildID: res.BuildID, Reason: "wrong branch"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)

	buildID := failedBuild(t, e, s, "t2")
	_, err = e.RequestRevision(ctx, RevisionRequest{BuildID: buildID, FeedbackSummary: "fix"})
	require.NoError(t, err)
	_, err = e.RejectBuild(ctx, RejectionRequest{BuildID: buildID, Reason: "x"})
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestGetNextReadyBuild(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	rb, err := e.GetNextReadyBuild(ctx, "kaiscout")
	require.NoError(t, err)
	assert.Nil(t, rb)

	low := ingestReq("t1", "sha-1")
	low.Priority = 2
	lowRes, err := e.Ingest(ctx, low)
	require.NoError(t, err)
	highRes, err := e.Ingest(ctx, ingestReq("t2", "sha-2"))
	require.NoError(t, err)

	rb, err = e.GetNextReadyBuild(ctx, "kaiscout")
	require.NoError(t, err)
	require.NotNil(t, rb)
	assert.False(t, rb.Dispatched)
	assert.Equal(t, highRes.BuildID, rb.Build.ID)

	dispatch(t, s, lowRes.BuildID)
	rb, err = e.GetNextReadyBuild(ctx, "kaiscout")
	require.NoError(t, err)
	require.NotNil(t, rb)
	assert.True(t, rb.Dispatched)
	assert.Equal(t, lowRes.BuildID, rb.Build.ID)

	_, err = e.GetNextReadyBuild(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "validation", Kind(validationf("x")))
	assert.Equal(t, "not_found", Kind(fmt.Errorf("build x: %w", store.ErrNotFound)))
	assert.Equal(t, "conflict", Kind(ErrConflict))
	assert.Equal(t, "precondition_failed", Kind(preconditionf("x")))
	assert.Equal(t, "dependency_unavailable", Kind(asUnavailable(context.DeadlineExceeded)))
	assert.Equal(t, "internal", Kind(errors.New("boom")))
}

func TestEndToEnd(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := mocks.NewMockNotifier(ctrl)

	var mu sync.Mutex
	var kinds []notify.EventKind
	notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, ev notify.Event) error {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
		return errors.New("telegram down")
	}).Times(6)

	s := newTestStore(t)
	e := New(s, notifier, Config{}, nil)
	ctx := context.Background()
	d := dispatcher.New(s, ratelimit.New(s, ratelimit.Config{}, nil), dispatcher.Config{}, nil)

	res, err := e.Ingest(ctx, ingestReq("feature-login", "sha-1"))
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusPending, res.InspectionStatus)
	assert.True(t, res.ReviewQueued)
	assert.False(t, res.RequiresHumanApproval)

	stats, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dispatched)

	b, err := e.GetBuild(ctx, res.BuildID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusDispatched, b.Status)

	insp, err := e.SubmitInspection(ctx, InspectionRequest{
		BuildID: res.BuildID,
		Passed:  false,
		Issues: []models.Issue{{
			Severity:    models.SeverityBlocker,
			File:        "src/api.py",
			Line:        42,
			Description: "SQL built from user input",
			FixHint:     "use a bound parameter",
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusFailed, insp.InspectionStatus)

	rev, err := e.RequestRevision(ctx, RevisionRequest{
		BuildID:         res.BuildID,
		FeedbackSummary: "parameterize the query",
		PriorityFixes:   []string{"src/api.py:42 use a bound parameter"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RevisionStatusPending, rev.Revision.Status)

	second, err := e.Ingest(ctx, ingestReq("feature-login", "sha-2"))
	require.NoError(t, err)
	assert.Equal(t, 1, second.IterationCount)
	assert.Equal(t, []string{rev.Revision.ID}, second.AddressedRevisions)

	revs, err := s.ListRevisions(ctx, store.RevisionListFilter{BuildID: res.BuildID})
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, models.RevisionStatusAddressed, revs[0].Status)
	assert.Equal(t, second.BuildID, revs[0].AddressedByBuildID)

	_, err = d.Tick(ctx)
	require.NoError(t, err)

	insp, err = e.SubmitInspection(ctx, InspectionRequest{BuildID: second.BuildID, Passed: true})
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusPassed, insp.InspectionStatus)

	approved, err := e.ApproveBuild(ctx, ApprovalRequest{BuildID: second.BuildID, Notes: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusApproved, approved.Build.Status)

	e.Close()
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []notify.EventKind{
		notify.EventBuildIngested,
		notify.EventInspectionSubmitted,
		notify.EventRevisionRequested,
		notify.EventBuildIngested,
		notify.EventInspectionSubmitted,
		notify.EventBuildApproved,
	}, kinds)
}
