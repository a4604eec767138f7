package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/ralph/internal/dispatcher"
	"github.com/joescharf/ralph/internal/models"
	"github.com/joescharf/ralph/internal/ratelimit"
	"github.com/joescharf/ralph/internal/review"
	"github.com/joescharf/ralph/internal/store"
)

type fakeAnswerer struct {
	mu      sync.Mutex
	answers []string
}

func (f *fakeAnswerer) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func setupTestServer(t *testing.T, cfg Config) (http.Handler, store.Store) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	e := review.New(s, nil, review.Config{}, nil)
	t.Cleanup(e.Close)
	d := dispatcher.New(s, ratelimit.New(s, ratelimit.Config{}, nil), dispatcher.Config{}, nil)
	return NewServer(e, d, cfg).Router(), s
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func createProject(t *testing.T, router http.Handler, id string) {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/projects", `{"id":"`+id+`","repo_url":"https://github.com/acme/`+id+`"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func ingestBuild(t *testing.T, router http.Handler, body string) review.IngestResult {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/builds/ingest", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res review.IngestResult
	decodeBody(t, w, &res)
	return res
}

const buildBody = `{"project_id":"kaiscout","task_id":"t1","commit_sha":"abc123","branch":"feature/x",` +
	`"changed_files":["src/api.py"],"test_exit_code":0}`

func TestHealth(t *testing.T) {
	router, _ := setupTestServer(t, Config{})
	w := do(t, router, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestProjectCRUD_API(t *testing.T) {
	router, _ := setupTestServer(t, Config{})

	createProject(t, router, "kaiscout")

	w := do(t, router, "POST", "/api/v1/projects", `{"id":"kaiscout"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, "POST", "/api/v1/projects", `{"name":"no id"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "GET", "/api/v1/projects/kaiscout", "")
	require.Equal(t, http.StatusOK, w.Code)
	var p models.Project
	decodeBody(t, w, &p)
	assert.Equal(t, "main", p.DefaultBranch)

	w = do(t, router, "PUT", "/api/v1/projects/kaiscout", `{"max_iterations":5,"protected_paths":["infra/"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &p)
	assert.Equal(t, 5, p.MaxIterations)
	assert.Equal(t, "https://github.com/acme/kaiscout", p.RepoURL)

	w = do(t, router, "GET", "/api/v1/projects", "")
	require.Equal(t, http.StatusOK, w.Code)
	var projects []models.Project
	decodeBody(t, w, &projects)
	assert.Len(t, projects, 1)

	w = do(t, router, "DELETE", "/api/v1/projects/kaiscout", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, router, "GET", "/api/v1/projects/kaiscout", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]string
	decodeBody(t, w, &body)
	assert.Equal(t, "not_found", body["kind"])
}

func TestIngest_API(t *testing.T) {
	router, _ := setupTestServer(t, Config{})
	createProject(t, router, "kaiscout")

	res := ingestBuild(t, router, buildBody)
	assert.Equal(t, models.BuildStatusPending, res.InspectionStatus)
	assert.True(t, res.ReviewQueued)

	w := do(t, router, "POST", "/api/v1/builds/ingest", buildBody)
	assert.Equal(t, http.StatusOK, w.Code, "duplicate payload")

	w = do(t, router, "POST", "/api/v1/builds/ingest", `{"project_id":"kaiscout"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/builds/ingest", `{"project_id":"kaiscout","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/builds/ingest", `{"project_id":"nope","commit_sha":"a","branch":"b"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, "GET", "/api/v1/builds?project_id=kaiscout", "")
	require.Equal(t, http.StatusOK, w.Code)
	var builds []models.Build
	decodeBody(t, w, &builds)
	assert.Len(t, builds, 1)

	w = do(t, router, "GET", "/api/v1/builds?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "GET", "/api/v1/builds/"+res.BuildID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var b models.Build
	decodeBody(t, w, &b)
	assert.Equal(t, []string{"src/api.py"}, b.ChangedFiles)
}

func TestReviewFlow_API(t *testing.T) {
	router, _ := setupTestServer(t, Config{})
	createProject(t, router, "kaiscout")
	res := ingestBuild(t, router, buildBody)

	w := do(t, router, "POST", "/api/v1/builds/"+res.BuildID+"/inspection", `{"passed":true}`)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code, "not dispatched yet")

	w = do(t, router, "GET", "/api/v1/projects/kaiscout/next-build", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rb review.ReadyBuild
	decodeBody(t, w, &rb)
	assert.False(t, rb.Dispatched)

	w = do(t, router, "POST", "/api/v1/dispatcher/tick", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats dispatcher.Stats
	decodeBody(t, w, &stats)
	assert.Equal(t, 1, stats.Dispatched)

	w = do(t, router, "GET", "/api/v1/queue?status=dispatched", "")
	require.Equal(t, http.StatusOK, w.Code)
	var queue []models.QueueEntry
	decodeBody(t, w, &queue)
	require.Len(t, queue, 1)

	w = do(t, router, "GET", "/api/v1/dispatches?build_id="+res.BuildID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var events []models.DispatchEvent
	decodeBody(t, w, &events)
	require.Len(t, events, 1)
	assert.Equal(t, models.DispatchOutcomeDispatched, events[0].Outcome)

	inspection := `{"passed":false,"issues":[{"severity":"BLOCKER","description":"no auth check"}]}`
	w = do(t, router, "POST", "/api/v1/builds/"+res.BuildID+"/inspection", inspection)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, router, "POST", "/api/v1/builds/"+res.BuildID+"/inspection", inspection)
	assert.Equal(t, http.StatusOK, w.Code, "replay")

	w = do(t, router, "POST", "/api/v1/builds/"+res.BuildID+"/inspection", `{"passed":true}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, "GET", "/api/v1/builds/"+res.BuildID+"/inspection", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, "POST", "/api/v1/builds/"+res.BuildID+"/revisions",
		`{"feedback_summary":"add the auth check","priority_fixes":["require a session in handler"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, router, "GET", "/api/v1/projects/kaiscout/revisions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var revs []models.Revision
	decodeBody(t, w, &revs)
	require.Len(t, revs, 1)

	w = do(t, router, "GET", "/api/v1/builds/"+res.BuildID+"/revisions", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, "POST", "/api/v1/builds/"+res.BuildID+"/approve", "")
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = do(t, router, "POST", "/api/v1/builds/"+res.BuildID+"/approve", `{"human_approved_by":"joe","notes":"ship it"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var dec review.DecisionResult
	decodeBody(t, w, &dec)
	assert.True(t, dec.Override)

	w = do(t, router, "GET", "/api/v1/builds/"+res.BuildID+"/audit", "")
	require.Equal(t, http.StatusOK, w.Code)
	var audit []models.AuditEvent
	decodeBody(t, w, &audit)
	assert.Len(t, audit, 4)
}

func TestReject_API(t *testing.T) {
	router, _ := setupTestServer(t, Config{})
	createProject(t, router, "kaiscout")
	res := ingestBuild(t, router, buildBody)

	w := do(t, router, "POST", "/api/v1/builds/"+res.BuildID+"/reject", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "POST", "/api/v1/builds/"+res.BuildID+"/reject", `{"reason":"stale branch"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var dec review.DecisionResult
	decodeBody(t, w, &dec)
	assert.Equal(t, models.BuildStatusRejected, dec.Build.Status)

	w = do(t, router, "POST", "/api/v1/builds/missing/reject", `{"reason":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTelegramWebhook(t *testing.T) {
	answers := &fakeAnswerer{}
	router, s := setupTestServer(t, Config{Callbacks: answers, WebhookSecret: "s3cret"})
	createProject(t, router, "kaiscout")
	res := ingestBuild(t, router, buildBody)

	ctx := context.Background()
	entry, err := s.GetQueueEntryByBuild(ctx, res.BuildID)
	require.NoError(t, err)
	_, err = s.ClaimQueueEntry(ctx, entry.ID, time.Now())
	require.NoError(t, err)
	w := do(t, router, "POST", "/api/v1/builds/"+res.BuildID+"/inspection", `{"passed":true}`)
	require.Equal(t, http.StatusCreated, w.Code)

	update := `{"update_id":1,"callback_query":{"id":"cb1","data":"approve:` + res.BuildID +
		`","from":{"id":42,"first_name":"Joe","username":"joe"}}}`

	w = do(t, router, "POST", "/api/v1/telegram/webhook", update)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest("POST", "/api/v1/telegram/webhook", bytes.NewBufferString(update))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	b, err := s.GetBuild(ctx, res.BuildID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusApproved, b.Status)
	assert.Equal(t, "telegram:joe(42)", b.HumanApprovedBy)
	assert.Equal(t, []string{"Approved " + res.BuildID}, answers.answers)
}

func tapTelegram(t *testing.T, router http.Handler, action, buildID string) {
	t.Helper()
	update := `{"update_id":1,"callback_query":{"id":"cb1","data":"` + action + `:` + buildID +
		`","from":{"id":42,"first_name":"Joe","username":"joe"}}}`
	req := httptest.NewRequest("POST", "/api/v1/telegram/webhook", bytes.NewBufferString(update))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

const flaggedBuildBody = `{"project_id":"kaiscout","task_id":"t2","commit_sha":"def456","branch":"feature/auth",` +
	`"changed_files":["backend/app/core/security/auth.py"],"test_exit_code":0}`

func TestTelegramWebhook_ApproveBeforeInspection(t *testing.T) {
	answers := &fakeAnswerer{}
	router, s := setupTestServer(t, Config{Callbacks: answers, WebhookSecret: "s3cret"})
	createProject(t, router, "kaiscout")
	res := ingestBuild(t, router, flaggedBuildBody)
	require.True(t, res.RequiresHumanApproval)

	tapTelegram(t, router, "approve", res.BuildID)

	ctx := context.Background()
	b, err := s.GetBuild(ctx, res.BuildID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusPending, b.Status)
	assert.Equal(t, "telegram:joe(42)", b.HumanApprovedBy)
	assert.Equal(t, []string{"Sign-off recorded for " + res.BuildID}, answers.answers)

	entry, err := s.GetQueueEntryByBuild(ctx, res.BuildID)
	require.NoError(t, err)
	_, err = s.ClaimQueueEntry(ctx, entry.ID, time.Now())
	require.NoError(t, err)
	w := do(t, router, "POST", "/api/v1/builds/"+res.BuildID+"/inspection", `{"passed":true}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, router, "POST", "/api/v1/builds/"+res.BuildID+"/approve", `{}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	b, err = s.GetBuild(ctx, res.BuildID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusApproved, b.Status)
	assert.Equal(t, "telegram:joe(42)", b.HumanApprovedBy)
}

func TestTelegramWebhook_TapAfterFailedInspection(t *testing.T) {
	answers := &fakeAnswerer{}
	router, s := setupTestServer(t, Config{Callbacks: answers, WebhookSecret: "s3cret"})
	createProject(t, router, "kaiscout")
	res := ingestBuild(t, router, flaggedBuildBody)

	ctx := context.Background()
	entry, err := s.GetQueueEntryByBuild(ctx, res.BuildID)
	require.NoError(t, err)
	_, err = s.ClaimQueueEntry(ctx, entry.ID, time.Now())
	require.NoError(t, err)
	w := do(t, router, "POST", "/api/v1/builds/"+res.BuildID+"/inspection",
		`{"passed":false,"issues":[{"severity":"BLOCKER","description":"token never expires"}]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	tapTelegram(t, router, "approve", res.BuildID)
	b, err := s.GetBuild(ctx, res.BuildID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusFailed, b.Status, "a tap never overrides a failed verdict")
	assert.Empty(t, b.HumanApprovedBy)
	require.Len(t, answers.answers, 1)
	assert.Contains(t, answers.answers[0], "Failed: precondition failed")

	tapTelegram(t, router, "reject", res.BuildID)
	b, err = s.GetBuild(ctx, res.BuildID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusRevisionRequested, b.Status)
	rev, err := s.GetRevisionByBuild(ctx, res.BuildID)
	require.NoError(t, err)
	assert.Equal(t, "Build rejected by human reviewer", rev.FeedbackSummary)
	assert.Equal(t, "Revision requested for "+res.BuildID, answers.answers[1])
}

func TestTelegramWebhook_RejectBeforeInspection(t *testing.T) {
	answers := &fakeAnswerer{}
	router, s := setupTestServer(t, Config{Callbacks: answers, WebhookSecret: "s3cret"})
	createProject(t, router, "kaiscout")
	res := ingestBuild(t, router, flaggedBuildBody)

	tapTelegram(t, router, "reject", res.BuildID)

	ctx := context.Background()
	b, err := s.GetBuild(ctx, res.BuildID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusRevisionRequested, b.Status)
	insp, err := s.GetInspection(ctx, res.BuildID)
	require.NoError(t, err)
	assert.False(t, insp.Passed)
	assert.Equal(t, "telegram:joe(42)", insp.Inspector)
	assert.Equal(t, []string{"Revision requested for " + res.BuildID}, answers.answers)
}

func TestTelegramWebhook_Disabled(t *testing.T) {
	router, _ := setupTestServer(t, Config{})
	w := do(t, router, "POST", "/api/v1/telegram/webhook", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORS(t *testing.T) {
	router, _ := setupTestServer(t, Config{AllowedOrigins: []string{"https://chatgpt.com"}})

	req := httptest.NewRequest("OPTIONS", "/api/v1/projects", nil)
	req.Header.Set("Origin", "https://chatgpt.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "https://chatgpt.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("OPTIONS", "/api/v1/projects", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
