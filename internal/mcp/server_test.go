package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/ralph/internal/models"
	"github.com/joescharf/ralph/internal/review"
	"github.com/joescharf/ralph/internal/store"
)

func newTestServer(t *testing.T) (*Server, *review.Engine, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateProject(context.Background(), &models.Project{ID: "kaiscout"}))

	e := review.New(s, nil, review.Config{}, nil)
	t.Cleanup(e.Close)
	return NewServer(e, "test"), e, s
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

// seedDispatched ingests a build and claims it for review.
func seedDispatched(t *testing.T, e *review.Engine, s store.Store, taskID string) string {
	t.Helper()
	ctx := context.Background()
	res, err := e.Ingest(ctx, review.IngestRequest{
		ProjectID:    "kaiscout",
		TaskID:       taskID,
		CommitSHA:    "sha-" + taskID,
		Branch:       "feature/" + taskID,
		ChangedFiles: []string{"src/api.py"},
	})
	require.NoError(t, err)
	entry, err := s.GetQueueEntryByBuild(ctx, res.BuildID)
	require.NoError(t, err)
	claimed, err := s.ClaimQueueEntry(ctx, entry.ID, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	return res.BuildID
}

func TestMCPServer(t *testing.T) {
	srv, _, _ := newTestServer(t)
	require.NotNil(t, srv.MCPServer())
}

func TestGetLatestReadyBuild(t *testing.T) {
	srv, e, s := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleGetLatestReadyBuild(ctx, callToolReq("get_latest_ready_build", map[string]any{"project_id": "kaiscout"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.JSONEq(t, `{"build": null}`, resultText(t, result))

	buildID := seedDispatched(t, e, s, "t1")
	result, err = srv.handleGetLatestReadyBuild(ctx, callToolReq("get_latest_ready_build", map[string]any{"project_id": "kaiscout"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var rb review.ReadyBuild
	resultJSON(t, result, &rb)
	assert.True(t, rb.Dispatched)
	assert.Equal(t, buildID, rb.Build.ID)
}

func TestGetLatestReadyBuild_Errors(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleGetLatestReadyBuild(ctx, callToolReq("get_latest_ready_build", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "project_id")

	result, err = srv.handleGetLatestReadyBuild(ctx, callToolReq("get_latest_ready_build", map[string]any{"project_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.True(t, strings.HasPrefix(resultText(t, result), "not_found:"))
}

func TestGetBuild(t *testing.T) {
	srv, e, s := newTestServer(t)
	ctx := context.Background()
	buildID := seedDispatched(t, e, s, "t1")

	result, err := srv.handleGetBuild(ctx, callToolReq("get_build", map[string]any{"build_id": buildID}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out map[string]any
	resultJSON(t, result, &out)
	assert.Equal(t, buildID, out["build_id"])
	assert.Equal(t, "DISPATCHED", out["inspection_status"])
	assert.NotContains(t, out, "inspection")

	result, err = srv.handleGetBuild(ctx, callToolReq("get_build", map[string]any{"build_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSubmitInspection(t *testing.T) {
	srv, e, s := newTestServer(t)
	ctx := context.Background()
	buildID := seedDispatched(t, e, s, "t1")

	args := map[string]any{
		"build_id": buildID,
		"passed":   false,
		"issues": []any{
			map[string]any{"severity": "BLOCKER", "file": "src/api.py", "line": 12, "description": "SQL injection"},
		},
		"confidence": 0.8,
	}
	result, err := srv.handleSubmitInspection(ctx, callToolReq("submit_inspection", args))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var res review.InspectionResult
	resultJSON(t, result, &res)
	assert.Equal(t, models.BuildStatusFailed, res.InspectionStatus)
	require.Len(t, res.Inspection.Issues, 1)
	assert.Equal(t, 12, res.Inspection.Issues[0].Line)

	result, err = srv.handleSubmitInspection(ctx, callToolReq("submit_inspection", args))
	require.NoError(t, err)
	resultJSON(t, result, &res)
	assert.True(t, res.Replayed)

	args["passed"] = true
	result, err = srv.handleSubmitInspection(ctx, callToolReq("submit_inspection", args))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.True(t, strings.HasPrefix(resultText(t, result), "conflict:"))
}

func TestSubmitInspection_SuggestionForms(t *testing.T) {
	tests := []struct {
		name        string
		suggestions any
		want        []string
	}{
		{"text", "rename helper\n\n  add a docstring ", []string{"rename helper", "add a docstring"}},
		{"list", []any{"rename helper", "add a docstring"}, []string{"rename helper", "add a docstring"}},
		{"absent", nil, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, e, s := newTestServer(t)
			buildID := seedDispatched(t, e, s, "t1")

			args := map[string]any{"build_id": buildID, "passed": true}
			if tt.suggestions != nil {
				args["suggestions"] = tt.suggestions
			}
			result, err := srv.handleSubmitInspection(context.Background(), callToolReq("submit_inspection", args))
			require.NoError(t, err)
			require.False(t, result.IsError, resultText(t, result))

			var res review.InspectionResult
			resultJSON(t, result, &res)
			assert.Equal(t, tt.want, res.Inspection.Suggestions)
		})
	}
}

func TestSubmitInspection_MissingPassed(t *testing.T) {
	srv, e, s := newTestServer(t)
	buildID := seedDispatched(t, e, s, "t1")

	result, err := srv.handleSubmitInspection(context.Background(),
		callToolReq("submit_inspection", map[string]any{"build_id": buildID}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "passed")
}

func TestRevisionApproveReject(t *testing.T) {
	srv, e, s := newTestServer(t)
	ctx := context.Background()
	buildID := seedDispatched(t, e, s, "t1")

	_, err := srv.handleSubmitInspection(ctx, callToolReq("submit_inspection", map[string]any{
		"build_id": buildID,
		"passed":   false,
		"issues":   []any{map[string]any{"severity": "MAJOR", "description": "missing test"}},
	}))
	require.NoError(t, err)

	result, err := srv.handleRequestRevision(ctx, callToolReq("request_revision", map[string]any{
		"build_id":         buildID,
		"feedback_summary": "add a test",
		"priority_fixes":   []any{"test the empty input"},
		"do_not_change":    []any{"migrations/"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	var rev review.RevisionResult
	resultJSON(t, result, &rev)
	assert.Equal(t, []string{"test the empty input"}, rev.Revision.PriorityFixes)

	result, err = srv.handleGetPendingRevisions(ctx, callToolReq("get_pending_revisions", map[string]any{"project_id": "kaiscout"}))
	require.NoError(t, err)
	var revs []models.Revision
	resultJSON(t, result, &revs)
	require.Len(t, revs, 1)
	assert.Equal(t, rev.Revision.ID, revs[0].ID)

	result, err = srv.handleApproveBuild(ctx, callToolReq("approve_build", map[string]any{"build_id": buildID}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.True(t, strings.HasPrefix(resultText(t, result), "precondition_failed:"))

	result, err = srv.handleApproveBuild(ctx, callToolReq("approve_build", map[string]any{
		"build_id":          buildID,
		"human_approved_by": "joe",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	var dec review.DecisionResult
	resultJSON(t, result, &dec)
	assert.True(t, dec.Override)
	assert.Equal(t, models.BuildStatusApproved, dec.Build.Status)

	other := seedDispatched(t, e, s, "t2")
	result, err = srv.handleRejectBuild(ctx, callToolReq("reject_build", map[string]any{"build_id": other, "reason": "duplicate work"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	resultJSON(t, result, &dec)
	assert.Equal(t, models.BuildStatusRejected, dec.Build.Status)
}

func TestHTTPHandler(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.HTTPHandler("/mcp"))
	defer ts.Close()

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
