// Package mcp exposes the reviewer side of the review lifecycle as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/ralph/internal/models"
	"github.com/joescharf/ralph/internal/review"
)

// Server wraps the review engine and exposes it as MCP tools.
type Server struct {
	engine  *review.Engine
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(e *review.Engine, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{engine: e, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("ralph", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.getLatestReadyBuildTool())
	srv.AddTool(s.getBuildTool())
	srv.AddTool(s.submitInspectionTool())
	srv.AddTool(s.requestRevisionTool())
	srv.AddTool(s.approveBuildTool())
	srv.AddTool(s.rejectBuildTool())
	srv.AddTool(s.getPendingRevisionsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler serves the tools over streamable HTTP at path.
func (s *Server) HTTPHandler(path string) http.Handler {
	return server.NewStreamableHTTPServer(s.MCPServer(),
		server.WithEndpointPath(path),
		server.WithStateLess(true),
	)
}

// ---------------------------------------------------------------------------
// Result helpers
// ---------------------------------------------------------------------------

func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", review.Kind(err), err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("internal: marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// get_latest_ready_build
func (s *Server) getLatestReadyBuildTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_latest_ready_build",
		mcp.WithDescription("Get the next build waiting for review in a project. Returns {\"build\": null} when the queue is empty. "+
			"A build with dispatched=false is queued but not yet released and cannot be inspected."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project ID")),
	)
	return tool, s.handleGetLatestReadyBuild
}

func (s *Server) handleGetLatestReadyBuild(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := request.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError("validation: missing required parameter: project_id"), nil
	}
	rb, err := s.engine.GetNextReadyBuild(ctx, projectID)
	if err != nil {
		return toolError(err), nil
	}
	if rb == nil {
		return jsonResult(map[string]any{"build": nil})
	}
	return jsonResult(rb)
}

// get_build
func (s *Server) getBuildTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_build",
		mcp.WithDescription("Get a build with its diff, test and lint results, guardrail flags and inspection verdict if one exists."),
		mcp.WithString("build_id", mcp.Required(), mcp.Description("Build ID")),
	)
	return tool, s.handleGetBuild
}

func (s *Server) handleGetBuild(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	buildID, err := request.RequireString("build_id")
	if err != nil {
		return mcp.NewToolResultError("validation: missing required parameter: build_id"), nil
	}
	b, err := s.engine.GetBuild(ctx, buildID)
	if err != nil {
		return toolError(err), nil
	}

	out := struct {
		*models.Build
		Inspection *models.Inspection `json:"inspection,omitempty"`
	}{Build: b}
	if insp, err := s.engine.GetInspection(ctx, buildID); err == nil {
		out.Inspection = insp
	}
	return jsonResult(out)
}

// submit_inspection
func (s *Server) submitInspectionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("submit_inspection",
		mcp.WithDescription("Submit the review verdict for a dispatched build. Moves it to PASSED or FAILED. "+
			"Submitting the same verdict twice is safe; a different verdict for an inspected build is a conflict."),
		mcp.WithString("build_id", mcp.Required(), mcp.Description("Build ID")),
		mcp.WithBoolean("passed", mcp.Required(), mcp.Description("Whether the build passes review")),
		mcp.WithArray("issues",
			mcp.Description("Findings: objects with severity (BLOCKER, MAJOR, MINOR), file, line, description, evidence, fix_hint"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"severity":    map[string]any{"type": "string", "enum": []string{"BLOCKER", "MAJOR", "MINOR"}},
					"file":        map[string]any{"type": "string"},
					"line":        map[string]any{"type": "integer"},
					"description": map[string]any{"type": "string"},
					"evidence":    map[string]any{"type": "string"},
					"fix_hint":    map[string]any{"type": "string"},
				},
				"required": []string{"severity", "description"},
			}),
		),
		mcp.WithString("suggestions", mcp.Description("Non-blocking suggestions, one per line. An array of strings is accepted too")),
		mcp.WithNumber("confidence", mcp.Description("Reviewer confidence between 0 and 1")),
		mcp.WithString("inspector", mcp.Description("Reviewer name")),
	)
	return tool, s.handleSubmitInspection
}

func (s *Server) handleSubmitInspection(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var req review.InspectionRequest
	if err := request.BindArguments(&req); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("validation: invalid arguments: %v", err)), nil
	}
	if _, ok := request.GetArguments()["passed"]; !ok {
		return mcp.NewToolResultError("validation: missing required parameter: passed"), nil
	}
	res, err := s.engine.SubmitInspection(ctx, req)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(res)
}

// request_revision
func (s *Server) requestRevisionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("request_revision",
		mcp.WithDescription("Send structured feedback to the builder for a FAILED build. Repeating the call returns the existing revision."),
		mcp.WithString("build_id", mcp.Required(), mcp.Description("Build ID")),
		mcp.WithString("feedback_summary", mcp.Required(), mcp.Description("What must change, in a sentence or two")),
		mcp.WithArray("priority_fixes", mcp.WithStringItems(), mcp.Description("Fixes in the order they should be made")),
		mcp.WithString("patch_guidance", mcp.Description("Suggested approach for the fix")),
		mcp.WithArray("do_not_change", mcp.WithStringItems(), mcp.Description("Files or areas the builder must leave alone")),
	)
	return tool, s.handleRequestRevision
}

func (s *Server) handleRequestRevision(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := review.RevisionRequest{
		BuildID:         request.GetString("build_id", ""),
		FeedbackSummary: request.GetString("feedback_summary", ""),
		PriorityFixes:   request.GetStringSlice("priority_fixes", nil),
		PatchGuidance:   request.GetString("patch_guidance", ""),
		DoNotChange:     request.GetStringSlice("do_not_change", nil),
	}
	res, err := s.engine.RequestRevision(ctx, req)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(res)
}

// approve_build
func (s *Server) approveBuildTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("approve_build",
		mcp.WithDescription("Approve a PASSED build. Builds flagged by guardrails, and failed builds, require human_approved_by."),
		mcp.WithString("build_id", mcp.Required(), mcp.Description("Build ID")),
		mcp.WithString("notes", mcp.Description("Approval notes")),
		mcp.WithString("human_approved_by", mcp.Description("Name of the human signing off")),
		mcp.WithString("commit_sha", mcp.Description("Expected commit; the call fails if the build carries another")),
	)
	return tool, s.handleApproveBuild
}

func (s *Server) handleApproveBuild(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := review.ApprovalRequest{
		BuildID:         request.GetString("build_id", ""),
		Notes:           request.GetString("notes", ""),
		HumanApprovedBy: request.GetString("human_approved_by", ""),
		CommitSHA:       request.GetString("commit_sha", ""),
	}
	res, err := s.engine.ApproveBuild(ctx, req)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(res)
}

// reject_build
func (s *Server) rejectBuildTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("reject_build",
		mcp.WithDescription("Reject a build permanently and remove it from the review queue."),
		mcp.WithString("build_id", mcp.Required(), mcp.Description("Build ID")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the build is rejected")),
		mcp.WithString("rejected_by", mcp.Description("Who rejected it")),
	)
	return tool, s.handleRejectBuild
}

func (s *Server) handleRejectBuild(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := review.RejectionRequest{
		BuildID:    request.GetString("build_id", ""),
		Reason:     request.GetString("reason", ""),
		RejectedBy: request.GetString("rejected_by", ""),
	}
	res, err := s.engine.RejectBuild(ctx, req)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(res)
}

// get_pending_revisions
func (s *Server) getPendingRevisionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_pending_revisions",
		mcp.WithDescription("List revision requests the builder has not answered yet."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project ID")),
		mcp.WithString("build_id", mcp.Description("Only revisions for this build")),
	)
	return tool, s.handleGetPendingRevisions
}

func (s *Server) handleGetPendingRevisions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := request.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError("validation: missing required parameter: project_id"), nil
	}
	revs, err := s.engine.GetPendingRevisions(ctx, projectID, request.GetString("build_id", ""))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(revs)
}
