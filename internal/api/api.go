// Package api serves the review lifecycle over REST.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/joescharf/ralph/internal/dispatcher"
	"github.com/joescharf/ralph/internal/models"
	"github.com/joescharf/ralph/internal/review"
	"github.com/joescharf/ralph/internal/store"
)

// CallbackAnswerer acknowledges a chat button press.
type CallbackAnswerer interface {
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Config holds optional server collaborators.
type Config struct {
	AllowedOrigins []string
	// MCP, when set, is mounted at /mcp.
	MCP http.Handler
	// Callbacks answers Telegram button presses. The webhook is disabled when nil.
	Callbacks     CallbackAnswerer
	WebhookSecret string
	Logger        *slog.Logger
}

// Server provides the REST API handlers.
type Server struct {
	engine     *review.Engine
	store      store.Store
	dispatcher *dispatcher.Dispatcher
	cfg        Config
	logger     *slog.Logger
}

// NewServer creates a new API server. The dispatcher may be nil, in which case
// the manual tick endpoint answers 503.
func NewServer(e *review.Engine, d *dispatcher.Dispatcher, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: e, store: e.Store(), dispatcher: d, cfg: cfg, logger: logger}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Mcp-Session-Id"},
		ExposedHeaders:   []string{"Mcp-Session-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/builds/ingest", s.ingestBuild)
		r.Get("/builds", s.listBuilds)
		r.Route("/builds/{id}", func(r chi.Router) {
			r.Get("/", s.getBuild)
			r.Get("/inspection", s.getInspection)
			r.Post("/inspection", s.submitInspection)
			r.Get("/revisions", s.listBuildRevisions)
			r.Post("/revisions", s.requestRevision)
			r.Post("/approve", s.approveBuild)
			r.Post("/reject", s.rejectBuild)
			r.Get("/audit", s.listAudit)
		})

		r.Get("/projects", s.listProjects)
		r.Post("/projects", s.createProject)
		r.Route("/projects/{id}", func(r chi.Router) {
			r.Get("/", s.getProject)
			r.Put("/", s.updateProject)
			r.Delete("/", s.deleteProject)
			r.Get("/next-build", s.nextBuild)
			r.Get("/revisions", s.listProjectRevisions)
		})

		r.Get("/queue", s.listQueue)
		r.Get("/dispatches", s.listDispatches)
		r.Post("/dispatcher/tick", s.tick)

		r.Post("/telegram/webhook", s.telegramWebhook)
	})

	if s.cfg.MCP != nil {
		r.Handle("/mcp", s.cfg.MCP)
	}
	return r
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return s.cfg.AllowedOrigins
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps an engine error class to its HTTP status.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	kind := review.Kind(err)
	status := http.StatusInternalServerError
	switch kind {
	case "validation":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "conflict":
		status = http.StatusConflict
	case "precondition_failed":
		status = http.StatusPreconditionFailed
	case "dependency_unavailable":
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "kind", kind, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %w", review.ErrValidation, err)
	}
	return nil
}

func queryLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", review.ErrValidation)
	}
	return n, nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Builds ---

func (s *Server) ingestBuild(w http.ResponseWriter, r *http.Request) {
	var req review.IngestRequest
	if err := decode(r, &req); err != nil {
		s.writeEngineError(w, err)
		return
	}
	res, err := s.engine.Ingest(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) listBuilds(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	q := r.URL.Query()
	builds, err := s.engine.ListBuilds(r.Context(), store.BuildListFilter{
		ProjectID: q.Get("project_id"),
		TaskID:    q.Get("task_id"),
		Status:    models.BuildStatus(strings.ToUpper(q.Get("status"))),
		Limit:     limit,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, builds)
}

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.GetBuild(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) getInspection(w http.ResponseWriter, r *http.Request) {
	insp, err := s.engine.GetInspection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, insp)
}

func (s *Server) submitInspection(w http.ResponseWriter, r *http.Request) {
	var req review.InspectionRequest
	if err := decode(r, &req); err != nil {
		s.writeEngineError(w, err)
		return
	}
	req.BuildID = chi.URLParam(r, "id")
	res, err := s.engine.SubmitInspection(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) listBuildRevisions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.engine.GetBuild(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	revs, err := s.store.ListRevisions(r.Context(), store.RevisionListFilter{BuildID: b.ID})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revs)
}

func (s *Server) requestRevision(w http.ResponseWriter, r *http.Request) {
	var req review.RevisionRequest
	if err := decode(r, &req); err != nil {
		s.writeEngineError(w, err)
		return
	}
	req.BuildID = chi.URLParam(r, "id")
	res, err := s.engine.RequestRevision(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) approveBuild(w http.ResponseWriter, r *http.Request) {
	var req review.ApprovalRequest
	// The body is optional for a plain approval.
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeEngineError(w, err)
		return
	}
	req.BuildID = chi.URLParam(r, "id")
	res, err := s.engine.ApproveBuild(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) rejectBuild(w http.ResponseWriter, r *http.Request) {
	var req review.RejectionRequest
	if err := decode(r, &req); err != nil {
		s.writeEngineError(w, err)
		return
	}
	req.BuildID = chi.URLParam(r, "id")
	res, err := s.engine.RejectBuild(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.ListAudit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Projects ---

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var p models.Project
	if err := decode(r, &p); err != nil {
		s.writeEngineError(w, err)
		return
	}
	if strings.TrimSpace(p.ID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required", "kind": "validation"})
		return
	}
	if err := s.store.CreateProject(r.Context(), &p); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) updateProject(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	// Decode over the stored project so fields absent from the body keep
	// their current values.
	id := existing.ID
	if err := decode(r, existing); err != nil {
		s.writeEngineError(w, err)
		return
	}
	existing.ID = id

	if err := s.store.UpdateProject(r.Context(), existing); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteProject(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) nextBuild(w http.ResponseWriter, r *http.Request) {
	rb, err := s.engine.GetNextReadyBuild(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if rb == nil {
		writeJSON(w, http.StatusOK, map[string]any{"build": nil})
		return
	}
	writeJSON(w, http.StatusOK, rb)
}

func (s *Server) listProjectRevisions(w http.ResponseWriter, r *http.Request) {
	revs, err := s.engine.GetPendingRevisions(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("build_id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revs)
}

// --- Queue & dispatch ---

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 0)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	q := r.URL.Query()
	entries, err := s.store.ListQueue(r.Context(), store.QueueListFilter{
		ProjectID: q.Get("project_id"),
		Status:    models.QueueStatus(strings.ToUpper(q.Get("status"))),
		Limit:     limit,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listDispatches(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 100)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	events, err := s.store.ListDispatchEvents(r.Context(), r.URL.Query().Get("build_id"), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []*models.DispatchEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not running")
		return
	}
	stats, err := s.dispatcher.Tick(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Telegram ---

type telegramUpdate struct {
	CallbackQuery *struct {
		ID   string `json:"id"`
		Data string `json:"data"`
		From struct {
			ID        int64  `json:"id"`
			FirstName string `json:"first_name"`
			Username  string `json:"username"`
		} `json:"from"`
	} `json:"callback_query"`
}

// telegramWebhook handles the approve and reject buttons attached to approval
// requests. Approve signs the build off, reject sends it back for revision.
// Updates without a callback are acknowledged and ignored.
func (s *Server) telegramWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Callbacks == nil {
		writeError(w, http.StatusNotFound, "telegram webhook not configured")
		return
	}
	if s.cfg.WebhookSecret != "" && r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != s.cfg.WebhookSecret {
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	var update telegramUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	cb := update.CallbackQuery
	if cb == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	action, buildID, ok := strings.Cut(cb.Data, ":")
	if !ok || buildID == "" {
		writeError(w, http.StatusBadRequest, "unrecognized callback data")
		return
	}
	name := cb.From.Username
	if name == "" {
		name = cb.From.FirstName
	}
	actor := fmt.Sprintf("telegram:%s(%d)", name, cb.From.ID)

	var answer string
	var err error
	switch action {
	case "approve":
		var res *review.DecisionResult
		res, err = s.engine.SignOff(r.Context(), buildID, actor)
		if err == nil {
			answer = "Sign-off recorded for " + buildID
			if res.Build.Status == models.BuildStatusApproved {
				answer = "Approved " + buildID
			}
		}
	case "reject":
		var res *review.DeclineResult
		res, err = s.engine.Decline(r.Context(), buildID, actor)
		if err == nil {
			answer = "Rejected " + buildID
			if res.Revision != nil {
				answer = "Revision requested for " + buildID
			}
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown action "+action)
		return
	}
	if err != nil {
		answer = "Failed: " + err.Error()
		s.logger.Warn("telegram decision failed", "action", action, "build_id", buildID, "error", err)
	}

	if aerr := s.cfg.Callbacks.AnswerCallback(r.Context(), cb.ID, answer); aerr != nil {
		s.logger.Warn("answer telegram callback failed", "error", aerr)
	}
	if err != nil && !errors.Is(err, review.ErrPreconditionFailed) && !errors.Is(err, review.ErrNotFound) {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
