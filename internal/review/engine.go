// Package review implements the build review lifecycle: ingestion,
// inspection verdicts, revision requests and final decisions.
package review

import (
	"context"
	"errors"
	"log/slog"

	"github.com/joescharf/ralph/internal/guardrail"
	"github.com/joescharf/ralph/internal/models"
	"github.com/joescharf/ralph/internal/notify"
	"github.com/joescharf/ralph/internal/store"
)

// Engine applies lifecycle operations against a store. It is safe for
// concurrent use; every state change is a conditional write in the store.
type Engine struct {
	store    store.Store
	notifier *notify.Async
	cfg      Config
	logger   *slog.Logger
}

// New creates an Engine. A nil notifier discards events.
func New(s store.Store, n notify.Notifier, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = notify.Nop{}
	}
	cfg = cfg.withDefaults()
	return &Engine{
		store:    s,
		notifier: notify.NewAsync(n, cfg.NotifyTimeout, logger),
		cfg:      cfg,
		logger:   logger,
	}
}

// Close waits for in-flight notifications.
func (e *Engine) Close() {
	e.notifier.Wait()
}

// Store returns the backing store.
func (e *Engine) Store() store.Store {
	return e.store
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.StoreTimeout)
}

// policyFor returns the guardrail policy for a project, falling back to the
// engine defaults for every field the project leaves empty.
func (e *Engine) policyFor(p *models.Project) guardrail.Policy {
	return guardrail.Policy{
		ProtectedPaths:  p.ProtectedPaths,
		DependencyFiles: p.DependencyFiles,
		MaxIterations:   p.MaxIterations,
	}.Merge(e.cfg.Guardrails)
}

func (e *Engine) GetBuild(ctx context.Context, id string) (*models.Build, error) {
	if id == "" {
		return nil, validationf("build_id is required")
	}
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	b, err := e.store.GetBuild(ctx, id)
	return b, asUnavailable(err)
}

func (e *Engine) ListBuilds(ctx context.Context, filter store.BuildListFilter) ([]*models.Build, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, validationf("unknown status %q", filter.Status)
	}
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	builds, err := e.store.ListBuilds(ctx, filter)
	return builds, asUnavailable(err)
}

func (e *Engine) GetInspection(ctx context.Context, buildID string) (*models.Inspection, error) {
	if buildID == "" {
		return nil, validationf("build_id is required")
	}
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	insp, err := e.store.GetInspection(ctx, buildID)
	return insp, asUnavailable(err)
}

// ListAudit returns the decision trail of a build, oldest first.
func (e *Engine) ListAudit(ctx context.Context, buildID string) ([]*models.AuditEvent, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if _, err := e.store.GetBuild(ctx, buildID); err != nil {
		return nil, asUnavailable(err)
	}
	events, err := e.store.ListAuditEvents(ctx, buildID)
	return events, asUnavailable(err)
}

// ReadyBuild is what a reviewer sees when it polls for work.
type ReadyBuild struct {
	Build      *models.Build      `json:"build"`
	QueueEntry *models.QueueEntry `json:"queue_entry"`
	// Dispatched is false when the build is queued but the dispatcher has not
	// released it yet. Such a build cannot be inspected.
	Dispatched bool `json:"dispatched"`
	// Addresses lists the revision requests this build answers.
	Addresses []*models.Revision `json:"addresses"`
}

// readyScanLimit bounds how many queue entries per status are examined.
const readyScanLimit = 50

// GetNextReadyBuild returns the first dispatched build of the project in
// dispatch order. When nothing is dispatched it returns the first pending
// build with Dispatched false. It returns nil when the queue is empty.
func (e *Engine) GetNextReadyBuild(ctx context.Context, projectID string) (*ReadyBuild, error) {
	if projectID == "" {
		return nil, validationf("project_id is required")
	}
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()

	if _, err := e.store.GetProject(ctx, projectID); err != nil {
		return nil, asUnavailable(err)
	}

	for _, status := range []models.QueueStatus{models.QueueStatusDispatched, models.QueueStatusPending} {
		entries, err := e.store.ListQueue(ctx, store.QueueListFilter{
			ProjectID: projectID,
			Status:    status,
			Limit:     readyScanLimit,
		})
		if err != nil {
			return nil, asUnavailable(err)
		}
		for _, entry := range entries {
			b, err := e.store.GetBuild(ctx, entry.BuildID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, asUnavailable(err)
			}
			if b.BuilderSignal != models.SignalReadyForReview {
				continue
			}
			revs, err := e.store.ListRevisions(ctx, store.RevisionListFilter{
				ProjectID: projectID,
				Status:    models.RevisionStatusAddressed,
			})
			if err != nil {
				return nil, asUnavailable(err)
			}
			return &ReadyBuild{
				Build:      b,
				QueueEntry: entry,
				Dispatched: status == models.QueueStatusDispatched,
				Addresses:  addressedBy(revs, b.ID),
			}, nil
		}
	}
	return nil, nil
}

func addressedBy(revs []*models.Revision, buildID string) []*models.Revision {
	out := []*models.Revision{}
	for _, r := range revs {
		if r.AddressedByBuildID == buildID {
			out = append(out, r)
		}
	}
	return out
}

// GetPendingRevisions lists unaddressed revision requests for a project,
// optionally narrowed to one build. It never writes.
func (e *Engine) GetPendingRevisions(ctx context.Context, projectID, buildID string) ([]*models.Revision, error) {
	if projectID == "" {
		return nil, validationf("project_id is required")
	}
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if _, err := e.store.GetProject(ctx, projectID); err != nil {
		return nil, asUnavailable(err)
	}
	revs, err := e.store.ListRevisions(ctx, store.RevisionListFilter{
		ProjectID: projectID,
		BuildID:   buildID,
		Status:    models.RevisionStatusPending,
	})
	return revs, asUnavailable(err)
}

func exitPassed(code *int) *bool {
	if code == nil {
		return nil
	}
	ok := *code == 0
	return &ok
}
