package store

import (
	"context"
	"time"

	"github.com/joescharf/ralph/internal/models"
)

// BuildListFilter specifies filters for listing builds.
type BuildListFilter struct {
	ProjectID string
	TaskID    string
	Status    models.BuildStatus
	Limit     int
}

// QueueListFilter specifies filters for listing queue entries.
// Results are ordered by priority descending, then creation time ascending.
type QueueListFilter struct {
	ProjectID string
	Status    models.QueueStatus
	Limit     int
}

// RevisionListFilter specifies filters for listing revisions.
type RevisionListFilter struct {
	ProjectID string
	BuildID   string
	Status    models.RevisionStatus
}

// Transition moves a build from one status to another in a single transaction.
// The update only applies if the build is still in From.
type Transition struct {
	BuildID    string
	From       models.BuildStatus
	To         models.BuildStatus
	ApprovedBy string
	Notes      string

	// CompleteQueue closes any open queue entry for the build.
	CompleteQueue bool
	Audit         []*models.AuditEvent
}

// IngestOption adjusts a single IngestBuild call.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	skipDuplicate bool
}

// WithDuplicateCheck makes IngestBuild return a *DuplicateError instead of
// inserting when the newest build of the lineage has the same commit and is
// still PENDING or DISPATCHED. The check runs in the insert transaction.
func WithDuplicateCheck() IngestOption {
	return func(o *ingestOptions) { o.skipDuplicate = true }
}

// Store defines the persistence interface for the review lifecycle.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	UpdateProject(ctx context.Context, p *models.Project) error
	DeleteProject(ctx context.Context, id string) error

	// Builds
	NextIteration(ctx context.Context, projectID, taskID string) (int, error)
	IngestBuild(ctx context.Context, b *models.Build, q *models.QueueEntry, opts ...IngestOption) ([]string, error)
	GetBuild(ctx context.Context, id string) (*models.Build, error)
	ListBuilds(ctx context.Context, filter BuildListFilter) ([]*models.Build, error)
	TransitionBuild(ctx context.Context, t Transition) error
	RecordHumanApproval(ctx context.Context, buildID, approvedBy string, audit *models.AuditEvent) error

	// Queue
	ListQueue(ctx context.Context, filter QueueListFilter) ([]*models.QueueEntry, error)
	GetQueueEntryByBuild(ctx context.Context, buildID string) (*models.QueueEntry, error)
	ClaimQueueEntry(ctx context.Context, entryID string, at time.Time) (bool, error)

	// Inspections
	RecordInspection(ctx context.Context, insp *models.Inspection, to models.BuildStatus) error
	GetInspection(ctx context.Context, buildID string) (*models.Inspection, error)

	// Revisions
	CreateRevision(ctx context.Context, rev *models.Revision, actor string) error
	GetRevisionByBuild(ctx context.Context, buildID string) (*models.Revision, error)
	ListRevisions(ctx context.Context, filter RevisionListFilter) ([]*models.Revision, error)

	// Events
	RecordDispatchEvent(ctx context.Context, e *models.DispatchEvent) error
	ListDispatchEvents(ctx context.Context, buildID string, limit int) ([]*models.DispatchEvent, error)
	ListAuditEvents(ctx context.Context, buildID string) ([]*models.AuditEvent, error)

	// Rate limiting
	Take(ctx context.Context, key string, capacity int, window time.Duration, now time.Time) (bool, float64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
