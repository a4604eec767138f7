// Package dispatcher releases queued builds to reviewers under a rate limit.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/joescharf/ralph/internal/models"
	"github.com/joescharf/ralph/internal/ratelimit"
	"github.com/joescharf/ralph/internal/store"
)

// Defaults for the dispatch loop.
const (
	DefaultInterval  = 5 * time.Minute
	DefaultBatchSize = 10
)

// Stats summarizes one tick.
type Stats struct {
	Pending     int  `json:"pending"`
	Dispatched  int  `json:"dispatched"`
	RateLimited int  `json:"rate_limited"`
	Lost        int  `json:"claim_lost"`
	Errors      int  `json:"errors"`
	Skipped     bool `json:"skipped"`
}

// Config controls the dispatch loop.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Dispatcher moves PENDING queue entries to DISPATCHED in priority order,
// one rate limit token per build.
type Dispatcher struct {
	store   store.Store
	limiter *ratelimit.Limiter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	running atomic.Bool
}

// New creates a Dispatcher. Zero config fields take the defaults.
func New(s store.Store, limiter *ratelimit.Limiter, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: s, limiter: limiter, cfg: cfg, logger: logger, now: time.Now}
}

// Tick runs one dispatch pass. A tick that starts while another is still
// running returns immediately with Skipped set. Processing stops at the first
// rate limit denial or store error so lower priority builds never overtake a
// waiting one.
func (d *Dispatcher) Tick(ctx context.Context) (Stats, error) {
	if !d.running.CompareAndSwap(false, true) {
		d.logger.Debug("dispatch tick skipped, previous tick still running")
		return Stats{Skipped: true}, nil
	}
	defer d.running.Store(false)

	var stats Stats
	entries, err := d.store.ListQueue(ctx, store.QueueListFilter{
		Status: models.QueueStatusPending,
		Limit:  d.cfg.BatchSize,
	})
	if err != nil {
		return stats, fmt.Errorf("list pending queue: %w", err)
	}
	stats.Pending = len(entries)

	projects := make(map[string]*models.Project)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		bucket, err := d.bucketFor(ctx, projects, entry.ProjectID)
		if err != nil {
			stats.Errors++
			d.logger.Error("dispatch project lookup failed", "build_id", entry.BuildID, "project_id", entry.ProjectID, "error", err)
			break
		}

		if !d.limiter.TryAcquire(ctx, bucket) {
			stats.RateLimited++
			d.record(ctx, entry, models.DispatchOutcomeRateLimited, "bucket "+bucket.Key+" empty")
			d.logger.Info("dispatch rate limited", "build_id", entry.BuildID, "bucket", bucket.Key)
			break
		}

		claimed, err := d.store.ClaimQueueEntry(ctx, entry.ID, d.now())
		if err != nil {
			stats.Errors++
			d.logger.Error("dispatch claim failed", "build_id", entry.BuildID, "entry_id", entry.ID, "error", err)
			break
		}
		if !claimed {
			stats.Lost++
			d.record(ctx, entry, models.DispatchOutcomeClaimLost, "entry no longer pending")
			d.logger.Debug("dispatch claim lost", "build_id", entry.BuildID, "entry_id", entry.ID)
			continue
		}
		stats.Dispatched++
		d.logger.Info("build dispatched", "build_id", entry.BuildID, "project_id", entry.ProjectID, "priority", entry.Priority)
	}
	return stats, nil
}

// bucketFor resolves the rate limit bucket for a project, caching lookups for
// the duration of a tick. A deleted project falls back to the global bucket.
func (d *Dispatcher) bucketFor(ctx context.Context, cache map[string]*models.Project, projectID string) (ratelimit.Bucket, error) {
	p, ok := cache[projectID]
	if !ok {
		var err error
		p, err = d.store.GetProject(ctx, projectID)
		if errors.Is(err, store.ErrNotFound) {
			p = nil
		} else if err != nil {
			return ratelimit.Bucket{}, err
		}
		cache[projectID] = p
	}
	return d.limiter.BucketFor(p), nil
}

func (d *Dispatcher) record(ctx context.Context, entry *models.QueueEntry, outcome models.DispatchOutcome, detail string) {
	err := d.store.RecordDispatchEvent(ctx, &models.DispatchEvent{
		BuildID:      entry.BuildID,
		QueueEntryID: entry.ID,
		Outcome:      outcome,
		Method:       models.DispatchMethodPoll,
		Detail:       detail,
		CreatedAt:    d.now().UTC(),
	})
	if err != nil {
		d.logger.Warn("record dispatch event failed", "build_id", entry.BuildID, "outcome", outcome, "error", err)
	}
}

// Run ticks immediately and then on every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "interval", d.cfg.Interval, "batch_size", d.cfg.BatchSize)
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		d.safeTick(ctx)
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch tick panicked", "panic", r)
		}
	}()
	stats, err := d.Tick(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("dispatch tick failed", "error", err)
		}
		return
	}
	if stats.Pending > 0 {
		d.logger.Debug("dispatch tick", "pending", stats.Pending, "dispatched", stats.Dispatched,
			"rate_limited", stats.RateLimited, "claim_lost", stats.Lost)
	}
}
