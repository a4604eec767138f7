// Package notify delivers lifecycle events to humans. Delivery is best effort:
// a failed or slow notifier never blocks or fails a state transition.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

//go:generate mockgen -destination=../../mocks/mock_notifier.go -package=mocks . Notifier

// EventKind classifies a notification.
type EventKind string

const (
	EventBuildIngested       EventKind = "build_ingested"
	EventApprovalRequested   EventKind = "approval_requested"
	EventInspectionSubmitted EventKind = "inspection_submitted"
	EventRevisionRequested   EventKind = "revision_requested"
	EventBuildApproved       EventKind = "build_approved"
	EventBuildRejected       EventKind = "build_rejected"
)

// Event is a lifecycle change worth telling someone about.
type Event struct {
	Kind         EventKind
	BuildID      string
	ProjectID    string
	TaskID       string
	Iteration    int
	Status       string
	Reasons      []string
	ChangedFiles []string
	TestsPassed  *bool
	LintPassed   *bool
	Fixes        []string
	Actor        string
	Message      string
}

// Notifier sends an event somewhere.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// DefaultTimeout bounds a single delivery.
const DefaultTimeout = 10 * time.Second

// Async delivers events in the background with a per-event timeout. Errors
// are logged and dropped.
type Async struct {
	next    Notifier
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewAsync wraps next. A zero timeout uses DefaultTimeout.
func NewAsync(next Notifier, timeout time.Duration, logger *slog.Logger) *Async {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{next: next, timeout: timeout, logger: logger}
}

// Send schedules delivery and returns immediately.
func (a *Async) Send(e Event) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Notify(ctx, e); err != nil {
			a.logger.Warn("notification failed", "kind", e.Kind, "build_id", e.BuildID, "error", err)
		}
	}()
}

// Wait blocks until every scheduled delivery has finished.
func (a *Async) Wait() {
	a.wg.Wait()
}
