package review

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/joescharf/ralph/internal/models"
	"github.com/joescharf/ralph/internal/notify"
	"github.com/joescharf/ralph/internal/store"
)

// Feedback attached to a revision raised by a human declining a build.
const (
	declineSummary  = "Build rejected by human reviewer"
	declineFix      = "Build rejected by human - review and revise"
	declineGuidance = "Please address the concerns and resubmit"
)

// SignOff records that a named human accepts a build flagged for approval.
//
// Before a verdict exists the sign-off is stored on the build, and a later
// approveBuild of the PASSED build no longer needs human_approved_by. On a
// PASSED build the sign-off approves it. A sign-off never overrides a failed
// inspection: FAILED and REVISION_REQUESTED builds yield ErrPreconditionFailed.
func (e *Engine) SignOff(ctx context.Context, buildID, actor string) (*DecisionResult, error) {
	buildID = strings.TrimSpace(buildID)
	actor = strings.TrimSpace(actor)
	if buildID == "" {
		return nil, validationf("build_id is required")
	}
	if actor == "" {
		return nil, validationf("a named approver is required")
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	b, err := e.store.GetBuild(sctx, buildID)
	if err != nil {
		return nil, asUnavailable(err)
	}

	switch b.Status {
	case models.BuildStatusApproved:
		return &DecisionResult{Build: b, Replayed: true}, nil
	case models.BuildStatusPassed:
		return e.ApproveBuild(ctx, ApprovalRequest{
			BuildID:         b.ID,
			HumanApprovedBy: actor,
			Notes:           "signed off by " + actor,
		})
	case models.BuildStatusPending, models.BuildStatusDispatched:
	default:
		return nil, preconditionf("build %s is %s, a sign-off cannot approve it", b.ID, b.Status)
	}

	if b.HumanApprovedBy != "" {
		return &DecisionResult{Build: b, Replayed: true}, nil
	}
	err = e.store.RecordHumanApproval(sctx, b.ID, actor, &models.AuditEvent{
		BuildID: b.ID,
		Kind:    models.AuditHumanSignOff,
		Actor:   actor,
		Detail:  "signed off while " + string(b.Status),
	})
	if errors.Is(err, store.ErrPreconditionFailed) {
		// Lost a race: either another sign-off landed first or the build moved on.
		if cur, gerr := e.store.GetBuild(sctx, b.ID); gerr == nil && cur.HumanApprovedBy != "" {
			return &DecisionResult{Build: cur, Replayed: true}, nil
		}
		return nil, preconditionf("build %s changed state during sign-off", b.ID)
	}
	if err != nil {
		return nil, asUnavailable(err)
	}

	updated, err := e.store.GetBuild(sctx, b.ID)
	if err != nil {
		return nil, asUnavailable(err)
	}
	e.logger.Info("human sign-off recorded", "build_id", b.ID, "status", b.Status, "approved_by", actor)
	return &DecisionResult{Build: updated}, nil
}

// DeclineResult is the outcome of a human declining a build.
type DeclineResult struct {
	Build *models.Build `json:"build"`
	// Revision is the rework request raised for the builder, if any.
	Revision *models.Revision `json:"revision,omitempty"`
	Replayed bool             `json:"replayed"`
}

// Decline sends a build back to the builder on a human's say-so. A build that
// has no verdict yet is failed in the human's name and a revision is raised,
// as is a revision for an already FAILED build. A PASSED build cannot be
// failed after the fact, so it is rejected instead, as is a PENDING build
// that is not queued for review.
func (e *Engine) Decline(ctx context.Context, buildID, actor string) (*DeclineResult, error) {
	buildID = strings.TrimSpace(buildID)
	actor = strings.TrimSpace(actor)
	if buildID == "" {
		return nil, validationf("build_id is required")
	}
	if actor == "" {
		actor = e.cfg.Reviewer
	}

	b, err := e.declineTarget(ctx, buildID)
	if err != nil {
		return nil, err
	}

	switch b.Status {
	case models.BuildStatusDispatched:
		if _, err := e.SubmitInspection(ctx, InspectionRequest{
			BuildID: b.ID,
			Passed:  false,
			Issues: []models.Issue{{
				Severity:    models.SeverityBlocker,
				Description: declineSummary,
			}},
			Inspector: actor,
		}); err != nil {
			return nil, err
		}
	case models.BuildStatusFailed, models.BuildStatusRevisionRequested:
	case models.BuildStatusPending, models.BuildStatusPassed, models.BuildStatusRejected:
		res, err := e.RejectBuild(ctx, RejectionRequest{
			BuildID:    b.ID,
			Reason:     declineSummary,
			RejectedBy: actor,
		})
		if err != nil {
			return nil, err
		}
		return &DeclineResult{Build: res.Build, Replayed: res.Replayed}, nil
	default:
		return nil, preconditionf("build %s is %s and cannot be declined", b.ID, b.Status)
	}

	rev, err := e.RequestRevision(ctx, RevisionRequest{
		BuildID:         b.ID,
		FeedbackSummary: declineSummary,
		PriorityFixes:   []string{declineFix},
		PatchGuidance:   declineGuidance,
		RequestedBy:     actor,
	})
	if err != nil {
		return nil, err
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	updated, err := e.store.GetBuild(sctx, b.ID)
	if err != nil {
		return nil, asUnavailable(err)
	}
	return &DeclineResult{Build: updated, Revision: rev.Revision, Replayed: rev.Replayed}, nil
}

// declineTarget loads the build, first claiming a queued PENDING build so a
// human verdict can be recorded against it. A build that is still PENDING
// afterwards has no queue entry to claim.
func (e *Engine) declineTarget(ctx context.Context, buildID string) (*models.Build, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()

	b, err := e.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, asUnavailable(err)
	}
	if b.Status != models.BuildStatusPending {
		return b, nil
	}

	entry, err := e.store.GetQueueEntryByBuild(ctx, buildID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return b, nil
	case err != nil:
		return nil, asUnavailable(err)
	}
	if entry.Status == models.QueueStatusPending {
		// Losing the claim to the dispatcher leaves the build DISPATCHED all the same.
		if _, err := e.store.ClaimQueueEntry(ctx, entry.ID, time.Now()); err != nil {
			return nil, asUnavailable(err)
		}
	}
	b, err = e.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, asUnavailable(err)
	}
	return b, nil
}

// notifyAwaitingSignOff repeats the approval prompt once a flagged build has
// passed inspection without a sign-off.
func (e *Engine) notifyAwaitingSignOff(b *models.Build) {
	if !b.RequiresHumanApproval || b.HumanApprovedBy != "" {
		return
	}
	e.notifier.Send(notify.Event{
		Kind:      notify.EventApprovalRequested,
		BuildID:   b.ID,
		ProjectID: b.ProjectID,
		TaskID:    b.TaskID,
		Iteration: b.IterationCount,
		Status:    string(models.BuildStatusPassed),
		Reasons:   b.ApprovalReasons,
		Message:   "passed inspection, awaiting sign-off",
	})
}
