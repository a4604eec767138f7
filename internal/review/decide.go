package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joescharf/ralph/internal/models"
	"github.com/joescharf/ralph/internal/notify"
	"github.com/joescharf/ralph/internal/store"
)

// RevisionRequest is structured feedback for a failed build.
type RevisionRequest struct {
	BuildID         string   `json:"build_id"`
	FeedbackSummary string   `json:"feedback_summary"`
	PriorityFixes   []string `json:"priority_fixes"`
	PatchGuidance   string   `json:"patch_guidance"`
	DoNotChange     []string `json:"do_not_change"`
	RequestedBy     string   `json:"requested_by"`
}

// RevisionResult is the stored revision request.
type RevisionResult struct {
	Revision         *models.Revision   `json:"revision"`
	InspectionStatus models.BuildStatus `json:"inspection_status"`
	Replayed         bool               `json:"replayed"`
}

// RequestRevision asks the builder to rework a FAILED build. Repeating the
// request returns the revision already on record.
func (e *Engine) RequestRevision(ctx context.Context, req RevisionRequest) (*RevisionResult, error) {
	req.BuildID = strings.TrimSpace(req.BuildID)
	req.FeedbackSummary = strings.TrimSpace(req.FeedbackSummary)
	if req.BuildID == "" {
		return nil, validationf("build_id is required")
	}
	if req.FeedbackSummary == "" {
		return nil, validationf("feedback_summary is required")
	}
	if req.RequestedBy == "" {
		req.RequestedBy = e.cfg.Reviewer
	}
	fixes := nonEmpty(req.PriorityFixes)

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()

	if res, err := e.existingRevision(ctx, req.BuildID); res != nil || err != nil {
		return res, err
	}

	b, err := e.store.GetBuild(ctx, req.BuildID)
	if err != nil {
		return nil, asUnavailable(err)
	}
	if b.Status != models.BuildStatusFailed {
		return nil, preconditionf("build %s is %s, revisions need a FAILED build", b.ID, b.Status)
	}

	rev := &models.Revision{
		BuildID:         b.ID,
		ProjectID:       b.ProjectID,
		TaskID:          b.TaskID,
		FeedbackSummary: req.FeedbackSummary,
		PriorityFixes:   fixes,
		PatchGuidance:   req.PatchGuidance,
		DoNotChange:     nonEmpty(req.DoNotChange),
	}
	err = e.store.CreateRevision(ctx, rev, req.RequestedBy)
	if errors.Is(err, store.ErrConflict) {
		if res, rerr := e.existingRevision(ctx, req.BuildID); res != nil || rerr != nil {
			return res, rerr
		}
	}
	if err != nil {
		return nil, asUnavailable(err)
	}

	e.logger.Info("revision requested", "build_id", b.ID, "revision_id", rev.ID, "fixes", len(fixes))
	e.notifier.Send(notify.Event{
		Kind:      notify.EventRevisionRequested,
		BuildID:   b.ID,
		ProjectID: b.ProjectID,
		TaskID:    b.TaskID,
		Iteration: b.IterationCount,
		Status:    string(models.BuildStatusRevisionRequested),
		Fixes:     fixes,
		Actor:     req.RequestedBy,
		Message:   req.FeedbackSummary,
	})

	return &RevisionResult{Revision: rev, InspectionStatus: models.BuildStatusRevisionRequested}, nil
}

func (e *Engine) existingRevision(ctx context.Context, buildID string) (*RevisionResult, error) {
	rev, err := e.store.GetRevisionByBuild(ctx, buildID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, asUnavailable(err)
	}
	b, err := e.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, asUnavailable(err)
	}
	return &RevisionResult{Revision: rev, InspectionStatus: b.Status, Replayed: true}, nil
}

// ApprovalRequest is a final sign-off.
type ApprovalRequest struct {
	BuildID         string `json:"build_id"`
	Notes           string `json:"notes"`
	HumanApprovedBy string `json:"human_approved_by"`
	// CommitSHA, when set, must match the build's commit.
	CommitSHA string `json:"commit_sha"`
}

// DecisionResult is the build after a decision.
type DecisionResult struct {
	Build    *models.Build `json:"build"`
	Replayed bool          `json:"replayed"`
	// Override is set when a human approved a build whose inspection failed.
	Override bool `json:"override,omitempty"`
}

// ApproveBuild marks a build APPROVED. A PASSED build needs a named human when
// guardrails flagged it, either in the request or signed off earlier. A FAILED or REVISION_REQUESTED build can only be
// approved by a named human, which is recorded as a guardrail bypass.
func (e *Engine) ApproveBuild(ctx context.Context, req ApprovalRequest) (*DecisionResult, error) {
	req.BuildID = strings.TrimSpace(req.BuildID)
	req.HumanApprovedBy = strings.TrimSpace(req.HumanApprovedBy)
	if req.BuildID == "" {
		return nil, validationf("build_id is required")
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()

	b, err := e.store.GetBuild(ctx, req.BuildID)
	if err != nil {
		return nil, asUnavailable(err)
	}
	if req.CommitSHA != "" && req.CommitSHA != b.CommitSHA {
		return nil, preconditionf("commit %s does not match build commit %s", req.CommitSHA, b.CommitSHA)
	}

	switch b.Status {
	case models.BuildStatusApproved:
		return &DecisionResult{Build: b, Replayed: true}, nil
	case models.BuildStatusPassed:
		if req.HumanApprovedBy == "" {
			req.HumanApprovedBy = b.HumanApprovedBy
		}
		if b.RequiresHumanApproval && req.HumanApprovedBy == "" {
			return nil, preconditionf("build %s requires human approval: %s",
				b.ID, strings.Join(b.ApprovalReasons, "; "))
		}
	case models.BuildStatusFailed, models.BuildStatusRevisionRequested:
		if req.HumanApprovedBy == "" {
			return nil, preconditionf("build %s is %s, approving it needs human_approved_by", b.ID, b.Status)
		}
	default:
		return nil, preconditionf("build %s is %s and cannot be approved", b.ID, b.Status)
	}

	actor := req.HumanApprovedBy
	if actor == "" {
		actor = e.cfg.Reviewer
	}
	override := models.RequiresOverride(b.Status, models.BuildStatusApproved)
	audit := []*models.AuditEvent{{
		BuildID: b.ID,
		Kind:    models.AuditApproved,
		Actor:   actor,
		Detail:  req.Notes,
	}}
	if override {
		audit = append(audit, &models.AuditEvent{
			BuildID: b.ID,
			Kind:    models.AuditGuardrailBypass,
			Actor:   actor,
			Detail:  fmt.Sprintf("approved from %s", b.Status),
		})
	}

	err = e.store.TransitionBuild(ctx, store.Transition{
		BuildID:       b.ID,
		From:          b.Status,
		To:            models.BuildStatusApproved,
		ApprovedBy:    req.HumanApprovedBy,
		Notes:         req.Notes,
		CompleteQueue: true,
		Audit:         audit,
	})
	if err != nil {
		return nil, asUnavailable(err)
	}

	updated, err := e.store.GetBuild(ctx, b.ID)
	if err != nil {
		return nil, asUnavailable(err)
	}

	e.logger.Info("build approved", "build_id", b.ID, "from", b.Status, "approved_by", actor, "override", override)
	if override {
		e.logger.Warn("guardrail bypass", "build_id", b.ID, "from", b.Status, "approved_by", actor)
	}
	e.notifier.Send(notify.Event{
		Kind:      notify.EventBuildApproved,
		BuildID:   b.ID,
		ProjectID: b.ProjectID,
		TaskID:    b.TaskID,
		Iteration: b.IterationCount,
		Status:    string(models.BuildStatusApproved),
		Actor:     actor,
		Message:   req.Notes,
	})

	return &DecisionResult{Build: updated, Override: override}, nil
}

// RejectionRequest discards a build.
type RejectionRequest struct {
	BuildID    string `json:"build_id"`
	Reason     string `json:"reason"`
	RejectedBy string `json:"rejected_by"`
}

// RejectBuild moves a build to REJECTED and closes its queue entry.
func (e *Engine) RejectBuild(ctx context.Context, req RejectionRequest) (*DecisionResult, error) {
	req.BuildID = strings.TrimSpace(req.BuildID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.BuildID == "" {
		return nil, validationf("build_id is required")
	}
	if req.Reason == "" {
		return nil, validationf("reason is required")
	}
	if req.RejectedBy == "" {
		req.RejectedBy = e.cfg.Reviewer
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()

	b, err := e.store.GetBuild(ctx, req.BuildID)
	if err != nil {
		return nil, asUnavailable(err)
	}
	if b.Status == models.BuildStatusRejected {
		return &DecisionResult{Build: b, Replayed: true}, nil
	}
	if !models.CanTransition(b.Status, models.BuildStatusRejected) {
		return nil, preconditionf("build %s is %s and cannot be rejected", b.ID, b.Status)
	}

	err = e.store.TransitionBuild(ctx, store.Transition{
		BuildID:       b.ID,
		From:          b.Status,
		To:            models.BuildStatusRejected,
		Notes:         req.Reason,
		CompleteQueue: true,
		Audit: []*models.AuditEvent{{
			BuildID: b.ID,
			Kind:    models.AuditRejected,
			Actor:   req.RejectedBy,
			Detail:  req.Reason,
		}},
	})
	if err != nil {
		return nil, asUnavailable(err)
	}

	updated, err := e.store.GetBuild(ctx, b.ID)
	if err != nil {
		return nil, asUnavailable(err)
	}

	e.logger.Info("build rejected", "build_id", b.ID, "from", b.Status, "rejected_by", req.RejectedBy)
	e.notifier.Send(notify.Event{
		Kind:      notify.EventBuildRejected,
		BuildID:   b.ID,
		ProjectID: b.ProjectID,
		TaskID:    b.TaskID,
		Iteration: b.IterationCount,
		Status:    string(models.BuildStatusRejected),
		Actor:     req.RejectedBy,
		Message:   req.Reason,
	})

	return &DecisionResult{Build: updated}, nil
}

func nonEmpty(items []string) []string {
	out := []string{}
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
