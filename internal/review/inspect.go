package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/joescharf/ralph/internal/models"
	"github.com/joescharf/ralph/internal/notify"
	"github.com/joescharf/ralph/internal/store"
)

// InspectionRequest is a reviewer's verdict.
type InspectionRequest struct {
	BuildID     string         `json:"build_id"`
	Passed      bool           `json:"passed"`
	Issues      []models.Issue `json:"issues"`
	Suggestions Suggestions    `json:"suggestions"`
	Confidence  *float64       `json:"confidence"`
	Inspector   string         `json:"inspector"`
}

// Suggestions decodes from a JSON array of strings or from one string holding
// a suggestion per line.
type Suggestions []string

func (s *Suggestions) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*s = nil
		for _, line := range strings.Split(text, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				*s = append(*s, line)
			}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("suggestions must be a string or an array of strings")
	}
	*s = list
	return nil
}

// InspectionResult is the stored verdict and the build status it produced.
type InspectionResult struct {
	Inspection       *models.Inspection `json:"inspection"`
	InspectionStatus models.BuildStatus `json:"inspection_status"`
	// Replayed is set when an identical verdict was already stored.
	Replayed bool `json:"replayed"`
}

func (r *InspectionRequest) normalize() error {
	r.BuildID = strings.TrimSpace(r.BuildID)
	if r.BuildID == "" {
		return validationf("build_id is required")
	}
	for i, issue := range r.Issues {
		if !issue.Severity.Valid() {
			return validationf("issues[%d]: unknown severity %q", i, issue.Severity)
		}
		if strings.TrimSpace(issue.Description) == "" {
			return validationf("issues[%d]: description is required", i)
		}
		if issue.Line < 0 {
			return validationf("issues[%d]: line must not be negative", i)
		}
	}
	if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
		return validationf("confidence must be between 0 and 1")
	}
	if r.Issues == nil {
		r.Issues = []models.Issue{}
	}
	if r.Suggestions == nil {
		r.Suggestions = []string{}
	}
	return nil
}

// sameVerdict compares the reviewer-supplied content of two verdicts.
func (r *InspectionRequest) sameVerdict(insp *models.Inspection) bool {
	if r.Passed != insp.Passed {
		return false
	}
	if !slices.Equal(r.Issues, insp.Issues) || !slices.Equal([]string(r.Suggestions), insp.Suggestions) {
		return false
	}
	switch {
	case r.Confidence == nil && insp.Confidence == nil:
		return true
	case r.Confidence == nil || insp.Confidence == nil:
		return false
	default:
		return *r.Confidence == *insp.Confidence
	}
}

// SubmitInspection records the verdict for a dispatched build and moves it to
// PASSED or FAILED. Submitting the same verdict again returns the stored one;
// a different verdict for an inspected build is a conflict.
func (e *Engine) SubmitInspection(ctx context.Context, req InspectionRequest) (*InspectionResult, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	if req.Inspector == "" {
		req.Inspector = e.cfg.Reviewer
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()

	b, err := e.store.GetBuild(ctx, req.BuildID)
	if err != nil {
		return nil, asUnavailable(err)
	}

	if res, err := e.replayInspection(ctx, &req); res != nil || err != nil {
		return res, err
	}

	if b.Status != models.BuildStatusDispatched {
		return nil, preconditionf("build %s is %s, not DISPATCHED", b.ID, b.Status)
	}

	to := models.BuildStatusFailed
	if req.Passed {
		to = models.BuildStatusPassed
	}
	insp := &models.Inspection{
		BuildID:     req.BuildID,
		Passed:      req.Passed,
		Issues:      req.Issues,
		Suggestions: req.Suggestions,
		Confidence:  req.Confidence,
		Inspector:   req.Inspector,
	}
	err = e.store.RecordInspection(ctx, insp, to)
	if errors.Is(err, store.ErrConflict) {
		// Another submission won the race; decide against what it stored.
		if res, rerr := e.replayInspection(ctx, &req); res != nil || rerr != nil {
			return res, rerr
		}
	}
	if err != nil {
		return nil, asUnavailable(err)
	}

	e.logger.Info("inspection submitted",
		"build_id", b.ID, "passed", insp.Passed, "issues", len(insp.Issues), "inspector", insp.Inspector)
	e.notifier.Send(notify.Event{
		Kind:      notify.EventInspectionSubmitted,
		BuildID:   b.ID,
		ProjectID: b.ProjectID,
		TaskID:    b.TaskID,
		Iteration: b.IterationCount,
		Status:    string(to),
		Actor:     insp.Inspector,
		Message:   inspectionSummary(insp),
	})
	if insp.Passed {
		e.notifyAwaitingSignOff(b)
	}

	return &InspectionResult{Inspection: insp, InspectionStatus: to}, nil
}

// replayInspection returns a result when the build already has a verdict:
// a replay when it matches req, otherwise ErrConflict. Both nil means no
// verdict exists yet.
func (e *Engine) replayInspection(ctx context.Context, req *InspectionRequest) (*InspectionResult, error) {
	existing, err := e.store.GetInspection(ctx, req.BuildID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, asUnavailable(err)
	}
	if !req.sameVerdict(existing) {
		return nil, fmt.Errorf("build %s already has a different verdict: %w", req.BuildID, ErrConflict)
	}
	b, err := e.store.GetBuild(ctx, req.BuildID)
	if err != nil {
		return nil, asUnavailable(err)
	}
	return &InspectionResult{Inspection: existing, InspectionStatus: b.Status, Replayed: true}, nil
}

func inspectionSummary(insp *models.Inspection) string {
	counts := map[models.Severity]int{}
	for _, issue := range insp.Issues {
		counts[issue.Severity]++
	}
	verdict := "failed"
	if insp.Passed {
		verdict = "passed"
	}
	return fmt.Sprintf("%s: %d blocker, %d major, %d minor", verdict,
		counts[models.SeverityBlocker], counts[models.SeverityMajor], counts[models.SeverityMinor])
}
