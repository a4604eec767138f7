package models

import "time"

// RevisionStatus tracks whether the builder has answered a revision request.
type RevisionStatus string

const (
	RevisionStatusPending   RevisionStatus = "PENDING"
	RevisionStatusAddressed RevisionStatus = "ADDRESSED"
)

// Revision is structured feedback sent back to the builder after a failed inspection.
type Revision struct {
	ID                 string         `json:"revision_id"`
	BuildID            string         `json:"build_id"`
	ProjectID          string         `json:"project_id"`
	TaskID             string         `json:"task_id"`
	FeedbackSummary    string         `json:"feedback_summary"`
	PriorityFixes      []string       `json:"priority_fixes"`
	PatchGuidance      string         `json:"patch_guidance,omitempty"`
	DoNotChange        []string       `json:"do_not_change,omitempty"`
	Status             RevisionStatus `json:"status"`
	AddressedByBuildID string         `json:"addressed_by_build_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	AddressedAt        *time.Time     `json:"addressed_at,omitempty"`
}
