package models

import (
	"encoding/json"
	"time"
)

// BuildType distinguishes plan reviews from code reviews.
type BuildType string

const (
	BuildTypePlan BuildType = "PLAN"
	BuildTypeCode BuildType = "CODE"
)

// Valid reports whether t is a known build type.
func (t BuildType) Valid() bool {
	return t == BuildTypePlan || t == BuildTypeCode
}

// BuilderSignal is the builder's own assessment of a submission.
type BuilderSignal string

const (
	SignalReadyForReview BuilderSignal = "READY_FOR_REVIEW"
	SignalNeedsWork      BuilderSignal = "NEEDS_WORK"
	SignalDeployed       BuilderSignal = "DEPLOYED"
)

// Valid reports whether s is a known builder signal.
func (s BuilderSignal) Valid() bool {
	switch s {
	case SignalReadyForReview, SignalNeedsWork, SignalDeployed:
		return true
	}
	return false
}

// DiffSource records where a build's diff came from.
type DiffSource string

const (
	DiffSourceAgent  DiffSource = "agent"
	DiffSourceGitHub DiffSource = "github"
)

// Build is one submission of work by the builder.
type Build struct {
	ID              string            `json:"build_id"`
	ProjectID       string            `json:"project_id"`
	BuildType       BuildType         `json:"build_type"`
	TaskID          string            `json:"task_id"`
	TaskDescription string            `json:"task_description,omitempty"`
	PlanBuildID     string            `json:"plan_build_id,omitempty"`
	CommitSHA       string            `json:"commit_sha"`
	Branch          string            `json:"branch"`
	ChangedFiles    []string          `json:"changed_files"`
	Diff            string            `json:"diff,omitempty"`
	DiffSource      DiffSource        `json:"diff_source"`
	ReviewBundle    map[string]string `json:"review_bundle,omitempty"`

	TestCommand    string   `json:"test_command,omitempty"`
	TestExitCode   *int     `json:"test_exit_code,omitempty"`
	TestOutputTail string   `json:"test_output_tail,omitempty"`
	Coverage       *float64 `json:"coverage,omitempty"`
	LintCommand    string   `json:"lint_command,omitempty"`
	LintExitCode   *int     `json:"lint_exit_code,omitempty"`
	LintOutputTail string   `json:"lint_output_tail,omitempty"`

	BuilderSignal BuilderSignal   `json:"builder_signal"`
	BuilderNotes  json.RawMessage `json:"builder_notes,omitempty"`

	Status                BuildStatus `json:"inspection_status"`
	RequiresHumanApproval bool        `json:"requires_human_approval"`
	ApprovalReasons       []string    `json:"approval_reasons"`
	HumanApprovedBy       string      `json:"human_approved_by,omitempty"`
	ApprovalNotes         string      `json:"approval_notes,omitempty"`
	IterationCount        int         `json:"iteration_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
