package models

import "time"

// DispatchOutcome is the result of one dispatch attempt.
type DispatchOutcome string

const (
	DispatchOutcomeDispatched  DispatchOutcome = "dispatched"
	DispatchOutcomeRateLimited DispatchOutcome = "rate_limited"
	DispatchOutcomeClaimLost   DispatchOutcome = "claim_lost"
)

// DispatchMethodPoll marks builds handed to a reviewer that polls for work.
const DispatchMethodPoll = "mcp_poll"

// DispatchEvent is an append-only record of a dispatch attempt.
type DispatchEvent struct {
	ID           string          `json:"id"`
	BuildID      string          `json:"build_id"`
	QueueEntryID string          `json:"queue_entry_id"`
	Outcome      DispatchOutcome `json:"outcome"`
	Method       string          `json:"method"`
	Detail       string          `json:"detail,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AuditKind classifies audit log entries.
type AuditKind string

const (
	AuditInspectionSubmitted AuditKind = "inspection_submitted"
	AuditRevisionRequested   AuditKind = "revision_requested"
	AuditApproved            AuditKind = "approved"
	AuditHumanSignOff        AuditKind = "human_sign_off"
	AuditGuardrailBypass     AuditKind = "guardrail_bypass"
	AuditRejected            AuditKind = "rejected"
)

// AuditEvent is an append-only record of a human or reviewer decision.
type AuditEvent struct {
	ID        string    `json:"id"`
	BuildID   string    `json:"build_id"`
	Kind      AuditKind `json:"kind"`
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
