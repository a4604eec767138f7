package models

import "time"

// QueueStatus is the dispatch state of a queue entry.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "PENDING"
	QueueStatusDispatched QueueStatus = "DISPATCHED"
	QueueStatusCompleted  QueueStatus = "COMPLETED"
)

// Queue priorities. Higher values are dispatched first.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// ClampPriority bounds p to the valid priority range.
func ClampPriority(p int) int {
	return min(max(p, MinPriority), MaxPriority)
}

// QueueEntry is a build waiting for, or holding, a reviewer slot.
// At most one entry per build is not COMPLETED.
type QueueEntry struct {
	ID           string      `json:"id"`
	BuildID      string      `json:"build_id"`
	ProjectID    string      `json:"project_id"`
	TaskID       string      `json:"task_id"`
	QueueType    BuildType   `json:"queue_type"`
	Priority     int         `json:"priority"`
	Status       QueueStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	DispatchedAt *time.Time  `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}
