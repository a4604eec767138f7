package models

import "time"

// Severity grades an inspection issue.
type Severity string

const (
	SeverityBlocker Severity = "BLOCKER"
	SeverityMajor   Severity = "MAJOR"
	SeverityMinor   Severity = "MINOR"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityBlocker || s == SeverityMajor || s == SeverityMinor
}

// Issue is a single finding reported by the reviewer.
type Issue struct {
	Severity    Severity `json:"severity"`
	File        string   `json:"file,omitempty"`
	Line        int      `json:"line,omitempty"`
	Description string   `json:"description"`
	Evidence    string   `json:"evidence,omitempty"`
	FixHint     string   `json:"fix_hint,omitempty"`
}

// Inspection is the reviewer's verdict on a build. There is at most one per build.
type Inspection struct {
	ID          string    `json:"id"`
	BuildID     string    `json:"build_id"`
	Passed      bool      `json:"passed"`
	Issues      []Issue   `json:"issues"`
	Suggestions []string  `json:"suggestions"`
	Confidence  *float64  `json:"confidence,omitempty"`
	Inspector   string    `json:"inspector"`
	CreatedAt   time.Time `json:"created_at"`
}
