package models

import "slices"

// BuildStatus is the position of a build in the review lifecycle.
type BuildStatus string

const (
	BuildStatusPending           BuildStatus = "PENDING"
	BuildStatusDispatched        BuildStatus = "DISPATCHED"
	BuildStatusPassed            BuildStatus = "PASSED"
	BuildStatusFailed            BuildStatus = "FAILED"
	BuildStatusRevisionRequested BuildStatus = "REVISION_REQUESTED"
	BuildStatusApproved          BuildStatus = "APPROVED"
	BuildStatusRejected          BuildStatus = "REJECTED"
)

// buildTransitions lists every legal move. Moves into APPROVED from a failed
// verdict are legal only with a human override, see RequiresOverride.
var buildTransitions = map[BuildStatus][]BuildStatus{
	BuildStatusPending:           {BuildStatusDispatched, BuildStatusRejected},
	BuildStatusDispatched:        {BuildStatusPassed, BuildStatusFailed, BuildStatusRejected},
	BuildStatusPassed:            {BuildStatusApproved, BuildStatusRejected},
	BuildStatusFailed:            {BuildStatusRevisionRequested, BuildStatusApproved, BuildStatusRejected},
	BuildStatusRevisionRequested: {BuildStatusApproved},
}

// CanTransition reports whether a build may move from one status to another.
func CanTransition(from, to BuildStatus) bool {
	return slices.Contains(buildTransitions[from], to)
}

// RequiresOverride reports whether the move bypasses a failed inspection.
func RequiresOverride(from, to BuildStatus) bool {
	return to == BuildStatusApproved && (from == BuildStatusFailed || from == BuildStatusRevisionRequested)
}

// Terminal reports whether no further transition is possible.
func (s BuildStatus) Terminal() bool {
	return s == BuildStatusApproved || s == BuildStatusRejected
}

// Valid reports whether s is a known status.
func (s BuildStatus) Valid() bool {
	_, ok := buildTransitions[s]
	return ok || s.Terminal()
}
