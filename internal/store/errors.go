package store

import (
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with an existing row.
	ErrConflict = errors.New("conflict")
	// ErrPreconditionFailed is returned when a conditional update finds the
	// row in a state other than the one expected.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrDuplicate is returned when an ingestion repeats the commit of a
	// build that is still waiting for review. See DuplicateError.
	ErrDuplicate = errors.New("duplicate submission")
)

// DuplicateError names the build a duplicate submission matched.
type DuplicateError struct {
	BuildID string
}

func (e *DuplicateError) Error() string {
	return "build " + e.BuildID + ": " + ErrDuplicate.Error()
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// isBusy reports whether err is SQLite refusing a lock held by another
// connection, possibly after busy_timeout expired.
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
