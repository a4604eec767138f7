package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/joescharf/ralph/internal/store"
)

// Error classes. Every error returned by the engine wraps at most one of these.
var (
	ErrValidation            = errors.New("validation error")
	ErrNotFound              = store.ErrNotFound
	ErrConflict              = store.ErrConflict
	ErrPreconditionFailed    = store.ErrPreconditionFailed
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

func validationf(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, a...))
}

func preconditionf(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrPreconditionFailed, fmt.Sprintf(format, a...))
}

// asUnavailable marks store timeouts so transports can answer 503.
func asUnavailable(err error) error {
	if err == nil || !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDependencyUnavailable, err)
}

// Kind names the error class of err, or "internal" for anything else.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, ErrDependencyUnavailable):
		return "dependency_unavailable"
	default:
		return "internal"
	}
}
