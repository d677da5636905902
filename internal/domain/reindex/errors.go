package reindex

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskCancelled is returned by a re-index run that observed cancellation.
	// It is an outcome rather than a fault, but the run is still not a success.
	ErrTaskCancelled = errors.New("re-index task cancelled")

	// ErrTaskNotFound is returned when no task has the requested id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskNotCancellable is returned when cancelling a task submitted as non-cancellable.
	ErrTaskNotCancellable = errors.New("task is not cancellable")

	// ErrInvalidTransition is wrapped by every rejected status change.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrProjectReindexLive is returned when a whole-index re-index is asked
	// for while a project re-index is still running.
	ErrProjectReindexLive = errors.New("a project re-index is still running")

	// ErrIndexClosed is returned for index work submitted after the index was closed.
	ErrIndexClosed = errors.New("index is closed")
)

// AlreadyExecutingError reports that a live task already holds the context a
// submission asked for.
type AlreadyExecutingError struct {
	Existing *TaskDescriptor
}

func (e *AlreadyExecutingError) Error() string {
	return fmt.Sprintf("a task with context %q is already executing: %s",
		e.Existing.Context().Key(), e.Existing.ID())
}
