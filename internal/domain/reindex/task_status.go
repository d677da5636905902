package reindex

import "fmt"

// TaskStatus represents where a re-index task is in its lifecycle:
// CREATED -> RUNNING -> {COMPLETED | CANCELLED | FAILED}.
type TaskStatus string

const (
	// TaskStatusCreated indicates the task is registered but has not started running.
	TaskStatusCreated TaskStatus = "CREATED"

	// TaskStatusRunning indicates the task is executing on a worker.
	TaskStatusRunning TaskStatus = "RUNNING"

	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "COMPLETED"

	// TaskStatusCancelled indicates the task observed a cancellation request and stopped.
	TaskStatusCancelled TaskStatus = "CANCELLED"

	// TaskStatusFailed indicates the task stopped because of an error.
	TaskStatusFailed TaskStatus = "FAILED"
)

// String returns the string representation of the TaskStatus.
func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled || s == TaskStatusFailed
}

// validateTransition checks if a status transition is valid and returns an error if not.
func (s TaskStatus) validateTransition(target TaskStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, s, target)
	}
	return nil
}

// isValidTransition enforces the task lifecycle rules.
func (s TaskStatus) isValidTransition(target TaskStatus) bool {
	switch s {
	case TaskStatusCreated:
		// A task cancelled or failed before a worker picked it up never runs.
		return target == TaskStatusRunning || target == TaskStatusCancelled || target == TaskStatusFailed
	case TaskStatusRunning:
		return target == TaskStatusCompleted || target == TaskStatusCancelled || target == TaskStatusFailed
	default:
		return false
	}
}

// ParseTaskStatus converts a string to a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case TaskStatusCreated, TaskStatusRunning, TaskStatusCompleted, TaskStatusCancelled, TaskStatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown task status %q", s)
	}
}
