package reindex

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TaskDescriptor tracks one submitted task for its whole lifetime. It is
// shared between the task manager, the worker running the command and any
// caller polling it, so every accessor is safe for concurrent use.
//
// Cancellation is cooperative: CancelTask only raises a flag that the running
// command polls between units of work.
type TaskDescriptor struct {
	id          uuid.UUID
	description string
	taskContext TaskContext
	cancellable bool
	submittedAt time.Time

	cancelled atomic.Bool
	done      chan struct{}

	mu         sync.RWMutex
	status     TaskStatus
	startedAt  time.Time
	finishedAt time.Time
	progress   Progress
	result     *IndexCommandResult
}

// NewTaskDescriptor creates a task in the CREATED state.
func NewTaskDescriptor(
	id uuid.UUID,
	description string,
	taskCtx TaskContext,
	cancellable bool,
	submittedAt time.Time,
) *TaskDescriptor {
	return &TaskDescriptor{
		id:          id,
		description: description,
		taskContext: taskCtx,
		cancellable: cancellable,
		submittedAt: submittedAt,
		status:      TaskStatusCreated,
		done:        make(chan struct{}),
	}
}

func (t *TaskDescriptor) ID() uuid.UUID          { return t.id }
func (t *TaskDescriptor) Description() string    { return t.description }
func (t *TaskDescriptor) Context() TaskContext   { return t.taskContext }
func (t *TaskDescriptor) Cancellable() bool      { return t.cancellable }
func (t *TaskDescriptor) SubmittedAt() time.Time { return t.submittedAt }
func (t *TaskDescriptor) IsCancelled() bool      { return t.cancelled.Load() }

// ProgressURL is where the status of this task can be polled.
func (t *TaskDescriptor) ProgressURL() string { return t.taskContext.ProgressURL(t.id) }

// Done is closed once the task reaches a terminal status.
func (t *TaskDescriptor) Done() <-chan struct{} { return t.done }

func (t *TaskDescriptor) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Result returns the command result once the task has finished.
func (t *TaskDescriptor) Result() (IndexCommandResult, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.result == nil {
		return IndexCommandResult{}, false
	}
	return *t.result, true
}

// RequestCancel raises the cancellation flag. It returns
// ErrTaskNotCancellable for tasks submitted without cancellation support.
// Cancelling a finished task is a no-op.
func (t *TaskDescriptor) RequestCancel() error {
	if !t.cancellable {
		return fmt.Errorf("task %s: %w", t.id, ErrTaskNotCancellable)
	}
	t.cancelled.Store(true)
	return nil
}

// Start moves the task to RUNNING.
func (t *TaskDescriptor) Start(at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.status.validateTransition(TaskStatusRunning); err != nil {
		return err
	}
	t.status = TaskStatusRunning
	t.startedAt = at
	return nil
}

// Finish records the command result and moves the task to its terminal
// status. A successful result completes the task; a failure is reported as
// CANCELLED when cancellation was requested and FAILED otherwise.
func (t *TaskDescriptor) Finish(res IndexCommandResult, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	target := TaskStatusCompleted
	if !res.Successful() {
		target = TaskStatusFailed
		if t.cancelled.Load() {
			target = TaskStatusCancelled
		}
	}
	if err := t.status.validateTransition(target); err != nil {
		return err
	}

	t.status = target
	t.finishedAt = at
	t.result = &res
	close(t.done)
	return nil
}

// UpdateProgress stores the latest progress report. Reports arriving after
// the task finished are dropped.
func (t *TaskDescriptor) UpdateProgress(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return
	}
	t.progress = p
}

// TaskSnapshot is a point-in-time copy of a task, safe to serialize.
type TaskSnapshot struct {
	ID          uuid.UUID
	Description string
	ContextKey  string
	ProgressURL string
	Cancellable bool
	Cancelled   bool
	Status      TaskStatus
	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Progress    Progress
	// ElapsedMillis is -1 until the task completed successfully.
	ElapsedMillis int64
	Error         string
}

// Snapshot returns a consistent copy of the task state.
func (t *TaskDescriptor) Snapshot() TaskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := TaskSnapshot{
		ID:            t.id,
		Description:   t.description,
		ContextKey:    t.taskContext.Key(),
		ProgressURL:   t.taskContext.ProgressURL(t.id),
		Cancellable:   t.cancellable,
		Cancelled:     t.cancelled.Load(),
		Status:        t.status,
		SubmittedAt:   t.submittedAt,
		StartedAt:     t.startedAt,
		FinishedAt:    t.finishedAt,
		Progress:      t.progress,
		ElapsedMillis: -1,
	}
	if t.result != nil {
		s.ElapsedMillis = t.result.Millis()
		if err := t.result.Err(); err != nil {
			s.Error = err.Error()
		}
	}
	return s
}
