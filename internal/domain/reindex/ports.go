package reindex

import (
	"context"

	"github.com/google/uuid"

	"github.com/ahrav/issue-reindex/internal/domain/issue"
)

// Command is a unit of background work run by the TaskManager. The descriptor
// lets the command poll for cancellation; progress goes to sink.
type Command interface {
	Run(ctx context.Context, task *TaskDescriptor, sink ProgressSink) IndexCommandResult
}

// CommandFunc adapts a function to the Command interface.
type CommandFunc func(ctx context.Context, task *TaskDescriptor, sink ProgressSink) IndexCommandResult

func (f CommandFunc) Run(ctx context.Context, task *TaskDescriptor, sink ProgressSink) IndexCommandResult {
	return f(ctx, task, sink)
}

// TaskManager runs commands in the background and enforces that at most one
// live task holds a given TaskContext.
type TaskManager interface {
	// SubmitTask registers and schedules cmd. If a live task already holds
	// taskCtx it returns an *AlreadyExecutingError carrying that task.
	SubmitTask(ctx context.Context, cmd Command, description string, taskCtx TaskContext, cancellable bool) (*TaskDescriptor, error)
	// LiveTask returns the unfinished task holding taskCtx, if any.
	LiveTask(taskCtx TaskContext) (*TaskDescriptor, bool)
	// LiveTasks lists every unfinished task.
	LiveTasks() []*TaskDescriptor
	// Task looks a task up by id, finished or not.
	Task(id uuid.UUID) (*TaskDescriptor, bool)
	// Tasks lists every known task.
	Tasks() []*TaskDescriptor
	// CancelTask requests cooperative cancellation of a task.
	CancelTask(ctx context.Context, id uuid.UUID) error
	// IsCancelled reports whether cancellation was requested for a task.
	IsCancelled(id uuid.UUID) (bool, error)
}

// IssueIndexer writes documents to the search index. Both operations are
// asynchronous; the returned Result completes once the index has applied the
// change.
type IssueIndexer interface {
	ReindexIssues(ctx context.Context, issues []issue.Issue) Result
	DeIndexIssues(ctx context.Context, ids []issue.ID) Result
}

// IssueSearcher reads from the search index.
type IssueSearcher interface {
	// SearchProjectIssueIDs calls collect with the id of every document
	// indexed for the project. Only the id field is loaded.
	SearchProjectIssueIDs(ctx context.Context, projectID issue.ProjectID, collect func(issue.ID) error) error
}

// ReplicatedIndexManager propagates a finished project re-index to the other
// nodes of a cluster.
type ReplicatedIndexManager interface {
	ReindexProject(ctx context.Context, project issue.Project) error
}
