package reindex

import (
	"github.com/google/uuid"

	"github.com/ahrav/issue-reindex/internal/domain/issue"
)

// ProgressURLPrefix is where task status can be polled over HTTP.
const ProgressURLPrefix = "/v1/reindex/tasks/"

// TaskContext identifies what a task works on. At most one live task may hold
// a given Key at a time.
type TaskContext interface {
	Key() string
	ProgressURL(taskID uuid.UUID) string
}

// ProjectTaskContext scopes a task to a single project.
type ProjectTaskContext struct {
	ProjectID issue.ProjectID
}

// NewProjectTaskContext returns the context for re-indexing the given project.
func NewProjectTaskContext(id issue.ProjectID) ProjectTaskContext {
	return ProjectTaskContext{ProjectID: id}
}

func (c ProjectTaskContext) Key() string { return "reindex-project:" + c.ProjectID.String() }

func (c ProjectTaskContext) ProgressURL(taskID uuid.UUID) string {
	return ProgressURLPrefix + taskID.String()
}

// IndexTaskContext scopes a task to the whole index.
type IndexTaskContext struct{}

func (IndexTaskContext) Key() string { return "reindex-all" }

func (IndexTaskContext) ProgressURL(taskID uuid.UUID) string {
	return ProgressURLPrefix + taskID.String()
}
