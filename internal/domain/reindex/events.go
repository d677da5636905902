package reindex

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/issue-reindex/internal/domain/events"
	"github.com/ahrav/issue-reindex/internal/domain/issue"
)

// Event types emitted over the life of a project re-index:
const (
	EventTypeProjectReindexStarted    events.EventType = "ProjectReindexStarted"
	EventTypeProjectReindexProgressed events.EventType = "ProjectReindexProgressed"
	EventTypeProjectReindexFinished   events.EventType = "ProjectReindexFinished"

	// EventTypeProjectReindexReplicated asks other cluster nodes to run the
	// same re-index against their local index.
	EventTypeProjectReindexReplicated events.EventType = "ProjectReindexReplicated"
)

// ProjectReindexStartedEvent is published once a re-index task begins running.
type ProjectReindexStartedEvent struct {
	occurredAt time.Time
	TaskID     uuid.UUID
	ProjectID  issue.ProjectID
}

func NewProjectReindexStartedEvent(taskID uuid.UUID, projectID issue.ProjectID) ProjectReindexStartedEvent {
	return ProjectReindexStartedEvent{occurredAt: time.Now(), TaskID: taskID, ProjectID: projectID}
}

func (e ProjectReindexStartedEvent) EventType() events.EventType {
	return EventTypeProjectReindexStarted
}
func (e ProjectReindexStartedEvent) OccurredAt() time.Time { return e.occurredAt }

// ProjectReindexProgressedEvent carries a throttled progress report.
type ProjectReindexProgressedEvent struct {
	occurredAt time.Time
	TaskID     uuid.UUID
	Progress   Progress
}

func NewProjectReindexProgressedEvent(taskID uuid.UUID, p Progress) ProjectReindexProgressedEvent {
	return ProjectReindexProgressedEvent{occurredAt: time.Now(), TaskID: taskID, Progress: p}
}

func (e ProjectReindexProgressedEvent) EventType() events.EventType {
	return EventTypeProjectReindexProgressed
}
func (e ProjectReindexProgressedEvent) OccurredAt() time.Time { return e.occurredAt }

// ProjectReindexFinishedEvent is published when a task reaches a terminal status.
type ProjectReindexFinishedEvent struct {
	occurredAt    time.Time
	TaskID        uuid.UUID
	ProjectID     issue.ProjectID
	Status        TaskStatus
	ElapsedMillis int64
}

func NewProjectReindexFinishedEvent(
	taskID uuid.UUID,
	projectID issue.ProjectID,
	status TaskStatus,
	elapsedMillis int64,
) ProjectReindexFinishedEvent {
	return ProjectReindexFinishedEvent{
		occurredAt:    time.Now(),
		TaskID:        taskID,
		ProjectID:     projectID,
		Status:        status,
		ElapsedMillis: elapsedMillis,
	}
}

func (e ProjectReindexFinishedEvent) EventType() events.EventType {
	return EventTypeProjectReindexFinished
}
func (e ProjectReindexFinishedEvent) OccurredAt() time.Time { return e.occurredAt }

// ProjectReindexReplicatedEvent asks peer nodes to re-index a project locally.
// RequestID identifies one request across redeliveries.
type ProjectReindexReplicatedEvent struct {
	occurredAt time.Time
	RequestID  uuid.UUID
	ProjectID  issue.ProjectID
	ProjectKey string
	OriginNode string
}

func NewProjectReindexReplicatedEvent(project issue.Project, originNode string) ProjectReindexReplicatedEvent {
	return ProjectReindexReplicatedEvent{
		occurredAt: time.Now(),
		RequestID:  uuid.New(),
		ProjectID:  project.ID,
		ProjectKey: project.Key,
		OriginNode: originNode,
	}
}

// RestoreProjectReindexReplicatedEvent rebuilds an event decoded off the wire.
func RestoreProjectReindexReplicatedEvent(
	requestID uuid.UUID,
	projectID issue.ProjectID,
	projectKey, originNode string,
	occurredAt time.Time,
) ProjectReindexReplicatedEvent {
	return ProjectReindexReplicatedEvent{
		occurredAt: occurredAt,
		RequestID:  requestID,
		ProjectID:  projectID,
		ProjectKey: projectKey,
		OriginNode: originNode,
	}
}

func (e ProjectReindexReplicatedEvent) EventType() events.EventType {
	return EventTypeProjectReindexReplicated
}
func (e ProjectReindexReplicatedEvent) OccurredAt() time.Time { return e.occurredAt }
