package issue

import (
	"time"

	"github.com/ahrav/issue-reindex/internal/domain/events"
)

const (
	EventTypeIssueCreated events.EventType = "IssueCreated"
	EventTypeIssueUpdated events.EventType = "IssueUpdated"
	EventTypeIssueDeleted events.EventType = "IssueDeleted"
)

// ChangeEventTypes lists every event that affects what the search index
// should contain for an issue.
func ChangeEventTypes() []events.EventType {
	return []events.EventType{EventTypeIssueCreated, EventTypeIssueUpdated, EventTypeIssueDeleted}
}

// ChangedEvent is implemented by all issue change events.
type ChangedEvent interface {
	events.DomainEvent
	IssueID() ID
	Project() ProjectID
}

// IssueCreatedEvent records that a new issue was persisted.
type IssueCreatedEvent struct {
	occurredAt time.Time
	issueID    ID
	projectID  ProjectID
}

// NewIssueCreatedEvent creates an IssueCreatedEvent stamped with the current time.
func NewIssueCreatedEvent(id ID, projectID ProjectID) IssueCreatedEvent {
	return IssueCreatedEvent{occurredAt: time.Now(), issueID: id, projectID: projectID}
}

func (e IssueCreatedEvent) EventType() events.EventType { return EventTypeIssueCreated }
func (e IssueCreatedEvent) OccurredAt() time.Time       { return e.occurredAt }
func (e IssueCreatedEvent) IssueID() ID                 { return e.issueID }
func (e IssueCreatedEvent) Project() ProjectID          { return e.projectID }

// IssueUpdatedEvent records that an existing issue was modified.
type IssueUpdatedEvent struct {
	occurredAt time.Time
	issueID    ID
	projectID  ProjectID
}

// NewIssueUpdatedEvent creates an IssueUpdatedEvent stamped with the current time.
func NewIssueUpdatedEvent(id ID, projectID ProjectID) IssueUpdatedEvent {
	return IssueUpdatedEvent{occurredAt: time.Now(), issueID: id, projectID: projectID}
}

func (e IssueUpdatedEvent) EventType() events.EventType { return EventTypeIssueUpdated }
func (e IssueUpdatedEvent) OccurredAt() time.Time       { return e.occurredAt }
func (e IssueUpdatedEvent) IssueID() ID                 { return e.issueID }
func (e IssueUpdatedEvent) Project() ProjectID          { return e.projectID }

// IssueDeletedEvent records that an issue was removed from the store.
type IssueDeletedEvent struct {
	occurredAt time.Time
	issueID    ID
	projectID  ProjectID
}

// NewIssueDeletedEvent creates an IssueDeletedEvent stamped with the current time.
func NewIssueDeletedEvent(id ID, projectID ProjectID) IssueDeletedEvent {
	return IssueDeletedEvent{occurredAt: time.Now(), issueID: id, projectID: projectID}
}

func (e IssueDeletedEvent) EventType() events.EventType { return EventTypeIssueDeleted }
func (e IssueDeletedEvent) OccurredAt() time.Time       { return e.occurredAt }
func (e IssueDeletedEvent) IssueID() ID                 { return e.issueID }
func (e IssueDeletedEvent) Project() ProjectID          { return e.projectID }
