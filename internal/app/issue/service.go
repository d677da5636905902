// Package issue applies issue writes. Every change is persisted, mirrored into
// the search index and then announced on the event bus, where a running
// re-index picks it up.
package issue

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/issue-reindex/internal/domain/events"
	"github.com/ahrav/issue-reindex/internal/domain/issue"
	domain "github.com/ahrav/issue-reindex/internal/domain/reindex"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
)

// Service is the write path for issues and projects.
type Service struct {
	store     issue.Writer
	indexer   domain.IssueIndexer
	publisher events.DomainEventPublisher

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService creates a Service.
func NewService(
	store issue.Writer,
	indexer domain.IssueIndexer,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Service {
	return &Service{
		store:     store,
		indexer:   indexer,
		publisher: publisher,
		logger:    logger.With("component", "issue_service"),
		tracer:    tracer,
	}
}

// CreateProject stores a new project.
func (s *Service) CreateProject(ctx context.Context, key, name string) (issue.Project, error) {
	ctx, span := s.tracer.Start(ctx, "issue_service.create_project",
		trace.WithAttributes(attribute.String("project_key", key)))
	defer span.End()

	if key == "" {
		return issue.Project{}, fmt.Errorf("project key is required")
	}
	p, err := s.store.CreateProject(ctx, issue.Project{Key: key, Name: name})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create project")
		return issue.Project{}, fmt.Errorf("failed to create project %s: %w", key, err)
	}
	s.logger.Info(ctx, "Project created", "project_id", p.ID, "project_key", p.Key)

	return p, nil
}

// Create stores a new issue, indexes it and publishes IssueCreated.
func (s *Service) Create(ctx context.Context, i issue.Issue) (issue.Issue, error) {
	ctx, span := s.tracer.Start(ctx, "issue_service.create",
		trace.WithAttributes(attribute.Int64("project_id", int64(i.ProjectID))))
	defer span.End()

	created, err := s.store.CreateIssue(ctx, i)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create issue")
		return issue.Issue{}, fmt.Errorf("failed to create issue: %w", err)
	}
	span.SetAttributes(attribute.Int64("issue_id", int64(created.ID)))

	s.index(ctx, created)
	s.publish(ctx, issue.NewIssueCreatedEvent(created.ID, created.ProjectID), created.ProjectID)

	return created, nil
}

// Update stores the new state of an issue, reindexes it and publishes
// IssueUpdated.
func (s *Service) Update(ctx context.Context, i issue.Issue) (issue.Issue, error) {
	ctx, span := s.tracer.Start(ctx, "issue_service.update",
		trace.WithAttributes(attribute.Int64("issue_id", int64(i.ID))))
	defer span.End()

	updated, err := s.store.UpdateIssue(ctx, i)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update issue")
		return issue.Issue{}, fmt.Errorf("failed to update issue %d: %w", i.ID, err)
	}

	s.index(ctx, updated)
	s.publish(ctx, issue.NewIssueUpdatedEvent(updated.ID, updated.ProjectID), updated.ProjectID)

	return updated, nil
}

// Delete removes an issue, drops its document and publishes IssueDeleted.
func (s *Service) Delete(ctx context.Context, id issue.ID) error {
	ctx, span := s.tracer.Start(ctx, "issue_service.delete",
		trace.WithAttributes(attribute.Int64("issue_id", int64(id))))
	defer span.End()

	deleted, err := s.store.DeleteIssue(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete issue")
		return fmt.Errorf("failed to delete issue %d: %w", id, err)
	}

	if err := s.indexer.DeIndexIssues(ctx, []issue.ID{id}).Await(ctx); err != nil {
		span.RecordError(err)
		s.logger.Warn(ctx, "Failed to remove issue from index", "issue_id", id, "error", err)
	}
	s.publish(ctx, issue.NewIssueDeletedEvent(id, deleted.ProjectID), deleted.ProjectID)

	return nil
}

// index failures are not returned: the write already happened and the next
// re-index of the project repairs the document.
func (s *Service) index(ctx context.Context, i issue.Issue) {
	if err := s.indexer.ReindexIssues(ctx, []issue.Issue{i}).Await(ctx); err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		s.logger.Warn(ctx, "Failed to index issue", "issue_id", i.ID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, evt events.DomainEvent, projectID issue.ProjectID) {
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(projectID.String())); err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		s.logger.Error(ctx, "Failed to publish issue event", "event_type", evt.EventType(), "error", err)
	}
}
