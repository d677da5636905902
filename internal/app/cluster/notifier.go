// Package cluster keeps the search indexes of every node in step. A node that
// starts a project re-index tells its peers, and each peer runs the same
// re-index against its own index.
package cluster

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

// OriginHeader names the node that published a replicated request.
const OriginHeader = "origin-node"

var _ domain.ReplicatedIndexManager = (*ReplicatedIndexNotifier)(nil)

// ReplicatedIndexNotifier publishes a ProjectReindexReplicated event for
// every project re-index this node starts.
type ReplicatedIndexNotifier struct {
	nodeID    string
	publisher events.DomainEventPublisher

	logger *logger.Logger
	tracer trace.Tracer
}

// NewReplicatedIndexNotifier creates a notifier that stamps events with nodeID.
func NewReplicatedIndexNotifier(
	nodeID string,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
) *ReplicatedIndexNotifier {
	return &ReplicatedIndexNotifier{
		nodeID:    nodeID,
		publisher: publisher,
		logger:    logger.With("component", "replicated_index_notifier", "node_id", nodeID),
		tracer:    tracer,
	}
}

// ReindexProject asks every other node to re-index the project.
func (n *ReplicatedIndexNotifier) ReindexProject(ctx context.Context, project issue.Project) error {
	ctx, span := n.tracer.Start(ctx, "replicated_index_notifier.reindex_project",
		trace.WithAttributes(
			attribute.Int64("project_id", int64(project.ID)),
			attribute.String("node_id", n.nodeID),
		),
	)
	defer span.End()

	evt := domain.NewProjectReindexReplicatedEvent(project, n.nodeID)
	if err := n.publisher.PublishDomainEvent(ctx, evt,
		events.WithKey(project.ID.String()),
		events.WithHeaders(map[string]string{OriginHeader: n.nodeID}),
	); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish replicated re-index")
		return fmt.Errorf("failed to publish replicated re-index (project_id: %d): %w", project.ID, err)
	}
	n.logger.Debug(ctx, "Replicated re-index requested", "project_id", project.ID)

	return nil
}
