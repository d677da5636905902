package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/issue-reindex/internal/app/reindex"
	"github.com/ahrav/issue-reindex/internal/domain/events"
	"github.com/ahrav/issue-reindex/internal/domain/issue"
	domain "github.com/ahrav/issue-reindex/internal/domain/reindex"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
)

// ProjectReindexer starts a local project re-index.
type ProjectReindexer interface {
	Reindex(ctx context.Context, projectID issue.ProjectID, opts ...reindex.ReindexOption) (*domain.TaskDescriptor, error)
}

// recentRequests bounds how many delivered requests are remembered to drop
// redeliveries after a consumer group rebalance.
const recentRequests = 1024

var _ events.EventHandler = (*ReplicationListener)(nil)

// ReplicationListener applies re-index requests published by other nodes.
type ReplicationListener struct {
	nodeID    string
	bus       events.EventBus
	reindexer ProjectReindexer
	seen      *lru.Cache[uuid.UUID, struct{}]

	mu          sync.Mutex
	unsubscribe events.UnsubscribeFunc

	logger *logger.Logger
	tracer trace.Tracer
}

// NewReplicationListener creates a listener for nodeID. Requests this node
// published itself are ignored.
func NewReplicationListener(
	nodeID string,
	bus events.EventBus,
	reindexer ProjectReindexer,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*ReplicationListener, error) {
	seen, err := lru.New[uuid.UUID, struct{}](recentRequests)
	if err != nil {
		return nil, fmt.Errorf("failed to create request cache: %w", err)
	}

	return &ReplicationListener{
		nodeID:    nodeID,
		bus:       bus,
		reindexer: reindexer,
		seen:      seen,
		logger:    logger.With("component", "replication_listener", "node_id", nodeID),
		tracer:    tracer,
	}, nil
}

// Start subscribes to replicated re-index requests.
func (l *ReplicationListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.unsubscribe != nil {
		return nil
	}
	unsubscribe, err := l.bus.Subscribe(ctx, l.SupportedEvents(), l.HandleEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to replicated re-index requests: %w", err)
	}
	l.unsubscribe = unsubscribe
	l.logger.Info(ctx, "Listening for replicated re-index requests")

	return nil
}

// Stop releases the subscription.
func (l *ReplicationListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.unsubscribe != nil {
		l.unsubscribe()
		l.unsubscribe = nil
	}
}

// SupportedEvents returns the event types the listener handles.
func (l *ReplicationListener) SupportedEvents() []events.EventType {
	return []events.EventType{domain.EventTypeProjectReindexReplicated}
}

// HandleEvent starts a local re-index for a request from another node.
// Requests this node published and redeliveries are skipped.
func (l *ReplicationListener) HandleEvent(ctx context.Context, evt events.EventEnvelope) error {
	req, ok := evt.Payload.(domain.ProjectReindexReplicatedEvent)
	if !ok {
		return fmt.Errorf("unexpected payload type %T for %s", evt.Payload, evt.Type)
	}

	ctx, span := l.tracer.Start(ctx, "replication_listener.handle",
		trace.WithAttributes(
			attribute.Int64("project_id", int64(req.ProjectID)),
			attribute.String("origin_node", req.OriginNode),
			attribute.String("request_id", req.RequestID.String()),
		),
	)
	defer span.End()

	if req.OriginNode == l.nodeID {
		span.AddEvent("own_request_skipped")
		return nil
	}

	if found, _ := l.seen.ContainsOrAdd(req.RequestID, struct{}{}); found {
		span.AddEvent("duplicate_request_skipped")
		return nil
	}

	task, err := l.reindexer.Reindex(ctx, req.ProjectID, reindex.WithoutReplicatedIndexUpdate())
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, issue.ErrProjectNotFound) {
			l.logger.Warn(ctx, "Replicated re-index for unknown project", "project_id", req.ProjectID, "origin_node", req.OriginNode)
			return nil
		}
		return fmt.Errorf("failed to start replicated re-index (project_id: %d): %w", req.ProjectID, err)
	}
	l.logger.Info(ctx, "Replicated re-index started",
		"project_id", req.ProjectID,
		"origin_node", req.OriginNode,
		"task_id", task.ID(),
	)

	return nil
}
