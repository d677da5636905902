package reindex

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/issue-reindex/internal/domain/events"
	"github.com/ahrav/issue-reindex/internal/domain/issue"
	domain "github.com/ahrav/issue-reindex/internal/domain/reindex"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
)

type changeKind uint8

const (
	changeModified changeKind = iota + 1
	changeDeleted
)

// ConcurrentChangeTracker buffers issue changes published while a batch pass
// is running. It only records them; Replay applies them once the tracker has
// been stopped and the bulk writes are submitted.
type ConcurrentChangeTracker struct {
	bus       events.EventBus
	projectID issue.ProjectID

	mu          sync.Mutex
	changes     map[issue.ID]changeKind
	unsubscribe events.UnsubscribeFunc
	stopOnce    sync.Once

	logger *logger.Logger
	tracer trace.Tracer
}

// NewConcurrentChangeTracker creates a tracker for changes to one project.
func NewConcurrentChangeTracker(
	bus events.EventBus,
	projectID issue.ProjectID,
	logger *logger.Logger,
	tracer trace.Tracer,
) *ConcurrentChangeTracker {
	return &ConcurrentChangeTracker{
		bus:       bus,
		projectID: projectID,
		changes:   make(map[issue.ID]changeKind),
		logger:    logger.With("component", "concurrent_change_tracker", "project_id", projectID),
		tracer:    tracer,
	}
}

// Start subscribes to issue change events.
func (t *ConcurrentChangeTracker) Start(ctx context.Context) error {
	unsubscribe, err := t.bus.Subscribe(ctx, issue.ChangeEventTypes(), t.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to issue changes (project_id: %d): %w", t.projectID, err)
	}

	t.mu.Lock()
	t.unsubscribe = unsubscribe
	t.mu.Unlock()
	return nil
}

// Stop releases the subscription. Once it returns no further change is
// recorded. Safe to call more than once.
func (t *ConcurrentChangeTracker) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		unsubscribe := t.unsubscribe
		t.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
	})
}

func (t *ConcurrentChangeTracker) handle(ctx context.Context, evt events.EventEnvelope) error {
	changed, ok := evt.Payload.(issue.ChangedEvent)
	if !ok || changed.Project() != t.projectID {
		return nil
	}

	kind := changeModified
	if evt.Type == issue.EventTypeIssueDeleted {
		kind = changeDeleted
	}

	t.mu.Lock()
	t.changes[changed.IssueID()] = kind
	t.mu.Unlock()

	t.logger.Debug(ctx, "Buffered concurrent change", "issue_id", changed.IssueID(), "event_type", evt.Type)
	return nil
}

// Len returns the number of distinct issues changed while tracking.
func (t *ConcurrentChangeTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.changes)
}

// pending splits the buffered changes by the last event seen per issue.
func (t *ConcurrentChangeTracker) pending() (modified, deleted []issue.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, kind := range t.changes {
		if kind == changeDeleted {
			deleted = append(deleted, id)
		} else {
			modified = append(modified, id)
		}
	}
	slices.Sort(modified)
	slices.Sort(deleted)
	return modified, deleted
}

// Replay applies the buffered changes to the index. Modified issues are read
// back from the store so the index receives their current state; an issue
// that has vanished in the meantime is removed instead. Index operations are
// added to acc. It returns the number of issues touched.
func (t *ConcurrentChangeTracker) Replay(
	ctx context.Context,
	repo issue.Repository,
	indexer domain.IssueIndexer,
	acc *ResultAccumulator,
) (int, error) {
	ctx, span := t.tracer.Start(ctx, "concurrent_change_tracker.replay",
		trace.WithAttributes(attribute.Int64("project_id", int64(t.projectID))))
	defer span.End()

	modified, deleted := t.pending()
	span.SetAttributes(
		attribute.Int("modified_count", len(modified)),
		attribute.Int("deleted_count", len(deleted)),
	)
	touched := len(modified) + len(deleted)
	if touched == 0 {
		return 0, nil
	}

	if len(modified) > 0 {
		current, err := repo.GetByIDs(ctx, modified)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to load concurrently modified issues")
			return 0, fmt.Errorf("failed to load concurrently modified issues: %w", err)
		}
		if len(current) > 0 {
			acc.Add(indexer.ReindexIssues(ctx, current))
		}

		found := make(map[issue.ID]struct{}, len(current))
		for _, is := range current {
			found[is.ID] = struct{}{}
		}
		for _, id := range modified {
			if _, ok := found[id]; !ok {
				deleted = append(deleted, id)
			}
		}
	}

	if len(deleted) > 0 {
		acc.Add(indexer.DeIndexIssues(ctx, deleted))
	}

	t.logger.Info(ctx, "Replayed concurrent changes", "modified", len(modified), "deleted", len(deleted))
	return touched, nil
}
