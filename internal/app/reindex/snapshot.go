package reindex

import (
	"context"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/issue-reindex/internal/domain/issue"
	domain "github.com/ahrav/issue-reindex/internal/domain/reindex"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
)

// idBuffer is an append-only id array that grows geometrically.
type idBuffer struct {
	ids    []issue.ID
	growth int
}

func newIDBuffer(initialCapacity, growth int) *idBuffer {
	return &idBuffer{ids: make([]issue.ID, 0, initialCapacity), growth: growth}
}

func (b *idBuffer) add(id issue.ID) {
	if len(b.ids) == cap(b.ids) {
		newCap := cap(b.ids) * b.growth
		if newCap == 0 {
			newCap = 1
		}
		grown := make([]issue.ID, len(b.ids), newCap)
		copy(grown, b.ids)
		b.ids = grown
	}
	b.ids = append(b.ids, id)
}

// sortedUnique sorts the buffer in place and drops duplicates.
func (b *idBuffer) sortedUnique() []issue.ID {
	slices.Sort(b.ids)
	return slices.Compact(b.ids)
}

// IssueSnapshotCollector captures which issue ids the search index holds for a
// project. The query runs without permission checks; only the id field is read.
type IssueSnapshotCollector struct {
	searcher        domain.IssueSearcher
	initialCapacity int
	growthFactor    int

	logger *logger.Logger
	tracer trace.Tracer
}

// NewIssueSnapshotCollector creates a collector that sizes its buffer from cfg.
func NewIssueSnapshotCollector(
	searcher domain.IssueSearcher,
	cfg Config,
	logger *logger.Logger,
	tracer trace.Tracer,
) *IssueSnapshotCollector {
	return &IssueSnapshotCollector{
		searcher:        searcher,
		initialCapacity: cfg.SnapshotInitialCapacity,
		growthFactor:    cfg.SnapshotGrowthFactor,
		logger:          logger.With("component", "issue_snapshot_collector"),
		tracer:          tracer,
	}
}

// Collect returns the unique indexed ids of the project in ascending order.
// A search failure is returned as is; the caller treats it as fatal.
func (c *IssueSnapshotCollector) Collect(ctx context.Context, projectID issue.ProjectID) ([]issue.ID, error) {
	ctx, span := c.tracer.Start(ctx, "issue_snapshot_collector.collect",
		trace.WithAttributes(attribute.Int64("project_id", int64(projectID))))
	defer span.End()

	buf := newIDBuffer(c.initialCapacity, c.growthFactor)
	if err := c.searcher.SearchProjectIssueIDs(ctx, projectID, func(id issue.ID) error {
		buf.add(id)
		return nil
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to search indexed issues")
		return nil, fmt.Errorf("failed to collect indexed issues (project_id: %d): %w", projectID, err)
	}

	ids := buf.sortedUnique()
	span.SetAttributes(attribute.Int("snapshot_size", len(ids)))
	c.logger.Debug(ctx, "Collected index snapshot", "project_id", projectID, "snapshot_size", len(ids))

	return ids, nil
}
