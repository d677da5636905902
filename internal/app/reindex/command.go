package reindex

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/issue-reindex/internal/domain/events"
	"github.com/ahrav/issue-reindex/internal/domain/issue"
	domain "github.com/ahrav/issue-reindex/internal/domain/reindex"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
	"github.com/ahrav/issue-reindex/pkg/common/timeutil"
)

// Sub-task labels reported with progress.
const (
	subTaskSnapshot = "snapshot"
	subTaskBatches  = "batches"
	subTaskFixup    = "fixup"
)

// pipeline holds the collaborators shared by every re-index command.
type pipeline struct {
	cfg       Config
	repo      issue.Repository
	indexer   domain.IssueIndexer
	bus       events.EventBus
	collector *IssueSnapshotCollector
	publisher events.DomainEventPublisher
	metrics   PipelineMetrics
	clock     timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

func (p *pipeline) projectCommand(project issue.Project) *projectReindexCommand {
	return &projectReindexCommand{project: project, pipeline: p}
}

func (p *pipeline) publish(ctx context.Context, evt events.DomainEvent, key string) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishDomainEvent(ctx, evt, events.WithKey(key)); err != nil {
		p.logger.Warn(ctx, "Failed to publish re-index event", "event_type", evt.EventType(), "error", err)
	}
}

// runStats summarizes one run of the pipeline.
type runStats struct {
	plan     domain.ReconciliationPlan
	batches  int
	issues   int
	replayed int
}

var _ domain.Command = (*projectReindexCommand)(nil)

// projectReindexCommand re-indexes every issue of one project and prunes
// documents whose issue no longer exists.
type projectReindexCommand struct {
	project  issue.Project
	pipeline *pipeline
}

// Run executes the re-index. Every failure, cancellation included, is turned
// into a failed result.
func (c *projectReindexCommand) Run(
	ctx context.Context,
	task *domain.TaskDescriptor,
	sink domain.ProgressSink,
) domain.IndexCommandResult {
	p := c.pipeline
	lc := logger.NewLoggerContext(p.logger.With("operation", "reindex_project", "project_id", c.project.ID, "task_id", task.ID()))
	ctx, span := p.tracer.Start(ctx, "project_reindex.run",
		trace.WithAttributes(
			attribute.Int64("project_id", int64(c.project.ID)),
			attribute.String("task_id", task.ID().String()),
		),
	)
	defer span.End()

	start := p.clock.Now()
	p.metrics.IncRunsStarted(ctx)
	key := c.project.ID.String()
	p.publish(ctx, domain.NewProjectReindexStartedEvent(task.ID(), c.project.ID), key)
	lc.Info(ctx, "Re-indexing project", "project_key", c.project.Key)

	stats, err := c.reindex(ctx, task, sink, lc)
	if err != nil {
		status := domain.TaskStatusFailed
		if errors.Is(err, domain.ErrTaskCancelled) {
			status = domain.TaskStatusCancelled
			p.metrics.IncRunsCancelled(ctx)
			span.AddEvent("reindex_cancelled")
			lc.Info(ctx, "Re-indexing project cancelled", "batches", stats.batches)
		} else {
			p.metrics.IncRunsFailed(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, "project re-index failed")
			lc.Error(ctx, "Re-indexing project failed", "error", err)
		}
		p.publish(ctx, domain.NewProjectReindexFinishedEvent(task.ID(), c.project.ID, status, -1), key)
		return domain.Failed(err)
	}

	elapsed := p.clock.Since(start)
	p.metrics.IncRunsCompleted(ctx)
	p.metrics.ObserveRunDuration(ctx, elapsed)
	span.SetAttributes(
		attribute.Int("issues_reindexed", stats.issues),
		attribute.Int("orphans_removed", len(stats.plan.Orphans)),
	)
	span.SetStatus(codes.Ok, "project re-indexed")
	lc.Done(ctx, "Re-indexing project complete",
		"elapsed_ms", elapsed.Milliseconds(),
		"issues", stats.issues,
		"orphans_removed", len(stats.plan.Orphans),
	)
	res := domain.Succeeded(elapsed)
	p.publish(ctx, domain.NewProjectReindexFinishedEvent(task.ID(), c.project.ID, domain.TaskStatusCompleted, res.Millis()), key)

	return res
}

func (c *projectReindexCommand) reindex(
	ctx context.Context,
	task *domain.TaskDescriptor,
	sink domain.ProgressSink,
	lc *logger.LoggerContext,
) (runStats, error) {
	p := c.pipeline
	var stats runStats

	total, err := p.repo.CountByProject(ctx, c.project.ID)
	if err != nil {
		return stats, fmt.Errorf("failed to count project issues: %w", err)
	}

	sink.MakeProgress(ctx, 0, subTaskSnapshot, "Collecting indexed issues")
	snapshot, err := p.collector.Collect(ctx, c.project.ID)
	if err != nil {
		return stats, err
	}
	lc.Add("snapshot_size", len(snapshot), "issue_count", total)
	lc.Info(ctx, "Index snapshot collected")

	reconciler := NewIndexReconciler(snapshot)
	acc := NewResultAccumulator()
	tracker := NewConcurrentChangeTracker(p.bus, c.project.ID, p.logger, p.tracer)
	if err := tracker.Start(ctx); err != nil {
		return stats, err
	}

	batchStart := p.clock.Now()
	cancelled, batchErr := func() (bool, error) {
		defer tracker.Stop()
		return c.indexBatches(ctx, task, sink, total, reconciler, acc, &stats)
	}()
	if batchErr == nil {
		lc.Info(ctx, "Re-index batches submitted",
			"batches", stats.batches,
			"issues", stats.issues,
			"elapsed_ms", p.clock.Since(batchStart).Milliseconds(),
		)
	}

	// Changes observed during the scan are applied even if the scan failed,
	// so the index does not keep a stale copy of an edited issue.
	replayStart := p.clock.Now()
	replayed, replayErr := tracker.Replay(ctx, p.repo, p.indexer, acc)
	stats.replayed = replayed
	p.metrics.AddConcurrentChanges(ctx, replayed)
	if replayed > 0 {
		lc.Info(ctx, "Concurrent modifications replayed",
			"count", replayed,
			"elapsed_ms", p.clock.Since(replayStart).Milliseconds(),
		)
	}

	awaitErr := acc.Await(ctx)
	if err := errors.Join(batchErr, replayErr, awaitErr); err != nil {
		return stats, err
	}

	if cancelled || task.IsCancelled() {
		return stats, domain.ErrTaskCancelled
	}

	stats.plan = reconciler.Plan()
	if len(stats.plan.Orphans) > 0 {
		sink.MakeProgress(ctx, 100, subTaskFixup, fmt.Sprintf("Removing %d orphaned documents", len(stats.plan.Orphans)))
		if err := p.indexer.DeIndexIssues(ctx, stats.plan.Orphans).Await(ctx); err != nil {
			return stats, fmt.Errorf("failed to remove orphaned documents: %w", err)
		}
		p.metrics.AddOrphansRemoved(ctx, len(stats.plan.Orphans))
		lc.Info(ctx, "Orphaned documents removed", "count", len(stats.plan.Orphans))
	}
	sink.MakeProgress(ctx, 100, subTaskFixup, "Re-indexing complete")

	return stats, nil
}

// indexBatches submits every batch to the indexer. It reports true when it
// stopped because cancellation was requested.
func (c *projectReindexCommand) indexBatches(
	ctx context.Context,
	task *domain.TaskDescriptor,
	sink domain.ProgressSink,
	total int64,
	reconciler *IndexReconciler,
	acc *ResultAccumulator,
	stats *runStats,
) (bool, error) {
	p := c.pipeline
	fetcher := NewBatchFetcher(p.repo, c.project.ID, p.cfg.BatchSize)
	defer func() { stats.batches, stats.issues = fetcher.Batches(), fetcher.Fetched() }()

	for {
		if task.IsCancelled() {
			return true, nil
		}
		if !fetcher.Next(ctx) {
			break
		}

		batch := fetcher.Batch()
		reconciler.Seen(issue.IDs(batch)...)
		acc.Add(p.indexer.ReindexIssues(ctx, batch))
		p.metrics.AddIssuesReindexed(ctx, len(batch))

		done := int64(fetcher.Fetched())
		sink.MakeProgress(ctx, domain.PercentOf(done, total), subTaskBatches,
			fmt.Sprintf("Re-indexed %d of %d issues", done, total))
	}

	return false, fetcher.Err()
}

var _ domain.Command = (*allProjectsReindexCommand)(nil)

// allProjectsReindexCommand re-indexes projects one after another under a
// single task.
type allProjectsReindexCommand struct {
	projects []issue.Project
	pipeline *pipeline
}

func (c *allProjectsReindexCommand) Run(
	ctx context.Context,
	task *domain.TaskDescriptor,
	sink domain.ProgressSink,
) domain.IndexCommandResult {
	p := c.pipeline
	ctx, span := p.tracer.Start(ctx, "project_reindex.run_all",
		trace.WithAttributes(attribute.Int("project_count", len(c.projects))))
	defer span.End()

	start := p.clock.Now()
	for i, project := range c.projects {
		if task.IsCancelled() {
			span.AddEvent("reindex_all_cancelled")
			return domain.Failed(domain.ErrTaskCancelled)
		}

		scaled := &scaledProgressSink{next: sink, offset: int64(i), parts: int64(len(c.projects)), label: project.Key}
		res := p.projectCommand(project).Run(ctx, task, scaled)
		if !res.Successful() {
			span.RecordError(res.Err())
			span.SetStatus(codes.Error, "project re-index failed")
			return domain.Failed(fmt.Errorf("project %s: %w", project.Key, res.Err()))
		}
	}

	return domain.Succeeded(p.clock.Since(start))
}

// scaledProgressSink maps the progress of one part onto its share of the whole.
type scaledProgressSink struct {
	next   domain.ProgressSink
	offset int64
	parts  int64
	label  string
}

func (s *scaledProgressSink) MakeProgress(ctx context.Context, percent int64, subTask, message string) {
	overall := (s.offset*100 + percent) / s.parts
	s.next.MakeProgress(ctx, overall, s.label+"/"+subTask, message)
}
