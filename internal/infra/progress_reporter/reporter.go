// Package progressreporter publishes re-index progress as domain events so
// that task progress can be followed from outside the node running the task.
package progressreporter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ahrav/issue-reindex/internal/domain/events"
	domain "github.com/ahrav/issue-reindex/internal/domain/reindex"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
	"github.com/ahrav/issue-reindex/pkg/common/timeutil"
)

// DomainEventProgressReporter publishes ProjectReindexProgressed events. Each
// task gets its own limiter so a busy task cannot starve reports of another.
type DomainEventProgressReporter struct {
	interval time.Duration
	clock    timeutil.Provider

	domainPublisher events.DomainEventPublisher
	logger          *logger.Logger
	tracer          trace.Tracer
}

// New creates a reporter that publishes at most one report per interval for
// each task. Final reports are never dropped.
func New(
	domainPublisher events.DomainEventPublisher,
	interval time.Duration,
	logger *logger.Logger,
	tracer trace.Tracer,
) *DomainEventProgressReporter {
	return &DomainEventProgressReporter{
		interval:        interval,
		clock:           timeutil.Default(),
		domainPublisher: domainPublisher,
		logger:          logger.With("component", "progress_reporter"),
		tracer:          tracer,
	}
}

// SinkFor returns the progress sink for a task. It has the shape of the task
// manager's sink factory.
func (r *DomainEventProgressReporter) SinkFor(task *domain.TaskDescriptor) domain.ProgressSink {
	limit := rate.Inf
	if r.interval > 0 {
		limit = rate.Every(r.interval)
	}
	return &throttledSink{
		taskID:   task.ID(),
		limiter:  rate.NewLimiter(limit, 1),
		reporter: r,
	}
}

// ReportProgress publishes a single progress report for the task.
func (r *DomainEventProgressReporter) ReportProgress(ctx context.Context, taskID uuid.UUID, p domain.Progress) error {
	ctx, span := r.tracer.Start(ctx, "progress_reporter.report_progress",
		trace.WithAttributes(
			attribute.String("task_id", taskID.String()),
			attribute.Int64("percent", p.Percent),
			attribute.String("sub_task", p.SubTask),
		),
	)
	defer span.End()

	evt := domain.NewProjectReindexProgressedEvent(taskID, p)
	if err := r.domainPublisher.PublishDomainEvent(ctx, evt, events.WithKey(taskID.String())); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish progress event")
		return fmt.Errorf("failed to publish progress event: %w", err)
	}
	span.AddEvent("progress_event_published")

	return nil
}

type throttledSink struct {
	taskID   uuid.UUID
	limiter  *rate.Limiter
	reporter *DomainEventProgressReporter
}

func (s *throttledSink) MakeProgress(ctx context.Context, percent int64, subTask, message string) {
	if percent < 100 && !s.limiter.Allow() {
		return
	}

	p := domain.Progress{Percent: percent, SubTask: subTask, Message: message, At: s.reporter.clock.Now()}
	if err := s.reporter.ReportProgress(ctx, s.taskID, p); err != nil {
		s.reporter.logger.Warn(ctx, "Dropping progress report", "task_id", s.taskID, "error", err)
	}
}
