package reindex

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics records the outcome and volume of project re-index runs.
type PipelineMetrics interface {
	IncRunsStarted(ctx context.Context)
	IncRunsCompleted(ctx context.Context)
	IncRunsFailed(ctx context.Context)
	IncRunsCancelled(ctx context.Context)
	AddIssuesReindexed(ctx context.Context, n int)
	AddOrphansRemoved(ctx context.Context, n int)
	AddConcurrentChanges(ctx context.Context, n int)
	ObserveRunDuration(ctx context.Context, d time.Duration)
}

type pipelineMetrics struct {
	runsStarted       metric.Int64Counter
	runsCompleted     metric.Int64Counter
	runsFailed        metric.Int64Counter
	runsCancelled     metric.Int64Counter
	issuesReindexed   metric.Int64Counter
	orphansRemoved    metric.Int64Counter
	concurrentChanges metric.Int64Counter
	runDuration       metric.Float64Histogram
}

const namespace = "project_reindex"

// NewPipelineMetrics creates the pipeline instruments on the given provider.
func NewPipelineMetrics(mp metric.MeterProvider) (*pipelineMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(pipelineMetrics)
	var err error

	if m.runsStarted, err = meter.Int64Counter(
		"runs_started_total",
		metric.WithDescription("Total number of project re-index runs started"),
	); err != nil {
		return nil, err
	}

	if m.runsCompleted, err = meter.Int64Counter(
		"runs_completed_total",
		metric.WithDescription("Total number of project re-index runs that completed successfully"),
	); err != nil {
		return nil, err
	}

	if m.runsFailed, err = meter.Int64Counter(
		"runs_failed_total",
		metric.WithDescription("Total number of project re-index runs that failed"),
	); err != nil {
		return nil, err
	}

	if m.runsCancelled, err = meter.Int64Counter(
		"runs_cancelled_total",
		metric.WithDescription("Total number of project re-index runs stopped by cancellation"),
	); err != nil {
		return nil, err
	}

	if m.issuesReindexed, err = meter.Int64Counter(
		"issues_reindexed_total",
		metric.WithDescription("Total number of issues submitted to the index by batch passes"),
	); err != nil {
		return nil, err
	}

	if m.orphansRemoved, err = meter.Int64Counter(
		"orphans_removed_total",
		metric.WithDescription("Total number of index documents removed because their issue no longer exists"),
	); err != nil {
		return nil, err
	}

	if m.concurrentChanges, err = meter.Int64Counter(
		"concurrent_changes_replayed_total",
		metric.WithDescription("Total number of issue changes replayed after a batch pass"),
	); err != nil {
		return nil, err
	}

	if m.runDuration, err = meter.Float64Histogram(
		"run_duration_seconds",
		metric.WithDescription("Duration of successful project re-index runs"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *pipelineMetrics) IncRunsStarted(ctx context.Context)   { m.runsStarted.Add(ctx, 1) }
func (m *pipelineMetrics) IncRunsCompleted(ctx context.Context) { m.runsCompleted.Add(ctx, 1) }
func (m *pipelineMetrics) IncRunsFailed(ctx context.Context)    { m.runsFailed.Add(ctx, 1) }
func (m *pipelineMetrics) IncRunsCancelled(ctx context.Context) { m.runsCancelled.Add(ctx, 1) }

func (m *pipelineMetrics) AddIssuesReindexed(ctx context.Context, n int) {
	m.issuesReindexed.Add(ctx, int64(n))
}

func (m *pipelineMetrics) AddOrphansRemoved(ctx context.Context, n int) {
	m.orphansRemoved.Add(ctx, int64(n))
}

func (m *pipelineMetrics) AddConcurrentChanges(ctx context.Context, n int) {
	m.concurrentChanges.Add(ctx, int64(n))
}

func (m *pipelineMetrics) ObserveRunDuration(ctx context.Context, d time.Duration) {
	m.runDuration.Record(ctx, d.Seconds())
}
