package reindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/issue-reindex/internal/domain/events"
	"github.com/ahrav/issue-reindex/internal/domain/issue"
	domain "github.com/ahrav/issue-reindex/internal/domain/reindex"
	membus "github.com/ahrav/issue-reindex/internal/infra/eventbus/memory"
	bleveindex "github.com/ahrav/issue-reindex/internal/infra/index/bleve"
	memstore "github.com/ahrav/issue-reindex/internal/infra/storage/issue/memory"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
	"github.com/ahrav/issue-reindex/pkg/common/timeutil"
)

func testTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("test") }

// hookRepo counts batch queries and lets a test mutate the store right
// before a given query runs.
type hookRepo struct {
	issue.Repository

	mu         sync.Mutex
	listCalls  int
	beforeList func(call int)
}

func (r *hookRepo) ListBatch(ctx context.Context, p issue.ProjectID, after issue.ID, limit int) ([]issue.Issue, error) {
	r.mu.Lock()
	r.listCalls++
	call := r.listCalls
	r.mu.Unlock()

	if r.beforeList != nil {
		r.beforeList(call)
	}
	return r.Repository.ListBatch(ctx, p, after, limit)
}

func (r *hookRepo) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listCalls
}

type harness struct {
	t       *testing.T
	store   *memstore.Store
	repo    *hookRepo
	bus     *membus.EventBus
	index   *bleveindex.Index
	project issue.Project
	cfg     Config
	indexer domain.IssueIndexer
}

func newHarness(t *testing.T, batchSize int) *harness {
	t.Helper()

	ctx := context.Background()
	store := memstore.NewStore()
	project, err := store.CreateProject(ctx, issue.Project{Key: "HSP", Name: "Homosapien"})
	require.NoError(t, err)

	idx, err := bleveindex.NewInMemory(logger.Noop(), testTracer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	cfg := DefaultConfig()
	cfg.BatchSize = batchSize

	return &harness{
		t:       t,
		store:   store,
		repo:    &hookRepo{Repository: store},
		bus:     membus.NewEventBus(),
		index:   idx,
		project: project,
		cfg:     cfg,
		indexer: idx,
	}
}

func (h *harness) pipeline() *pipeline {
	m, err := NewPipelineMetrics(metricnoop.NewMeterProvider())
	require.NoError(h.t, err)

	return &pipeline{
		cfg:       h.cfg,
		repo:      h.repo,
		indexer:   h.indexer,
		bus:       h.bus,
		collector: NewIssueSnapshotCollector(h.index, h.cfg, logger.Noop(), testTracer()),
		metrics:   m,
		clock:     timeutil.Default(),
		logger:    logger.Noop(),
		tracer:    testTracer(),
	}
}

func (h *harness) command() *projectReindexCommand {
	return h.pipeline().projectCommand(h.project)
}

// seed creates n issues in the store and indexes them.
func (h *harness) seed(n int) []issue.Issue {
	h.t.Helper()

	ctx := context.Background()
	var out []issue.Issue
	for i := 0; i < n; i++ {
		is, err := h.store.CreateIssue(ctx, issue.Issue{
			ProjectID: h.project.ID,
			Key:       fmt.Sprintf("%s-%d", h.project.Key, i+1),
			Summary:   fmt.Sprintf("issue %d", i+1),
			Status:    "OPEN",
		})
		require.NoError(h.t, err)
		out = append(out, is)
	}
	if len(out) > 0 {
		require.NoError(h.t, h.index.ReindexIssues(ctx, out).Await(ctx))
	}
	return out
}

func (h *harness) indexedIDs() []issue.ID {
	h.t.Helper()

	ids, err := NewIssueSnapshotCollector(h.index, h.cfg, logger.Noop(), testTracer()).Collect(context.Background(), h.project.ID)
	require.NoError(h.t, err)
	return ids
}

func (h *harness) publish(evt events.DomainEvent) {
	h.t.Helper()
	require.NoError(h.t, h.bus.Publish(context.Background(), events.NewEnvelope(evt)))
}

func runningTask(t *testing.T, projectID issue.ProjectID) *domain.TaskDescriptor {
	t.Helper()

	task := domain.NewTaskDescriptor(uuid.New(), "test", domain.NewProjectTaskContext(projectID), true, time.Now())
	require.NoError(t, task.Start(time.Now()))
	return task
}

// recordingSink keeps every progress report and can act on them.
type recordingSink struct {
	mu      sync.Mutex
	reports []domain.Progress
	onMake  func(p domain.Progress)
}

func (s *recordingSink) MakeProgress(_ context.Context, percent int64, subTask, message string) {
	p := domain.Progress{Percent: percent, SubTask: subTask, Message: message}
	s.mu.Lock()
	s.reports = append(s.reports, p)
	s.mu.Unlock()
	if s.onMake != nil {
		s.onMake(p)
	}
}

func TestReindex_EmptyProject(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 100)
	task := runningTask(t, h.project.ID)

	stats, err := h.command().reindex(context.Background(), task, &recordingSink{}, logger.NewLoggerContext(logger.Noop()))
	require.NoError(t, err)

	assert.True(t, stats.plan.IsEmpty())
	assert.Empty(t, stats.plan.Orphans)
	assert.Zero(t, stats.issues)
	assert.Empty(t, h.indexedIDs())
}

func TestReindex_AllIssuesIndexed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	seeded := h.seed(10)
	// Issues missing from the index are picked up by the batch pass.
	require.NoError(t, h.index.DeIndexIssues(context.Background(), []issue.ID{seeded[2].ID, seeded[9].ID}).Await(context.Background()))

	sink := &recordingSink{}
	task := runningTask(t, h.project.ID)
	stats, err := h.command().reindex(context.Background(), task, sink, logger.NewLoggerContext(logger.Noop()))
	require.NoError(t, err)

	assert.Equal(t, 10, stats.issues)
	assert.Equal(t, 3, stats.batches)
	assert.Empty(t, stats.plan.Orphans)
	assert.Equal(t, []issue.ID{seeded[2].ID, seeded[9].ID}, stats.plan.Unindexed)
	assert.Equal(t, issue.IDs(seeded), h.indexedIDs())

	last := sink.reports[len(sink.reports)-1]
	assert.Equal(t, int64(100), last.Percent)
}

func TestReindex_IssueDeletedAfterSnapshotIsPruned(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	seeded := h.seed(9)
	victim := seeded[7]

	// The snapshot has been taken by the time the first batch is fetched.
	h.repo.beforeList = func(call int) {
		if call == 1 {
			_, err := h.store.DeleteIssue(context.Background(), victim.ID)
			require.NoError(t, err)
		}
	}

	task := runningTask(t, h.project.ID)
	stats, err := h.command().reindex(context.Background(), task, &recordingSink{}, logger.NewLoggerContext(logger.Noop()))
	require.NoError(t, err)

	assert.Equal(t, []issue.ID{victim.ID}, stats.plan.Orphans)
	assert.NotContains(t, h.indexedIDs(), victim.ID)
	assert.Len(t, h.indexedIDs(), 8)
}

func TestReindex_CancelledAfterFirstBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10)
	h.seed(30)
	// An orphan that must survive, because cancellation skips the prune.
	require.NoError(t, h.index.ReindexIssues(context.Background(), []issue.Issue{{ID: 9999, ProjectID: h.project.ID}}).Await(context.Background()))

	task := runningTask(t, h.project.ID)
	sink := &recordingSink{onMake: func(p domain.Progress) {
		if p.SubTask == subTaskBatches {
			require.NoError(t, task.RequestCancel())
		}
	}}

	res := h.command().Run(context.Background(), task, sink)

	assert.False(t, res.Successful())
	assert.ErrorIs(t, res.Err(), domain.ErrTaskCancelled)
	assert.Equal(t, int64(-1), res.Millis())
	assert.Equal(t, 1, h.repo.calls(), "batches 2 and 3 must not be fetched")
	assert.Contains(t, h.indexedIDs(), issue.ID(9999))

	require.NoError(t, task.Finish(res, time.Now()))
	assert.Equal(t, domain.TaskStatusCancelled, task.Status())
}

func TestReindex_SecondRunHasEmptyPlan(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.seed(12)
	ctx := context.Background()
	require.NoError(t, h.index.ReindexIssues(ctx, []issue.Issue{
		{ID: 500, ProjectID: h.project.ID},
		{ID: 501, ProjectID: h.project.ID},
	}).Await(ctx))

	first, err := h.command().reindex(ctx, runningTask(t, h.project.ID), &recordingSink{}, logger.NewLoggerContext(logger.Noop()))
	require.NoError(t, err)
	assert.Equal(t, []issue.ID{500, 501}, first.plan.Orphans)

	second, err := h.command().reindex(ctx, runningTask(t, h.project.ID), &recordingSink{}, logger.NewLoggerContext(logger.Noop()))
	require.NoError(t, err)
	assert.True(t, second.plan.IsEmpty())

	third, err := h.command().reindex(ctx, runningTask(t, h.project.ID), &recordingSink{}, logger.NewLoggerContext(logger.Noop()))
	require.NoError(t, err)
	assert.Equal(t, second.plan, third.plan)
}

func TestReindex_ConcurrentChangesAreReplayed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	seeded := h.seed(20)
	ctx := context.Background()

	var created issue.Issue
	h.repo.beforeList = func(call int) {
		if call != 3 {
			return
		}
		// Batches one and two (issues 1-10) have been handed to the indexer.
		updated := seeded[1]
		updated.Summary = "edited during scan"
		_, err := h.store.UpdateIssue(ctx, updated)
		require.NoError(t, err)
		h.publish(issue.NewIssueUpdatedEvent(updated.ID, h.project.ID))

		_, err = h.store.DeleteIssue(ctx, seeded[2].ID)
		require.NoError(t, err)
		h.publish(issue.NewIssueDeletedEvent(seeded[2].ID, h.project.ID))

		created, err = h.store.CreateIssue(ctx, issue.Issue{ProjectID: h.project.ID, Key: "HSP-NEW", Summary: "new"})
		require.NoError(t, err)
		h.publish(issue.NewIssueCreatedEvent(created.ID, h.project.ID))

		h.publish(issue.NewIssueUpdatedEvent(seeded[4].ID, h.project.ID+1))
	}

	stats, err := h.command().reindex(ctx, runningTask(t, h.project.ID), &recordingSink{}, logger.NewLoggerContext(logger.Noop()))
	require.NoError(t, err)

	assert.Equal(t, 3, stats.replayed)
	assert.Empty(t, stats.plan.Orphans)

	ids := h.indexedIDs()
	assert.NotContains(t, ids, seeded[2].ID)
	assert.Contains(t, ids, seeded[1].ID)
	assert.Contains(t, ids, created.ID)
	assert.Len(t, ids, 20)

	// The tracker is released once the run is over.
	_, err = h.store.DeleteIssue(ctx, seeded[5].ID)
	require.NoError(t, err)
	h.publish(issue.NewIssueDeletedEvent(seeded[5].ID, h.project.ID))
	assert.Contains(t, h.indexedIDs(), seeded[5].ID)
}

type failingIndexer struct {
	domain.IssueIndexer
	err error
}

func (f failingIndexer) ReindexIssues(context.Context, []issue.Issue) domain.Result {
	return domain.CompletedResult(f.err)
}

func TestReindex_IndexWriteFailureFailsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.seed(6)
	boom := errors.New("disk full")
	h.indexer = failingIndexer{IssueIndexer: h.index, err: boom}

	res := h.command().Run(context.Background(), runningTask(t, h.project.ID), &recordingSink{})
	assert.False(t, res.Successful())
	assert.ErrorIs(t, res.Err(), boom)
}

type failingSearcher struct{ err error }

func (f failingSearcher) SearchProjectIssueIDs(context.Context, issue.ProjectID, func(issue.ID) error) error {
	return f.err
}

func TestReindex_SnapshotFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.seed(3)
	boom := errors.New("index corrupt")

	p := h.pipeline()
	p.collector = NewIssueSnapshotCollector(failingSearcher{err: boom}, h.cfg, logger.Noop(), testTracer())

	res := p.projectCommand(h.project).Run(context.Background(), runningTask(t, h.project.ID), &recordingSink{})
	assert.False(t, res.Successful())
	assert.ErrorIs(t, res.Err(), boom)
	assert.Zero(t, h.repo.calls(), "no batch runs after a failed snapshot")
}

func TestScaledProgressSink(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	s := &scaledProgressSink{next: rec, offset: 1, parts: 4, label: "HSP"}
	s.MakeProgress(context.Background(), 50, subTaskBatches, "half")

	require.Len(t, rec.reports, 1)
	assert.Equal(t, int64(37), rec.reports[0].Percent)
	assert.Equal(t, "HSP/batches", rec.reports[0].SubTask)
}
