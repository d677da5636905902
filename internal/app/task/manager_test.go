package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/issue-reindex/internal/domain/issue"
	domain "github.com/ahrav/issue-reindex/internal/domain/reindex"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
	"github.com/ahrav/issue-reindex/pkg/common/timeutil"
	"github.com/ahrav/issue-reindex/pkg/metrics"
)

func newTestManager(t *testing.T, maxConcurrent int, opts ...Option) *Manager {
	t.Helper()

	m := NewManager(maxConcurrent, logger.Noop(), noop.NewTracerProvider().Tracer("test"), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

// blockingCommand runs until released, reporting once it has started.
type blockingCommand struct {
	started chan struct{}
	release chan struct{}
	result  domain.IndexCommandResult
}

func newBlockingCommand(res domain.IndexCommandResult) *blockingCommand {
	return &blockingCommand{started: make(chan struct{}), release: make(chan struct{}), result: res}
}

func (c *blockingCommand) Run(ctx context.Context, task *domain.TaskDescriptor, sink domain.ProgressSink) domain.IndexCommandResult {
	close(c.started)
	<-c.release
	if task.IsCancelled() {
		return domain.Failed(domain.ErrTaskCancelled)
	}
	return c.result
}

func await(t *testing.T, m *Manager, id uuid.UUID) domain.IndexCommandResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := m.AwaitTask(ctx, id)
	require.NoError(t, err)
	return res
}

func TestManager_RunsCommand(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 2)
	cmd := domain.CommandFunc(func(context.Context, *domain.TaskDescriptor, domain.ProgressSink) domain.IndexCommandResult {
		return domain.Succeeded(5 * time.Millisecond)
	})

	td, err := m.SubmitTask(context.Background(), cmd, "work", domain.NewProjectTaskContext(1), true)
	require.NoError(t, err)

	res := await(t, m, td.ID())
	assert.True(t, res.Successful())
	assert.Equal(t, int64(5), res.Millis())
	assert.Equal(t, domain.TaskStatusCompleted, td.Status())

	_, live := m.LiveTask(domain.NewProjectTaskContext(1))
	assert.False(t, live)

	got, ok := m.Task(td.ID())
	require.True(t, ok)
	assert.Same(t, td, got)
}

func TestManager_OneLiveTaskPerContext(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 4)
	cmd := newBlockingCommand(domain.Succeeded(time.Millisecond))
	taskCtx := domain.NewProjectTaskContext(7)

	first, err := m.SubmitTask(context.Background(), cmd, "first", taskCtx, true)
	require.NoError(t, err)
	<-cmd.started

	_, err = m.SubmitTask(context.Background(), newBlockingCommand(domain.Succeeded(0)), "second", taskCtx, true)
	var running *domain.AlreadyExecutingError
	require.ErrorAs(t, err, &running)
	assert.Same(t, first, running.Existing)

	// Other contexts are unaffected.
	other := newBlockingCommand(domain.Succeeded(0))
	close(other.release)
	otherTask, err := m.SubmitTask(context.Background(), other, "other", domain.NewProjectTaskContext(8), true)
	require.NoError(t, err)
	await(t, m, otherTask.ID())

	live, ok := m.LiveTask(taskCtx)
	require.True(t, ok)
	assert.Same(t, first, live)

	close(cmd.release)
	await(t, m, first.ID())

	next, err := m.SubmitTask(context.Background(), domain.CommandFunc(
		func(context.Context, *domain.TaskDescriptor, domain.ProgressSink) domain.IndexCommandResult {
			return domain.Succeeded(0)
		}), "again", taskCtx, true)
	require.NoError(t, err)
	await(t, m, next.ID())
}

func TestManager_ConcurrentSubmitsRegisterOnce(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 4)
	cmd := newBlockingCommand(domain.Succeeded(0))
	taskCtx := domain.IndexTaskContext{}

	const callers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []*domain.TaskDescriptor
		existing []*domain.TaskDescriptor
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			td, err := m.SubmitTask(context.Background(), cmd, "all", taskCtx, true)
			mu.Lock()
			defer mu.Unlock()
			var running *domain.AlreadyExecutingError
			switch {
			case err == nil:
				accepted = append(accepted, td)
			case errors.As(err, &running):
				existing = append(existing, running.Existing)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, accepted, 1)
	for _, e := range existing {
		assert.Same(t, accepted[0], e)
	}
	assert.Len(t, m.Tasks(), 1)

	close(cmd.release)
	await(t, m, accepted[0].ID())
}

func TestManager_CancelTask(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 1)
	cmd := newBlockingCommand(domain.Succeeded(0))
	td, err := m.SubmitTask(context.Background(), cmd, "cancel me", domain.NewProjectTaskContext(1), true)
	require.NoError(t, err)
	<-cmd.started

	require.NoError(t, m.CancelTask(context.Background(), td.ID()))
	cancelled, err := m.IsCancelled(td.ID())
	require.NoError(t, err)
	assert.True(t, cancelled)

	close(cmd.release)
	res := await(t, m, td.ID())
	assert.ErrorIs(t, res.Err(), domain.ErrTaskCancelled)
	assert.Equal(t, domain.TaskStatusCancelled, td.Status())
}

func TestManager_CancelErrors(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 1)
	err := m.CancelTask(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	_, err = m.IsCancelled(uuid.New())
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	cmd := newBlockingCommand(domain.Succeeded(0))
	td, err := m.SubmitTask(context.Background(), cmd, "fixed", domain.NewProjectTaskContext(1), false)
	require.NoError(t, err)
	assert.ErrorIs(t, m.CancelTask(context.Background(), td.ID()), domain.ErrTaskNotCancellable)

	close(cmd.release)
	await(t, m, td.ID())
}

func TestManager_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 1)
	blocker := newBlockingCommand(domain.Succeeded(0))
	first, err := m.SubmitTask(context.Background(), blocker, "blocker", domain.NewProjectTaskContext(1), true)
	require.NoError(t, err)
	<-blocker.started

	var ran bool
	queued, err := m.SubmitTask(context.Background(), domain.CommandFunc(
		func(context.Context, *domain.TaskDescriptor, domain.ProgressSink) domain.IndexCommandResult {
			ran = true
			return domain.Succeeded(0)
		}), "queued", domain.NewProjectTaskContext(2), true)
	require.NoError(t, err)
	require.NoError(t, m.CancelTask(context.Background(), queued.ID()))

	close(blocker.release)
	await(t, m, first.ID())
	res := await(t, m, queued.ID())

	assert.False(t, ran)
	assert.ErrorIs(t, res.Err(), domain.ErrTaskCancelled)
	assert.Equal(t, domain.TaskStatusCancelled, queued.Status())
}

func TestManager_PanicFailsTask(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 1)
	td, err := m.SubmitTask(context.Background(), domain.CommandFunc(
		func(context.Context, *domain.TaskDescriptor, domain.ProgressSink) domain.IndexCommandResult {
			panic("index exploded")
		}), "panics", domain.NewProjectTaskContext(1), true)
	require.NoError(t, err)

	res := await(t, m, td.ID())
	assert.False(t, res.Successful())
	assert.ErrorContains(t, res.Err(), "index exploded")
	assert.Equal(t, domain.TaskStatusFailed, td.Status())

	_, live := m.LiveTask(domain.NewProjectTaskContext(1))
	assert.False(t, live)
}

func TestManager_RemoveTask(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 1)
	cmd := newBlockingCommand(domain.Succeeded(0))
	td, err := m.SubmitTask(context.Background(), cmd, "remove", domain.NewProjectTaskContext(1), true)
	require.NoError(t, err)

	assert.ErrorIs(t, m.RemoveTask(td.ID()), ErrTaskLive)

	close(cmd.release)
	await(t, m, td.ID())
	require.NoError(t, m.RemoveTask(td.ID()))

	_, ok := m.Task(td.ID())
	assert.False(t, ok)
	assert.ErrorIs(t, m.RemoveTask(td.ID()), domain.ErrTaskNotFound)
}

func TestManager_AwaitTaskHonoursContext(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 1)
	cmd := newBlockingCommand(domain.Succeeded(0))
	td, err := m.SubmitTask(context.Background(), cmd, "slow", domain.NewProjectTaskContext(1), true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.AwaitTask(ctx, td.ID())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = m.AwaitTask(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	close(cmd.release)
	await(t, m, td.ID())
}

func TestManager_ShutdownRejectsNewTasks(t *testing.T) {
	t.Parallel()

	m := NewManager(1, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	cmd := newBlockingCommand(domain.Succeeded(0))
	td, err := m.SubmitTask(context.Background(), cmd, "running", domain.NewProjectTaskContext(1), true)
	require.NoError(t, err)
	<-cmd.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Shutdown(ctx), context.DeadlineExceeded)

	_, err = m.SubmitTask(context.Background(), cmd, "late", domain.NewProjectTaskContext(2), true)
	assert.ErrorIs(t, err, ErrManagerClosed)

	close(cmd.release)
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, domain.TaskStatusCancelled, td.Status())
}

// pollingCommand runs until its task is cancelled or it is released.
type pollingCommand struct {
	started chan struct{}
	release chan struct{}
}

func newPollingCommand() *pollingCommand {
	return &pollingCommand{started: make(chan struct{}), release: make(chan struct{})}
}

func (c *pollingCommand) Run(ctx context.Context, task *domain.TaskDescriptor, _ domain.ProgressSink) domain.IndexCommandResult {
	close(c.started)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if task.IsCancelled() {
			return domain.Failed(domain.ErrTaskCancelled)
		}
		select {
		case <-c.release:
			return domain.Succeeded(0)
		case <-ticker.C:
		}
	}
}

func TestManager_ShutdownCancelsLiveTasks(t *testing.T) {
	t.Parallel()

	m := NewManager(2, logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	cancellable := newPollingCommand()
	td, err := m.SubmitTask(context.Background(), cancellable, "cancellable", domain.NewProjectTaskContext(1), true)
	require.NoError(t, err)
	pinned := newPollingCommand()
	pinnedTask, err := m.SubmitTask(context.Background(), pinned, "not cancellable", domain.NewProjectTaskContext(2), false)
	require.NoError(t, err)
	<-cancellable.started
	<-pinned.started

	done := make(chan error, 1)
	go func() { done <- m.Shutdown(context.Background()) }()

	select {
	case <-td.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cancellable task kept running after shutdown")
	}
	assert.True(t, td.IsCancelled())
	assert.Equal(t, domain.TaskStatusCancelled, td.Status())
	assert.False(t, pinnedTask.IsCancelled())

	close(pinned.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return")
	}
	assert.Equal(t, domain.TaskStatusCompleted, pinnedTask.Status())
}

type recordingSink struct {
	mu      sync.Mutex
	percent []int64
}

func (s *recordingSink) MakeProgress(_ context.Context, percent int64, _, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.percent = append(s.percent, percent)
}

func TestManager_ProgressIsRecordedAndForwarded(t *testing.T) {
	t.Parallel()

	sinks := make(map[uuid.UUID]*recordingSink)
	var mu sync.Mutex
	m := newTestManager(t, 1, WithSinkFactory(func(td *domain.TaskDescriptor) domain.ProgressSink {
		mu.Lock()
		defer mu.Unlock()
		s := &recordingSink{}
		sinks[td.ID()] = s
		return s
	}))

	td, err := m.SubmitTask(context.Background(), domain.CommandFunc(
		func(ctx context.Context, _ *domain.TaskDescriptor, sink domain.ProgressSink) domain.IndexCommandResult {
			sink.MakeProgress(ctx, 40, "batches", "Re-indexed 4 of 10 issues")
			sink.MakeProgress(ctx, 100, "fixup", "Re-indexing complete")
			return domain.Succeeded(0)
		}), "progress", domain.NewProjectTaskContext(issue.ProjectID(3)), true)
	require.NoError(t, err)
	await(t, m, td.ID())

	snap := td.Snapshot()
	assert.Equal(t, int64(100), snap.Progress.Percent)
	assert.Equal(t, "fixup", snap.Progress.SubTask)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{40, 100}, sinks[td.ID()].percent)
}

func TestManager_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	pm := metrics.New("test", reg)
	m := newTestManager(t, 1, WithMetrics(pm))

	cmd := newBlockingCommand(domain.Failed(errors.New("boom")))
	td, err := m.SubmitTask(context.Background(), cmd, "metrics", domain.NewProjectTaskContext(1), true)
	require.NoError(t, err)
	_, err = m.SubmitTask(context.Background(), cmd, "rejected", domain.NewProjectTaskContext(1), true)
	require.Error(t, err)

	close(cmd.release)
	await(t, m, td.ID())

	assert.Equal(t, float64(1), testutil.ToFloat64(pm.TasksSubmitted))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.TasksRejected))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(pm.TasksFinished.WithLabelValues(domain.TaskStatusFailed.String())) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(pm.ActiveTasks))
}

func TestManager_RecordsTimestampsFromClock(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(t, 1, WithClock(timeutil.FixedProvider{At: at}))
	cmd := domain.CommandFunc(func(ctx context.Context, _ *domain.TaskDescriptor, sink domain.ProgressSink) domain.IndexCommandResult {
		sink.MakeProgress(ctx, 50, "batches", "half way")
		return domain.Succeeded(0)
	})

	td, err := m.SubmitTask(context.Background(), cmd, "clocked", domain.NewProjectTaskContext(9), false)
	require.NoError(t, err)
	await(t, m, td.ID())

	snap := td.Snapshot()
	assert.Equal(t, at, snap.SubmittedAt)
	assert.Equal(t, at, snap.StartedAt)
	assert.Equal(t, at, snap.FinishedAt)
	assert.Equal(t, at, snap.Progress.At)
	assert.Equal(t, int64(50), snap.Progress.Percent)
}
