// Package task runs background commands and tracks them until they are removed.
package task

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	domain "github.com/ahrav/issue-reindex/internal/domain/reindex"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
	"github.com/ahrav/issue-reindex/pkg/common/timeutil"
	"github.com/ahrav/issue-reindex/pkg/metrics"
)

var (
	// ErrManagerClosed is returned by SubmitTask after Shutdown.
	ErrManagerClosed = errors.New("task manager is shut down")

	// ErrTaskLive is returned when removing a task that has not finished.
	ErrTaskLive = errors.New("task has not finished")
)

// SinkFactory builds an additional progress sink for a task.
type SinkFactory func(task *domain.TaskDescriptor) domain.ProgressSink

var _ domain.TaskManager = (*Manager)(nil)

// Manager runs commands on their own goroutines, at most maxConcurrent at a
// time. Live tasks are indexed by the key of their TaskContext; registration
// is a single atomic load-or-store, so two concurrent submissions for the
// same context can never both succeed.
type Manager struct {
	live  *xsync.MapOf[string, *domain.TaskDescriptor]
	mu    sync.RWMutex
	tasks map[uuid.UUID]*domain.TaskDescriptor

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
	closed  atomic.Bool

	sinkFactory SinkFactory
	metrics     metrics.TaskMetrics
	clock       timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

// WithSinkFactory forwards progress of every task to the sink built by f, in
// addition to recording it on the descriptor.
func WithSinkFactory(f SinkFactory) Option {
	return func(m *Manager) { m.sinkFactory = f }
}

// WithMetrics records task metrics.
func WithMetrics(tm metrics.TaskMetrics) Option {
	return func(m *Manager) { m.metrics = tm }
}

// WithClock overrides the clock used for task timestamps.
func WithClock(c timeutil.Provider) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager creates a Manager that runs up to maxConcurrent tasks at once.
func NewManager(maxConcurrent int, logger *logger.Logger, tracer trace.Tracer, opts ...Option) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	baseCtx, stop := context.WithCancel(context.Background())
	m := &Manager{
		live:    xsync.NewMapOf[string, *domain.TaskDescriptor](),
		tasks:   make(map[uuid.UUID]*domain.TaskDescriptor),
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		baseCtx: baseCtx,
		stop:    stop,
		metrics: noopMetrics{},
		clock:   timeutil.Default(),
		logger:  logger.With("component", "task_manager"),
		tracer:  tracer,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SubmitTask registers a task for taskCtx and schedules cmd. The command runs
// detached from ctx; only the trace is carried over.
func (m *Manager) SubmitTask(
	ctx context.Context,
	cmd domain.Command,
	description string,
	taskCtx domain.TaskContext,
	cancellable bool,
) (*domain.TaskDescriptor, error) {
	ctx, span := m.tracer.Start(ctx, "task_manager.submit_task",
		trace.WithAttributes(attribute.String("task_context", taskCtx.Key())))
	defer span.End()

	if m.closed.Load() {
		span.SetStatus(codes.Error, "task manager closed")
		return nil, ErrManagerClosed
	}

	candidate := domain.NewTaskDescriptor(uuid.New(), description, taskCtx, cancellable, m.clock.Now())
	actual, loaded := m.live.LoadOrCompute(taskCtx.Key(), func() *domain.TaskDescriptor { return candidate })
	if loaded {
		m.metrics.IncTasksRejected()
		span.AddEvent("task_already_live", trace.WithAttributes(attribute.String("task_id", actual.ID().String())))
		return nil, &domain.AlreadyExecutingError{Existing: actual}
	}

	m.mu.Lock()
	m.tasks[candidate.ID()] = candidate
	m.mu.Unlock()

	m.metrics.IncTasksSubmitted()
	span.SetAttributes(attribute.String("task_id", candidate.ID().String()))
	m.logger.Info(ctx, "Task submitted",
		"task_id", candidate.ID(),
		"task_context", taskCtx.Key(),
		"description", description,
	)

	runCtx := trace.ContextWithSpanContext(m.baseCtx, trace.SpanContextFromContext(ctx))
	m.wg.Add(1)
	go m.execute(runCtx, cmd, candidate)

	return candidate, nil
}

func (m *Manager) execute(ctx context.Context, cmd domain.Command, task *domain.TaskDescriptor) {
	defer m.wg.Done()
	defer m.release(task)

	logger := m.logger.With("task_id", task.ID(), "task_context", task.Context().Key())
	ctx, span := m.tracer.Start(ctx, "task_manager.execute",
		trace.WithAttributes(attribute.String("task_id", task.ID().String())))
	defer span.End()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finish(ctx, task, domain.Failed(fmt.Errorf("task never started: %w", err)))
		return
	}
	defer m.sem.Release(1)

	if task.IsCancelled() {
		m.finish(ctx, task, domain.Failed(domain.ErrTaskCancelled))
		return
	}

	if err := task.Start(m.clock.Now()); err != nil {
		span.RecordError(err)
		logger.Error(ctx, "Failed to start task", "error", err)
		return
	}
	logger.Debug(ctx, "Task started")

	var res domain.IndexCommandResult
	m.metrics.TrackTask(func() { res = m.run(ctx, cmd, task) })
	if !res.Successful() && !errors.Is(res.Err(), domain.ErrTaskCancelled) {
		span.RecordError(res.Err())
		span.SetStatus(codes.Error, "task failed")
	}
	m.finish(ctx, task, res)
}

// run invokes the command, converting a panic into a failed result.
func (m *Manager) run(ctx context.Context, cmd domain.Command, task *domain.TaskDescriptor) (res domain.IndexCommandResult) {
	defer func() {
		if r := recover(); r != nil {
			res = domain.Failed(fmt.Errorf("task panicked: %v", r))
		}
	}()
	return cmd.Run(ctx, task, m.sinkFor(task))
}

func (m *Manager) finish(ctx context.Context, task *domain.TaskDescriptor, res domain.IndexCommandResult) {
	// Leave the registry first so waiters on Done can submit again at once.
	m.release(task)
	if err := task.Finish(res, m.clock.Now()); err != nil {
		m.logger.Error(ctx, "Failed to finish task", "task_id", task.ID(), "error", err)
		return
	}
	status := task.Status()
	m.metrics.IncTasksFinished(status.String())
	m.logger.Info(ctx, "Task finished",
		"task_id", task.ID(),
		"status", status,
		"elapsed_ms", res.Millis(),
	)
}

// release drops the task from the live registry, unless another task has
// since taken its key.
func (m *Manager) release(task *domain.TaskDescriptor) {
	m.live.Compute(task.Context().Key(), func(old *domain.TaskDescriptor, loaded bool) (*domain.TaskDescriptor, bool) {
		return old, !loaded || old == task
	})
}

func (m *Manager) sinkFor(task *domain.TaskDescriptor) domain.ProgressSink {
	s := &descriptorSink{task: task, clock: m.clock}
	if m.sinkFactory != nil {
		s.next = m.sinkFactory(task)
	}
	return s
}

// LiveTask returns the unfinished task registered for taskCtx.
func (m *Manager) LiveTask(taskCtx domain.TaskContext) (*domain.TaskDescriptor, bool) {
	return m.live.Load(taskCtx.Key())
}

// LiveTasks returns every unfinished task.
func (m *Manager) LiveTasks() []*domain.TaskDescriptor {
	out := make([]*domain.TaskDescriptor, 0, m.live.Size())
	m.live.Range(func(_ string, task *domain.TaskDescriptor) bool {
		out = append(out, task)
		return true
	})
	return out
}

// Task returns any known task by id.
func (m *Manager) Task(id uuid.UUID) (*domain.TaskDescriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Tasks returns every known task, oldest submission first.
func (m *Manager) Tasks() []*domain.TaskDescriptor {
	m.mu.RLock()
	out := make([]*domain.TaskDescriptor, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *domain.TaskDescriptor) int {
		return a.SubmittedAt().Compare(b.SubmittedAt())
	})
	return out
}

// CancelTask requests cancellation. The command stops at its next check.
func (m *Manager) CancelTask(ctx context.Context, id uuid.UUID) error {
	task, ok := m.Task(id)
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrTaskNotFound)
	}
	if err := task.RequestCancel(); err != nil {
		return err
	}
	m.logger.Info(ctx, "Task cancellation requested", "task_id", id)
	return nil
}

// IsCancelled reports whether cancellation was requested for the task.
func (m *Manager) IsCancelled(id uuid.UUID) (bool, error) {
	task, ok := m.Task(id)
	if !ok {
		return false, fmt.Errorf("task %s: %w", id, domain.ErrTaskNotFound)
	}
	return task.IsCancelled(), nil
}

// RemoveTask forgets a finished task.
func (m *Manager) RemoveTask(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrTaskNotFound)
	}
	if !task.Status().IsTerminal() {
		return fmt.Errorf("task %s: %w", id, ErrTaskLive)
	}
	delete(m.tasks, id)
	return nil
}

// AwaitTask blocks until the task finishes or ctx is done.
func (m *Manager) AwaitTask(ctx context.Context, id uuid.UUID) (domain.IndexCommandResult, error) {
	task, ok := m.Task(id)
	if !ok {
		return domain.IndexCommandResult{}, fmt.Errorf("task %s: %w", id, domain.ErrTaskNotFound)
	}

	select {
	case <-task.Done():
		res, _ := task.Result()
		return res, nil
	case <-ctx.Done():
		return domain.IndexCommandResult{}, ctx.Err()
	}
}

// Shutdown stops accepting tasks, asks every cancellable live task to stop and
// waits for running ones. If ctx expires first, the contexts of running tasks
// are cancelled and ctx's error is returned without waiting further.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closed.Store(true)

	m.live.Range(func(_ string, task *domain.TaskDescriptor) bool {
		if task.Cancellable() {
			if err := task.RequestCancel(); err == nil {
				m.logger.Info(ctx, "Task cancellation requested on shutdown", "task_id", task.ID())
			}
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.stop()
		return nil
	case <-ctx.Done():
		m.stop()
		return ctx.Err()
	}
}

// descriptorSink records progress on the descriptor and forwards it.
type descriptorSink struct {
	task  *domain.TaskDescriptor
	clock timeutil.Provider
	next  domain.ProgressSink
}

func (s *descriptorSink) MakeProgress(ctx context.Context, percent int64, subTask, message string) {
	s.task.UpdateProgress(domain.Progress{
		Percent: percent,
		SubTask: subTask,
		Message: message,
		At:      s.clock.Now(),
	})
	if s.next != nil {
		s.next.MakeProgress(ctx, percent, subTask, message)
	}
}

type noopMetrics struct{}

func (noopMetrics) IncTasksSubmitted()      {}
func (noopMetrics) IncTasksRejected()       {}
func (noopMetrics) IncTasksFinished(string) {}
func (noopMetrics) TrackTask(f func())      { f() }
