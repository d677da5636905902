package reindex

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/issue-reindex/internal/domain/events"
	"github.com/ahrav/issue-reindex/internal/domain/issue"
	domain "github.com/ahrav/issue-reindex/internal/domain/reindex"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
	"github.com/ahrav/issue-reindex/pkg/common/timeutil"
)

// ProjectReindexService submits background re-index tasks. At most one task
// per project is live at a time; asking again while one runs returns it. A
// whole-index task counts as live for every project.
type ProjectReindexService struct {
	// submitMu orders the cross-context checks of Reindex and ReindexAll with
	// their submissions.
	submitMu    sync.Mutex
	taskManager domain.TaskManager
	projects    issue.Repository
	replicated  domain.ReplicatedIndexManager
	pipeline    *pipeline

	logger *logger.Logger
	tracer trace.Tracer
}

// ServiceOption configures optional collaborators of the service.
type ServiceOption func(*ProjectReindexService)

// WithReplicatedIndexManager notifies other nodes whenever a new project
// re-index is submitted.
func WithReplicatedIndexManager(m domain.ReplicatedIndexManager) ServiceOption {
	return func(s *ProjectReindexService) { s.replicated = m }
}

// WithEventPublisher publishes task lifecycle events.
func WithEventPublisher(p events.DomainEventPublisher) ServiceOption {
	return func(s *ProjectReindexService) { s.pipeline.publisher = p }
}

// WithMetrics records pipeline metrics.
func WithMetrics(m PipelineMetrics) ServiceOption {
	return func(s *ProjectReindexService) { s.pipeline.metrics = m }
}

// WithClock overrides the clock used to time runs.
func WithClock(c timeutil.Provider) ServiceOption {
	return func(s *ProjectReindexService) { s.pipeline.clock = c }
}

// NewProjectReindexService wires the pipeline. The bus must be the one issue
// changes are published on, or concurrent edits will be missed.
func NewProjectReindexService(
	cfg Config,
	taskManager domain.TaskManager,
	repo issue.Repository,
	searcher domain.IssueSearcher,
	indexer domain.IssueIndexer,
	bus events.EventBus,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...ServiceOption,
) (*ProjectReindexService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid re-index config: %w", err)
	}

	defaultMetrics, err := NewPipelineMetrics(metricnoop.NewMeterProvider())
	if err != nil {
		return nil, err
	}

	logger = logger.With("component", "project_reindex_service")
	s := &ProjectReindexService{
		taskManager: taskManager,
		projects:    repo,
		pipeline: &pipeline{
			cfg:       cfg,
			repo:      repo,
			indexer:   indexer,
			bus:       bus,
			collector: NewIssueSnapshotCollector(searcher, cfg, logger, tracer),
			metrics:   defaultMetrics,
			clock:     timeutil.Default(),
			logger:    logger,
			tracer:    tracer,
		},
		logger: logger,
		tracer: tracer,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// ReindexOption changes how a single Reindex call behaves.
type ReindexOption func(*reindexOptions)

type reindexOptions struct {
	updateReplicatedIndex bool
}

// WithoutReplicatedIndexUpdate skips notifying other nodes. Used when the
// request itself came from another node.
func WithoutReplicatedIndexUpdate() ReindexOption {
	return func(o *reindexOptions) { o.updateReplicatedIndex = false }
}

// Reindex starts a background re-index of the project and returns its task.
// If a re-index of the project is already live, that task is returned
// instead. Failures of the run itself surface through the task result.
func (s *ProjectReindexService) Reindex(
	ctx context.Context,
	projectID issue.ProjectID,
	opts ...ReindexOption,
) (*domain.TaskDescriptor, error) {
	o := reindexOptions{updateReplicatedIndex: true}
	for _, opt := range opts {
		opt(&o)
	}

	logger := s.logger.With("operation", "reindex", "project_id", projectID)
	ctx, span := s.tracer.Start(ctx, "project_reindex_service.reindex",
		trace.WithAttributes(
			attribute.Int64("project_id", int64(projectID)),
			attribute.Bool("update_replicated_index", o.updateReplicatedIndex),
		),
	)
	defer span.End()

	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load project")
		return nil, fmt.Errorf("failed to load project %d: %w", projectID, err)
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	if live, ok := s.taskManager.LiveTask(domain.IndexTaskContext{}); ok {
		span.AddEvent("index_task_live", trace.WithAttributes(attribute.String("task_id", live.ID().String())))
		logger.Info(ctx, "Whole-index re-index already covers project", "task_id", live.ID())
		return live, nil
	}

	taskCtx := domain.NewProjectTaskContext(project.ID)
	if live, ok := s.taskManager.LiveTask(taskCtx); ok {
		span.AddEvent("task_already_live")
		return live, nil
	}

	task, err := s.taskManager.SubmitTask(
		ctx,
		s.pipeline.projectCommand(project),
		fmt.Sprintf("Re-indexing project %s", project.Key),
		taskCtx,
		true,
	)
	if err != nil {
		var running *domain.AlreadyExecutingError
		if errors.As(err, &running) {
			span.AddEvent("task_already_live")
			return running.Existing, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to submit re-index task")
		return nil, fmt.Errorf("failed to submit re-index task (project_id: %d): %w", projectID, err)
	}
	span.SetAttributes(attribute.String("task_id", task.ID().String()))
	logger.Info(ctx, "Re-index task submitted", "task_id", task.ID())

	if o.updateReplicatedIndex && s.replicated != nil {
		if err := s.replicated.ReindexProject(ctx, project); err != nil {
			span.RecordError(err)
			logger.Warn(ctx, "Failed to notify replicated index", "error", err)
		}
	}

	return task, nil
}

// IsReindexPossible reports whether neither a re-index of the project nor a
// whole-index re-index is live.
func (s *ProjectReindexService) IsReindexPossible(projectID issue.ProjectID) bool {
	if _, live := s.taskManager.LiveTask(domain.IndexTaskContext{}); live {
		return false
	}
	_, live := s.taskManager.LiveTask(domain.NewProjectTaskContext(projectID))
	return !live
}

// ReindexAll starts a single background task that re-indexes every project in
// id order. It returns ErrProjectReindexLive while any project re-index runs.
func (s *ProjectReindexService) ReindexAll(ctx context.Context) (*domain.TaskDescriptor, error) {
	ctx, span := s.tracer.Start(ctx, "project_reindex_service.reindex_all")
	defer span.End()

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	taskCtx := domain.IndexTaskContext{}
	if live, ok := s.taskManager.LiveTask(taskCtx); ok {
		return live, nil
	}

	for _, live := range s.taskManager.LiveTasks() {
		if _, ok := live.Context().(domain.ProjectTaskContext); ok {
			span.AddEvent("project_task_live", trace.WithAttributes(attribute.String("task_id", live.ID().String())))
			return nil, fmt.Errorf("%w (task_id: %s, context: %s)", domain.ErrProjectReindexLive, live.ID(), live.Context().Key())
		}
	}

	projects, err := s.projects.ListProjects(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list projects")
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	cmd := &allProjectsReindexCommand{projects: projects, pipeline: s.pipeline}
	task, err := s.taskManager.SubmitTask(ctx, cmd, "Re-indexing all projects", taskCtx, true)
	if err != nil {
		var running *domain.AlreadyExecutingError
		if errors.As(err, &running) {
			return running.Existing, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to submit re-index task: %w", err)
	}
	s.logger.Info(ctx, "Re-index of all projects submitted", "task_id", task.ID(), "project_count", len(projects))

	return task, nil
}
