package main

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/issue-reindex/internal/app/cluster"
	appissue "github.com/ahrav/issue-reindex/internal/app/issue"
	appreindex "github.com/ahrav/issue-reindex/internal/app/reindex"
	"github.com/ahrav/issue-reindex/internal/app/task"
	"github.com/ahrav/issue-reindex/internal/config"
	"github.com/ahrav/issue-reindex/internal/domain/events"
	"github.com/ahrav/issue-reindex/internal/domain/issue"
	"github.com/ahrav/issue-reindex/internal/infra/eventbus"
	"github.com/ahrav/issue-reindex/internal/infra/eventbus/kafka"
	"github.com/ahrav/issue-reindex/internal/infra/eventbus/memory"
	bleveindex "github.com/ahrav/issue-reindex/internal/infra/index/bleve"
	progressreporter "github.com/ahrav/issue-reindex/internal/infra/progress_reporter"
	"github.com/ahrav/issue-reindex/internal/infra/storage"
	memorystore "github.com/ahrav/issue-reindex/internal/infra/storage/issue/memory"
	"github.com/ahrav/issue-reindex/internal/infra/storage/issue/postgres"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
	"github.com/ahrav/issue-reindex/pkg/common/otel"
	"github.com/ahrav/issue-reindex/pkg/metrics"
)

// application holds every long-lived component of a reindexer process.
type application struct {
	cfg    *config.Config
	log    *logger.Logger
	tracer trace.Tracer

	registry *prometheus.Registry
	pool     *pgxpool.Pool
	store    issue.Store
	index    *bleveindex.Index

	// bus carries issue changes inside the process.
	bus      *memory.EventBus
	kafkaBus *kafka.EventBus

	tasks    *task.Manager
	reindex  *appreindex.ProjectReindexService
	issues   *appissue.Service
	listener *cluster.ReplicationListener

	teardown func(ctx context.Context)
}

func newApplication(ctx context.Context, cfg *config.Config, log *logger.Logger) (*application, error) {
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "node_id", cfg.Service.NodeID)

	app := &application{cfg: cfg, log: log, teardown: func(context.Context) {}}
	started := false
	defer func() {
		if !started {
			app.close(ctx)
		}
	}()

	// -------------------------------------------------------------------------
	// Telemetry
	tp, mp, err := app.initTelemetry()
	if err != nil {
		return nil, err
	}
	app.tracer = tp.Tracer(cfg.Service.Name)

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// -------------------------------------------------------------------------
	// Storage
	if err := app.initStore(ctx); err != nil {
		return nil, err
	}

	log.Info(ctx, "startup", "status", "opening search index", "in_memory", cfg.Index.InMemory, "path", cfg.Index.Path)
	app.index, err = bleveindex.Open(bleveindex.Config{
		Path:     cfg.Index.Path,
		InMemory: cfg.Index.InMemory,
		PageSize: cfg.Index.PageSize,
	}, log, app.tracer)
	if err != nil {
		return nil, fmt.Errorf("opening search index: %w", err)
	}

	// -------------------------------------------------------------------------
	// Event buses
	app.bus = memory.NewEventBus()
	var taskEvents events.DomainEventPublisher = eventbus.NewDomainEventPublisher(app.bus)

	if cfg.Kafka.Enabled {
		log.Info(ctx, "startup", "status", "connecting to kafka", "brokers", cfg.Kafka.Brokers)
		busMetrics, err := kafka.NewEventBusMetrics(mp)
		if err != nil {
			return nil, fmt.Errorf("creating event bus metrics: %w", err)
		}
		app.kafkaBus, err = kafka.ConnectWithRetry(ctx, &kafka.Config{
			Brokers:              cfg.Kafka.Brokers,
			ReplicationTopic:     cfg.Kafka.ReplicationTopic,
			TaskEventsTopic:      cfg.Kafka.TaskEventsTopic,
			GroupID:              cfg.Kafka.GroupID,
			ClientID:             cfg.Kafka.ClientID,
			CriticalRetryTimeout: cfg.Kafka.CriticalRetryTimeout,
		}, log, busMetrics, app.tracer)
		if err != nil {
			return nil, fmt.Errorf("connecting event bus: %w", err)
		}
		taskEvents = eventbus.NewDomainEventPublisher(app.kafkaBus)
	}

	// -------------------------------------------------------------------------
	// Task manager and services
	reporter := progressreporter.New(taskEvents, cfg.Reindex.ProgressInterval, log, app.tracer)
	app.tasks = task.NewManager(cfg.Reindex.MaxConcurrentTasks, log, app.tracer,
		task.WithSinkFactory(reporter.SinkFor),
		task.WithMetrics(metrics.New("reindexer", app.registry)),
	)

	pipelineMetrics, err := appreindex.NewPipelineMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline metrics: %w", err)
	}
	opts := []appreindex.ServiceOption{
		appreindex.WithEventPublisher(taskEvents),
		appreindex.WithMetrics(pipelineMetrics),
	}
	if app.kafkaBus != nil {
		notifier := cluster.NewReplicatedIndexNotifier(cfg.Service.NodeID, taskEvents, log, app.tracer)
		opts = append(opts, appreindex.WithReplicatedIndexManager(notifier))
	}

	app.reindex, err = appreindex.NewProjectReindexService(
		appreindex.Config{
			BatchSize:               cfg.Reindex.BatchSize,
			SnapshotInitialCapacity: cfg.Reindex.SnapshotInitialCapacity,
			SnapshotGrowthFactor:    cfg.Reindex.SnapshotGrowthFactor,
		},
		app.tasks,
		app.store,
		app.index,
		app.index,
		app.bus,
		log,
		app.tracer,
		opts...,
	)
	if err != nil {
		return nil, err
	}

	app.issues = appissue.NewService(app.store, app.index, eventbus.NewDomainEventPublisher(app.bus), log, app.tracer)

	if app.kafkaBus != nil {
		app.listener, err = cluster.NewReplicationListener(cfg.Service.NodeID, app.kafkaBus, app.reindex, log, app.tracer)
		if err != nil {
			return nil, err
		}
		if err := app.listener.Start(ctx); err != nil {
			return nil, err
		}
	}

	started = true
	return app, nil
}

func (app *application) initTelemetry() (trace.TracerProvider, metric.MeterProvider, error) {
	if !app.cfg.Telemetry.Enabled {
		tp, mp := otel.Noop()
		return tp, mp, nil
	}

	tp, mp, teardown, err := otel.InitTelemetry(app.log, otel.Config{
		ServiceName:      app.cfg.Service.Name,
		ExporterEndpoint: app.cfg.Telemetry.Endpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
			"/metrics":      {},
		},
		Probability: app.cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"service.node_id":  app.cfg.Service.NodeID,
		},
		InsecureExporter: app.cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("starting tracing: %w", err)
	}
	app.teardown = teardown

	return tp, mp, nil
}

func (app *application) initStore(ctx context.Context) error {
	if app.cfg.Database.InMemory {
		app.log.Info(ctx, "startup", "status", "using in-memory issue store")
		app.store = memorystore.NewStore()
		return nil
	}

	app.log.Info(ctx, "startup", "status", "connecting to database")
	pool, err := storage.NewPool(ctx, storage.PoolConfig{
		DSN:      app.cfg.Database.DSN,
		MinConns: app.cfg.Database.MinConns,
		MaxConns: app.cfg.Database.MaxConns,
		MaxWait:  app.cfg.Database.ConnectWait,
	}, app.log)
	if err != nil {
		return fmt.Errorf("creating db pool: %w", err)
	}
	app.pool = pool

	if err := storage.RunMigrations(pool, app.cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	app.store = postgres.NewIssueStore(pool, app.tracer)

	return nil
}

// dbPinger returns the database to probe for readiness, or nil when the store
// is in memory.
func (app *application) dbPinger() interface {
	Ping(ctx context.Context) error
} {
	if app.pool == nil {
		return nil
	}
	return app.pool
}

// close stops components in reverse order of construction. Running tasks get
// until ctx expires to finish.
func (app *application) close(ctx context.Context) {
	if app.listener != nil {
		app.listener.Stop()
	}
	if app.tasks != nil {
		if err := app.tasks.Shutdown(ctx); err != nil {
			app.log.Warn(ctx, "shutdown", "status", "tasks still running", "error", err)
		}
	}

	var errs []error
	if app.kafkaBus != nil {
		errs = append(errs, app.kafkaBus.Close())
	}
	if app.bus != nil {
		errs = append(errs, app.bus.Close())
	}
	if app.index != nil {
		errs = append(errs, app.index.Close())
	}
	if err := errors.Join(errs...); err != nil {
		app.log.Error(ctx, "shutdown", "status", "closing components", "error", err)
	}

	if app.pool != nil {
		app.pool.Close()
	}
	app.teardown(ctx)
}
