// Package mux assembles the HTTP handler serving the re-index API.
package mux

import (
	"context"
	"net/http"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/issue-reindex/internal/api/mid"
	"github.com/ahrav/issue-reindex/internal/api/routes/health"
	"github.com/ahrav/issue-reindex/internal/api/routes/reindex"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
	"github.com/ahrav/issue-reindex/pkg/metrics"
	"github.com/ahrav/issue-reindex/pkg/web"
)

// Options represent optional parameters.
type Options struct {
	gatherer prometheus.Gatherer
	debug    bool
}

// WithMetrics exposes the gathered prometheus metrics on /metrics.
func WithMetrics(g prometheus.Gatherer) func(opts *Options) {
	return func(opts *Options) {
		opts.gatherer = g
	}
}

// WithDebug mounts the statsviz runtime dashboard under /debug/statsviz/.
func WithDebug() func(opts *Options) {
	return func(opts *Options) {
		opts.debug = true
	}
}

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build     string
	Log       *logger.Logger
	Tracer    trace.Tracer
	DB        health.Pinger
	Reindexer reindex.Reindexer
	Tasks     reindex.Tasks
}

// RouteAdder defines behavior that sets the routes to bind for an instance
// of the service.
type RouteAdder interface {
	Add(app *web.App, cfg Config)
}

// WebAPI constructs a http.Handler with all application routes bound.
func WebAPI(cfg Config, routeAdder RouteAdder, options ...func(opts *Options)) (http.Handler, error) {
	logger := func(ctx context.Context, msg string, args ...any) {
		cfg.Log.Info(ctx, msg, args...)
	}

	app := web.NewApp(
		logger,
		cfg.Tracer,
		mid.Logger(cfg.Log),
		mid.Errors(cfg.Log),
		mid.Panics(),
	)

	var opts Options
	for _, option := range options {
		option(&opts)
	}

	routeAdder.Add(app, cfg)

	if opts.gatherer != nil {
		app.Handle("GET /metrics", metrics.Handler(opts.gatherer))
	}

	var handler http.Handler = app
	if opts.debug {
		debugMux := http.NewServeMux()
		if err := statsviz.Register(debugMux); err != nil {
			return nil, err
		}
		app.Handle("/debug/", debugMux)
	}

	return otelhttp.NewHandler(handler, "reindexer-api"), nil
}
