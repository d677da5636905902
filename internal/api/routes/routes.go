package routes

import (
	"github.com/ahrav/issue-reindex/internal/api/mux"
	"github.com/ahrav/issue-reindex/internal/api/routes/health"
	"github.com/ahrav/issue-reindex/internal/api/routes/reindex"
	"github.com/ahrav/issue-reindex/pkg/web"
)

// Routes constructs an add value which provides the implementation of
// RouteAdder for specifying what routes to bind to this instance.
func Routes() add {
	return add{}
}

type add struct{}

// Add implements the RouteAdder interface.
func (add) Add(app *web.App, cfg mux.Config) {
	health.Routes(app, health.Config{
		Build: cfg.Build,
		Log:   cfg.Log,
		DB:    cfg.DB,
	})

	reindex.Routes(app, reindex.Config{
		Log:       cfg.Log,
		Reindexer: cfg.Reindexer,
		Tasks:     cfg.Tasks,
	})
}
