package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/ahrav/issue-reindex/internal/api/mux"
	"github.com/ahrav/issue-reindex/internal/api/routes"
	"github.com/ahrav/issue-reindex/internal/config"
	"github.com/ahrav/issue-reindex/pkg/common/logger"
)

type serveOptions struct {
	seedIssues int
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the re-index API and, when enabled, the cluster replication consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg.Log.Level, cfg.Service.Name, cfg.Service.NodeID)

			if err := runServe(cmd.Context(), log, cfg, opts); err != nil {
				log.Error(cmd.Context(), "startup", "err", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.seedIssues, "seed-issues", 0,
		"with the in-memory store, create a demo project holding this many issues")

	return cmd
}

func runServe(ctx context.Context, log *logger.Logger, cfg *config.Config, opts *serveOptions) error {
	app, err := newApplication(ctx, cfg, log)
	if err != nil {
		return err
	}

	if opts.seedIssues > 0 {
		if !cfg.Database.InMemory {
			return errors.New("--seed-issues requires the in-memory store")
		}
		if err := seedDemoProject(ctx, app, opts.seedIssues); err != nil {
			app.close(context.Background())
			return err
		}
	}

	// -------------------------------------------------------------------------
	// Start API Service
	log.Info(ctx, "startup", "status", "initializing API support")

	muxOpts := []func(*mux.Options){mux.WithMetrics(app.registry)}
	if cfg.HTTP.Debug {
		muxOpts = append(muxOpts, mux.WithDebug())
	}

	cfgMux := mux.Config{
		Build:     build,
		Log:       log,
		Tracer:    app.tracer,
		Reindexer: app.reindex,
		Tasks:     app.tasks,
	}
	if pinger := app.dbPinger(); pinger != nil {
		cfgMux.DB = pinger
	}

	webAPI, err := mux.WebAPI(cfgMux, routes.Routes(), muxOpts...)
	if err != nil {
		app.close(context.Background())
		return fmt.Errorf("building web api: %w", err)
	}

	api := http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      webAPI,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info(ctx, "startup", "status", "api router started", "host", api.Addr)
		serverErrors <- api.ListenAndServe()
	}()

	// -------------------------------------------------------------------------
	// Shutdown
	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		log.Info(ctx, "shutdown", "status", "shutdown started")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := api.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("could not stop server gracefully: %w", err)
	}
	app.close(shutdownCtx)
	log.Info(shutdownCtx, "shutdown", "status", "shutdown complete")

	return runErr
}
