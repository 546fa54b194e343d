// Package main implements the warmpath API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/warmpath/internal/app"
	"github.com/WessleyAI/warmpath/pkg/config"
	"github.com/WessleyAI/warmpath/pkg/mid"
)

func main() {
	configFile := flag.String("config", "", "path to warmpath.yaml")
	flag.Parse()

	cfg, err := config.Load(config.Options{File: *configFile})
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if a.NATS != nil {
		if _, err := a.Cache.SubscribeInvalidations(a.NATS); err != nil {
			return fmt.Errorf("subscribe invalidations: %w", err)
		}
	}

	// With the in-memory queue no other process can see the jobs, so the
	// API runs them itself.
	if cfg.Jobs.Queue == "memory" {
		logger.Info("running embedded job coordinator", "types", a.RegisterJobs())
		go func() {
			if err := a.Jobs.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("job coordinator stopped", "err", err)
			}
		}()
		a.Cache.StartSweeper(ctx, cfg.Cache.SweepInterval)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      newHandler(a, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.HTTP.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// newHandler mounts the routes behind the middleware chain.
func newHandler(a *app.App, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth(a.Network))
	mux.HandleFunc("POST /api/search", handleSearch(a.Search, logger))
	mux.HandleFunc("POST /api/jobs", handleEnqueue(a.Jobs, logger))
	mux.HandleFunc("GET /api/jobs/status", handleJobStatus(a.Jobs, logger))
	mux.HandleFunc("POST /api/persons/import", handleImport(a.Ingest, logger))
	mux.HandleFunc("POST /api/persons/{id}/claim", handleClaim(a.Ingest, logger))
	mux.Handle("GET /metrics", a.Metrics.Handler())

	return mid.Chain(mux,
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(a.Config.HTTP.CORSOrigin),
		mid.Timeout(a.Config.HTTP.RequestTimeout),
		mid.OTel("warmpath-api"),
	)
}
