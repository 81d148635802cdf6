package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coursehub/backend/internal/api"
	"github.com/coursehub/backend/internal/app"
	"github.com/coursehub/backend/internal/config"
	"github.com/coursehub/backend/internal/health"
	"github.com/coursehub/backend/internal/jobqueue"
	"github.com/coursehub/backend/internal/logger"
	"github.com/coursehub/backend/internal/websocket"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		logger.Error(context.Background(), "server exited", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := app.NewLogger(cfg, "server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.DB.Migrate(ctx); err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	a.Run(runCtx)

	var pool *jobqueue.WorkerPool
	if cfg.Queue.RunWorkers {
		pool = a.WorkerPool()
		pool.Start()
	}

	router := api.NewRouter(&api.RouterConfig{
		Ingest:         a.IngestService(),
		Status:         a.StatusService(),
		Jobs:           a.Queue,
		Auth:           a.Auth,
		WebSocket:      websocket.NewHandler(a.Hub, a.Auth, cfg.Server.CORSOrigins),
		Health:         health.NewHandler(a.HealthChecker()),
		Metrics:        a.Metrics,
		Logger:         log,
		CORSOrigins:    cfg.Server.CORSOrigins,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting server", map[string]interface{}{
			"addr":        cfg.Server.Addr,
			"run_workers": cfg.Queue.RunWorkers,
			"version":     app.Version,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "http shutdown failed", err)
	}
	if pool != nil {
		// In-flight jobs are requeued for another worker.
		if err := pool.Stop(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "worker pool shutdown failed", err)
		}
	}
	cancelRun()

	log.Info(shutdownCtx, "server stopped")
	return nil
}
