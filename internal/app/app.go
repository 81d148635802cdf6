// Package app assembles the pipeline's components from configuration. Both
// the API server and the standalone worker build on it.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/coursehub/backend/internal/auth"
	"github.com/coursehub/backend/internal/config"
	"github.com/coursehub/backend/internal/db"
	apperrors "github.com/coursehub/backend/internal/errors"
	"github.com/coursehub/backend/internal/health"
	"github.com/coursehub/backend/internal/ingest"
	"github.com/coursehub/backend/internal/jobqueue"
	"github.com/coursehub/backend/internal/logger"
	"github.com/coursehub/backend/internal/metrics"
	"github.com/coursehub/backend/internal/notify"
	"github.com/coursehub/backend/internal/processing"
	"github.com/coursehub/backend/internal/provider"
	"github.com/coursehub/backend/internal/status"
	"github.com/coursehub/backend/internal/storage"
	"github.com/coursehub/backend/internal/video"
	"github.com/coursehub/backend/internal/websocket"
)

// Version is stamped at build time.
var Version = "dev"

// App holds the shared infrastructure of a process.
type App struct {
	Config   *config.Config
	Log      *logger.Logger
	Metrics  *metrics.Metrics
	DB       *db.DB
	Videos   video.Store
	Queue    *jobqueue.Queue
	Provider *provider.Client
	Staging  *storage.Staging
	Notifier notify.Notifier
	Auth     *auth.Service
	Hub      *websocket.Hub
	Fanout   *websocket.Fanout
}

// NewLogger builds the process logger from the server settings. Stack
// traces are attached when a developer is watching the terminal.
func NewLogger(cfg *config.Config, component string) *logger.Logger {
	log := logger.New(&logger.Config{
		Output:      os.Stdout,
		Level:       logger.ParseLevel(cfg.Server.LogLevel),
		Component:   component,
		StackTraces: !cfg.IsProduction() && isatty.IsTerminal(os.Stdout.Fd()),
	})
	logger.SetDefault(log)
	return log
}

// New connects every backing service. Call Close when done.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Log:     log,
		Metrics: metrics.Default(),
		Auth:    auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration),
	}

	database, err := db.New(ctx, cfg.DatabaseDSN(), db.PoolConfig{
		MaxOpenConns: cfg.Database.MaxOpen,
		MaxIdleConns: cfg.Database.MaxIdle,
	})
	if err != nil {
		return nil, err
	}
	a.DB = database
	a.Videos = db.NewVideoRepository(database)

	queue, err := jobqueue.Connect(ctx, cfg.Redis.URL,
		jobqueue.WithPrefix(cfg.Queue.Prefix),
		jobqueue.WithRetention(cfg.Queue.CompletedRetention.Duration, cfg.Queue.FailedRetention.Duration),
		jobqueue.WithLockDuration(cfg.Queue.LockDuration.Duration),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Queue = queue

	a.Provider = provider.NewClient(&provider.Config{
		BaseURL:     cfg.Provider.BaseURL,
		AccessToken: cfg.Provider.AccessToken,
		Timeout:     cfg.Provider.RequestTimeout.Duration,
	})

	reader, err := storage.New(&storage.Config{
		Endpoint:  cfg.Storage.MinioEndpoint,
		AccessKey: cfg.Storage.MinioAccessKey,
		SecretKey: cfg.Storage.MinioSecretKey,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.S3Region,
		UseSSL:    cfg.Storage.MinioUseSSL,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := reader.EnsureBucket(ctx); err != nil {
		log.WarnErr(ctx, "staging bucket unavailable; uploads will not be retried", err, map[string]interface{}{
			"bucket": cfg.Storage.Bucket,
		})
	} else {
		a.Staging = storage.NewStaging(storage.NewS3Storage(&cfg.Storage), reader)
	}

	a.Notifier = notify.Nop{}
	if cfg.Notify.AMQPURL != "" {
		publisher, err := notify.Dial(ctx, cfg.Notify.AMQPURL, cfg.Notify.Exchange)
		if err != nil {
			// Notifications are best effort.
			log.WarnErr(ctx, "status notifications disabled", err)
		} else {
			a.Notifier = publisher
		}
	}

	a.Hub = websocket.NewHub(a.Metrics, log)
	a.Fanout = websocket.NewFanout(a.Hub, queue.Client())

	return a, nil
}

// Run starts the websocket hub and its cross-process fan-out. Both stop
// when ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	go a.Hub.Run(ctx)
	go a.Fanout.Run(ctx)
}

// IngestService builds the upload flow.
func (a *App) IngestService() *ingest.Service {
	var stager ingest.Stager
	if a.Staging != nil {
		stager = a.Staging
	}
	return ingest.NewService(a.Videos, a.Provider, stager, a.Queue, ingest.Config{
		MaxUploadBytes: a.Config.Server.MaxUploadBytes,
		MaxAttempts:    a.Config.Queue.MaxAttempts,
		Backoff:        a.Config.Queue.BackoffBase.Duration,
	}, a.Metrics, a.Log)
}

// StatusService builds the status query service.
func (a *App) StatusService() *status.Service {
	return status.NewService(a.Videos, a.Queue, status.Config{
		LookupTimeout: a.Config.Provider.LookupTimeout.Duration,
	}, a.Log)
}

// WorkerPool builds a pool with the processing handler registered.
func (a *App) WorkerPool() *jobqueue.WorkerPool {
	pool := jobqueue.NewWorkerPool(a.Queue, &jobqueue.WorkerPoolConfig{
		WorkerCount: a.Config.Queue.WorkerCount,
		JobTimeout:  a.Config.Queue.JobTimeout.Duration,
		Metrics:     a.Metrics,
		Logger:      a.Log,
	})
	worker := processing.NewWorker(a.Videos, a.Provider, a.Fanout, a.Notifier, processing.Config{
		PollInterval: a.Config.Provider.PollInterval.Duration,
		MaxWait:      a.Config.Provider.MaxWait.Duration,
		WriteRetry:   apperrors.TerminalWriteRetryConfig(),
	}, a.Metrics, a.Log)
	worker.Register(pool)
	return pool
}

// HealthChecker builds the readiness checker over every backing service.
func (a *App) HealthChecker() *health.Checker {
	cfg := &health.CheckerConfig{
		DB:    a.DB.DB,
		Redis: a.Queue.Client(),
		QueueDepth: func(ctx context.Context) (int64, error) {
			return a.Queue.Waiting(ctx, video.JobName)
		},
		Version: Version,
	}
	if a.Staging != nil {
		cfg.StorageCheck = a.Staging.Ping
	}
	if _, ok := a.Notifier.(*notify.Publisher); ok {
		cfg.NotifyCheck = a.Notifier.Ping
	}
	return health.NewChecker(cfg)
}

// Close releases every connection that was opened.
func (a *App) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.Notifier != nil {
		keep(a.Notifier.Close())
	}
	if a.Queue != nil {
		keep(a.Queue.Close())
	}
	if a.DB != nil {
		keep(a.DB.Close())
	}
	if firstErr != nil {
		return fmt.Errorf("close: %w", firstErr)
	}
	return nil
}
