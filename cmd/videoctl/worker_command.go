package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coursehub/backend/internal/app"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone processing worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if concurrency > 0 {
				cfg.Queue.WorkerCount = concurrency
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := app.NewLogger(cfg, "worker")
			sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(sigCtx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			// Keeps the fan-out subscription drained; this process holds
			// no websocket clients of its own.
			runCtx, cancelRun := context.WithCancel(context.Background())
			defer cancelRun()
			a.Run(runCtx)

			pool := a.WorkerPool()
			pool.Start()
			log.Info(sigCtx, "worker started", map[string]interface{}{
				"workers": cfg.Queue.WorkerCount,
				"version": app.Version,
			})

			<-sigCtx.Done()

			log.Info(context.Background(), "stopping worker")
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return pool.Stop(stopCtx)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Override the configured worker count")
	return cmd
}
