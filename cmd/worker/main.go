// cmd/worker/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"giftflow/internal/config"
	"giftflow/internal/extractor"
	"giftflow/internal/fetcher"
	"giftflow/internal/imageproc"
	"giftflow/internal/logging"
	"giftflow/internal/repository/postgresql"
	"giftflow/internal/scheduler"
	"giftflow/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	log := logging.Init(cfg.LogLevel, cfg.LogFile, slog.String("service", "giftflow-worker"))

	// Postgres
	pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("pg", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := postgresql.NewJobRepository(pool)
	blobs := postgresql.NewBlobRepository(pool)

	// Browser: launch failure is fatal, the supervisor restarts us.
	pages, err := fetcher.NewPool(ctx, cfg.BrowserMaxPages, cfg.PageMaxUses, cfg.FetchTimeout)
	if err != nil {
		log.Error("browser", "error", err)
		os.Exit(1)
	}
	defer pages.Close()

	extract, err := extractor.New(cfg)
	if err != nil {
		log.Error("extractor", "error", err)
		os.Exit(1)
	}

	images := imageproc.New(blobs, cfg.ImageSize)

	processor := worker.NewProcessor(repo, pages, extract, images, blobs, cfg.LeaseTimeout, log)
	workers := worker.NewPool(repo, processor, cfg.WorkerConcurrency, cfg.PollInterval, cfg.DrainTimeout, log)

	// Periodic maintenance: lease reaper, artifact cleaner,
	// notification pruner.
	sched := scheduler.New(log)
	if err := scheduler.RegisterDefaults(sched, repo, cfg); err != nil {
		log.Error("scheduler", "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	log.Info("worker started",
		"worker_id", workers.WorkerID(),
		"concurrency", cfg.WorkerConcurrency,
		"lease_timeout", cfg.LeaseTimeout.String(),
		"poll_interval", cfg.PollInterval.String(),
	)

	workers.Run(ctx)

	log.Info("worker stopped")
}
