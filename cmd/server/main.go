// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"giftflow/internal/config"
	"giftflow/internal/logging"
	"giftflow/internal/repository/postgresql"
	"giftflow/internal/service"
	httptransport "giftflow/internal/transport/http"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	log := logging.Init(cfg.LogLevel, cfg.LogFile, slog.String("service", "giftflow-api"))

	// Postgres
	pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("pg", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Redis (optional, rate limiter only)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error("redis", "error", err)
			os.Exit(1)
		}
	}

	// DI
	repo := postgresql.NewJobRepository(pool)
	blobs := postgresql.NewBlobRepository(pool)
	jobSvc := service.NewJobService(repo, blobs, cfg.MaxRetries)
	handler := httptransport.NewHandler(jobSvc)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httptransport.Routes(handler, log, rdb, cfg.RateLimitPerMinute),
	}

	go func() {
		log.Info("api server started", "addr", cfg.HTTPAddr, "rate_limit", rdb != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("serve", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "error", err)
	}
	log.Info("api server stopped")
}
