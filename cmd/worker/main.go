package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"ai-review-orchestrator/internal/bootstrap"
	"ai-review-orchestrator/internal/cancellation"
	"ai-review-orchestrator/internal/config"
	"ai-review-orchestrator/internal/telemetry"
	workerproc "ai-review-orchestrator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.NewLogger(config.Defaults()).Error("load config", "error", err)
		os.Exit(1)
	}

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	logger := config.NewLogger(cfg).With("component", "worker", "worker_id", workerID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := bootstrap.NewRedis(cfg)
	defer rdb.Close()

	b, err := bootstrap.NewBroker(ctx, cfg, rdb, logger)
	if err != nil {
		logger.Error("start broker", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	registry := cancellation.NewRegistry(logger)
	registry.Listen(b)

	q := bootstrap.NewQueue(cfg, db, logger)
	exec, err := bootstrap.NewExecutor(ctx, cfg, db, q, b, registry, logger)
	if err != nil {
		logger.Error("init executor", "error", err)
		os.Exit(1)
	}

	var reaper *workerproc.Reaper
	if cfg.LeaseTimeout > 0 {
		reaper = workerproc.NewReaper(db, b, cfg.LeaseTimeout, logger)
	}
	processor := workerproc.NewProcessor(cfg, q, exec, reaper, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started", "pool_size", cfg.WorkerPoolSize, "poll_interval", cfg.WorkerPollInterval, "lease_timeout", cfg.LeaseTimeout)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}
}
