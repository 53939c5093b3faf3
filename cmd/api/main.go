package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "ai-review-orchestrator/internal/api"
	"ai-review-orchestrator/internal/bootstrap"
	"ai-review-orchestrator/internal/cancellation"
	"ai-review-orchestrator/internal/config"
	"ai-review-orchestrator/internal/credentials"
	"ai-review-orchestrator/internal/ratelimit"
	"ai-review-orchestrator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.NewLogger(config.Defaults()).Error("load config", "error", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg).With("component", "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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
	// Q&A workflows run in this process, next to their SSE subscribers.
	qa := worker.NewQAService(ctx, db, exec, logger)

	server := api.New(api.Deps{
		Config:   cfg,
		Repo:     db,
		Queue:    q,
		QA:       qa,
		Broker:   b,
		Registry: registry,
		Resolver: credentials.NewResolver(db, cfg.DefaultAPIKey),
		Limiter:  ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		Logger:   logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "relay", cfg.BrokerRelay)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	qa.Wait()
}
