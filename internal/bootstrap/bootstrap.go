// Package bootstrap builds the components shared by the api, worker and
// taskctl binaries from one Config.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"ai-review-orchestrator/internal/broker"
	"ai-review-orchestrator/internal/cancellation"
	"ai-review-orchestrator/internal/config"
	"ai-review-orchestrator/internal/credentials"
	"ai-review-orchestrator/internal/documents"
	"ai-review-orchestrator/internal/queue"
	"ai-review-orchestrator/internal/runner/httprunner"
	"ai-review-orchestrator/internal/store"
	"ai-review-orchestrator/internal/worker"
)

// Database is a repository that can also manage its schema.
type Database interface {
	store.TaskRepository
	RunMigrations(ctx context.Context) error
}

// OpenStore connects the configured database and brings the schema up to date.
func OpenStore(ctx context.Context, cfg config.Config) (Database, error) {
	var (
		db  Database
		err error
	)
	switch cfg.DatabaseDriver {
	case "sqlite":
		db, err = store.NewSQLite(ctx, cfg.SQLitePath)
	default:
		db, err = store.New(ctx, cfg.PostgresDSN)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.DatabaseDriver, err)
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return db, nil
}

func NewRedis(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewBroker builds the process broker with the configured relay and starts
// consuming relayed events.
func NewBroker(ctx context.Context, cfg config.Config, rdb *redis.Client, logger *slog.Logger) (*broker.Broker, error) {
	opts := []broker.Option{
		broker.WithBufferSize(cfg.BrokerBufferSize),
		broker.WithLogger(logger),
	}
	switch cfg.BrokerRelay {
	case "redis":
		opts = append(opts, broker.WithRelay(broker.NewRedisRelay(rdb, logger)))
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("ai-review-orchestrator"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		opts = append(opts, broker.WithRelay(broker.NewNATSRelay(nc, logger)))
	default:
		logger.Warn("BROKER_RELAY is none; events and cancel requests stay in this process")
	}
	b := broker.New(opts...)
	if err := b.Start(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func NewQueue(cfg config.Config, repo store.TaskRepository, logger *slog.Logger) *queue.Queue {
	limit := queue.TenantLimit{
		Default:   cfg.TenantConcurrency,
		Overrides: cfg.TenantConcurrencyOverrides,
	}
	return queue.New(repo, limit, cfg.QueueScanLimit, logger)
}

// NewExecutor wires file preparation, credentials and the HTTP runner into
// an executor. Without RUNNER_URL every task fails with "no runner registered".
func NewExecutor(ctx context.Context, cfg config.Config, repo store.TaskRepository, q *queue.Queue, b *broker.Broker, reg *cancellation.Registry, logger *slog.Logger) (*worker.Executor, error) {
	opts := documents.Options{
		Root:     cfg.DocumentRoot,
		MaxBytes: cfg.DocumentMaxBytes,
		MaxEdge:  cfg.ImageMaxEdge,
		Logger:   logger,
	}
	if cfg.S3Region != "" || cfg.S3Endpoint != "" {
		client, err := documents.NewS3Client(ctx, documents.S3Options{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		opts.S3 = client
	}

	exec := worker.NewExecutor(worker.ExecutorDeps{
		Repo:      repo,
		Claimer:   q,
		Broker:    b,
		Registry:  reg,
		Resolver:  credentials.NewResolver(repo, cfg.DefaultAPIKey),
		Preparer:  documents.NewPreparer(opts),
		Heartbeat: cfg.HeartbeatInterval,
		Logger:    logger,
	})
	if cfg.RunnerURL != "" {
		exec.SetDefaultRunner(httprunner.New(cfg.RunnerURL, cfg.RunnerTimeout))
	} else {
		logger.Warn("RUNNER_URL not set; tasks will fail until a runner is configured")
	}
	return exec, nil
}
