package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datapipe/datapipe/internal/checkpoint"
	"github.com/datapipe/datapipe/internal/pipeline"
	"github.com/datapipe/datapipe/internal/store"
	mongostore "github.com/datapipe/datapipe/internal/store/mongo"
	pgstore "github.com/datapipe/datapipe/internal/store/postgres"
	"github.com/datapipe/datapipe/pkg/config"
	"github.com/datapipe/datapipe/pkg/health"
	"github.com/datapipe/datapipe/pkg/kafka"
	"github.com/datapipe/datapipe/pkg/logger"
	"github.com/datapipe/datapipe/pkg/metrics"
	"github.com/datapipe/datapipe/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg); err != nil {
		slog.Error("consumer exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policy := resilience.Policy{
		MaxAttempts:  cfg.Consumer.Retry.MaxAttempts,
		InitialDelay: cfg.Consumer.Retry.InitialDelay,
		MaxDelay:     cfg.Consumer.Retry.MaxDelay,
		Multiplier:   cfg.Consumer.Retry.Multiplier,
	}

	slog.Info("starting consumer",
		"topic", cfg.Kafka.Topic,
		"partitions", cfg.Consumer.Partitions,
		"store_backend", cfg.Store.Backend,
	)

	// Startup connections, each with the shared backoff policy.
	if err := resilience.Retry(ctx, "kafka-connect", policy, func() error {
		return kafka.Ping(ctx, cfg.Kafka.Brokers)
	}); err != nil {
		return fmt.Errorf("connecting to kafka: %w", err)
	}

	docs, err := openStore(ctx, cfg, policy)
	if err != nil {
		return err
	}
	defer docs.Close(context.Background())

	var checkpoints *checkpoint.RedisStore
	if err := resilience.Retry(ctx, "redis-connect", policy, func() error {
		var err error
		checkpoints, err = checkpoint.NewRedisStore(ctx, cfg.Redis, cfg.Kafka.Topic)
		return err
	}); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer checkpoints.Close()

	// Every instance ensures the index at startup; racing instances are
	// safe because creation is idempotent by index name.
	if err := resilience.Retry(ctx, "ensure-index", policy, func() error {
		return docs.EnsureIndex(ctx, store.CreatedAtIndex())
	}); err != nil {
		return fmt.Errorf("ensuring created_at index: %w", err)
	}

	m := metrics.New()

	checker := health.NewChecker()
	checker.Register("kafka", func(ctx context.Context) error {
		return kafka.Ping(ctx, cfg.Kafka.Brokers)
	})
	checker.Register("store", docs.Ping)
	checker.Register("checkpoints", checkpoints.Ping)

	var shutdownOps func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdownOps = metrics.StartServer(cfg.Metrics.Port, map[string]http.Handler{
			"/health/live":  checker.LiveHandler(),
			"/health/ready": checker.ReadyHandler(),
		})
	}

	dlqWriter := kafka.NewWriter(cfg.Kafka, cfg.Kafka.DeadLetterTopic)
	defer dlqWriter.Close()
	router := pipeline.NewDeadLetterRouter(dlqWriter, policy, m)
	persister := pipeline.NewBatchPersister(docs, router, policy, m)

	workers := make(map[int]pipeline.Worker, len(cfg.Consumer.Partitions))
	readers := make([]*kafka.PartitionReader, 0, len(cfg.Consumer.Partitions))
	for _, partition := range cfg.Consumer.Partitions {
		reader := kafka.NewPartitionReader(cfg.Kafka, partition)
		readers = append(readers, reader)
		workers[partition] = pipeline.NewPartitionWorker(
			partition, reader, persister, checkpoints, cfg.Consumer, m)
	}
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()

	runErr := pipeline.NewSupervisor(workers).Run(ctx)

	if shutdownOps != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOps(shutdownCtx); err != nil {
			slog.Error("ops server shutdown failed", "error", err)
		}
	}
	return runErr
}

// openStore connects the configured document-store backend.
func openStore(ctx context.Context, cfg *config.Config, policy resilience.Policy) (store.DocumentStore, error) {
	var docs store.DocumentStore
	err := resilience.Retry(ctx, "store-connect", policy, func() error {
		var err error
		switch cfg.Store.Backend {
		case "postgres":
			docs, err = pgstore.New(ctx, cfg.Store.Postgres, cfg.Store.Collection)
		default:
			docs, err = mongostore.New(ctx, cfg.Store.Mongo, cfg.Store.Collection)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s store: %w", cfg.Store.Backend, err)
	}
	return docs, nil
}
