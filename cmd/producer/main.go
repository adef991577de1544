package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datapipe/datapipe/internal/generator"
	"github.com/datapipe/datapipe/pkg/config"
	"github.com/datapipe/datapipe/pkg/kafka"
	"github.com/datapipe/datapipe/pkg/logger"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	writer := kafka.NewWriter(cfg.Kafka, cfg.Kafka.Topic)
	defer writer.Close()
	gen := generator.New()

	slog.Info("producer started",
		"topic", cfg.Kafka.Topic,
		"batch_size", cfg.Producer.BatchSize,
		"interval", cfg.Producer.Interval,
	)

	ticker := time.NewTicker(cfg.Producer.Interval)
	defer ticker.Stop()

	published := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("producer stopping", "published", published)
			return
		case <-ticker.C:
		}

		size := cfg.Producer.BatchSize
		if cfg.Producer.Count > 0 && published+size > cfg.Producer.Count {
			size = cfg.Producer.Count - published
		}
		events := gen.NextBatch(size)
		if err := writer.PublishBatch(ctx, events); err != nil {
			slog.Error("failed to publish batch", "count", size, "error", err)
			continue
		}
		published += size
		slog.Debug("batch published", "count", size, "total", published)

		if cfg.Producer.Count > 0 && published >= cfg.Producer.Count {
			slog.Info("producer finished", "published", published)
			return
		}
	}
}
