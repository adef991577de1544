package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/datapipe/datapipe/internal/checkpoint"
	"github.com/datapipe/datapipe/pkg/config"
	"github.com/datapipe/datapipe/pkg/kafka"
	"github.com/datapipe/datapipe/pkg/metrics"
)

// BatchPoller is the slice of the partition reader the worker needs.
type BatchPoller interface {
	SeekTo(committed int64, startOffset string) error
	PollBatch(ctx context.Context, maxCount int, timeout time.Duration) ([]kafka.Record, error)
	Lag() int64
}

// Persister resolves one batch. Implemented by BatchPersister.
type Persister interface {
	Persist(ctx context.Context, batch []kafka.Record) BatchResult
}

// PartitionWorker owns exactly one partition: it polls batches, drives the
// persister, and advances the checkpoint only once a batch is fully resolved.
// This is the only code path that mutates the partition's checkpoint.
type PartitionWorker struct {
	partition   int
	poller      BatchPoller
	persister   Persister
	checkpoints checkpoint.Store
	cfg         config.ConsumerConfig
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewPartitionWorker wires a worker for one partition.
func NewPartitionWorker(partition int, poller BatchPoller, persister Persister, cps checkpoint.Store, cfg config.ConsumerConfig, m *metrics.Metrics) *PartitionWorker {
	return &PartitionWorker{
		partition:   partition,
		poller:      poller,
		persister:   persister,
		checkpoints: cps,
		cfg:         cfg,
		metrics:     m,
		logger:      slog.Default().With("component", "partition-worker", "partition", partition),
	}
}

// Run resumes from the last checkpoint and loops poll → persist → commit
// until ctx is cancelled. A batch polled before cancellation is resolved on
// a detached drain context so it is never abandoned mid-resolution. Run
// returns a non-nil error only on fatal conditions: a lost log connection or
// an unresolved batch, both of which require a restart to make progress.
func (w *PartitionWorker) Run(ctx context.Context) error {
	committed, err := w.checkpoints.CurrentOffset(ctx, w.partition)
	if err != nil {
		return fmt.Errorf("partition %d: loading checkpoint: %w", w.partition, err)
	}
	if err := w.poller.SeekTo(committed, w.cfg.StartOffset); err != nil {
		return err
	}
	w.logger.Info("worker started", "committed_offset", committed, "start_offset", w.cfg.StartOffset)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping", "reason", ctx.Err())
			return nil
		default:
		}

		records, pollErr := w.poller.PollBatch(ctx, w.cfg.BatchSize, w.cfg.PollTimeout)
		if len(records) > 0 {
			if err := w.resolveBatch(ctx, records); err != nil {
				return err
			}
		}
		if pollErr != nil {
			w.logger.Error("log connection lost", "error", pollErr)
			return pollErr
		}
	}
}

// resolveBatch runs validate → persist/dead-letter → commit, strictly in
// that order, on a context that survives graceful shutdown.
func (w *PartitionWorker) resolveBatch(ctx context.Context, records []kafka.Record) error {
	resolveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DrainTimeout)
	defer cancel()

	w.metrics.BatchSize.Observe(float64(len(records)))
	first := records[0].Offset
	last := records[len(records)-1].Offset
	start := time.Now()

	res := w.persister.Persist(resolveCtx, records)
	if res.Unresolved {
		w.metrics.ProcessingErrorsTotal.Inc()
		return fmt.Errorf("partition %d: batch %d-%d unresolved, refusing to advance checkpoint",
			w.partition, first, last)
	}

	commitStart := time.Now()
	if err := w.checkpoints.Advance(resolveCtx, w.partition, last); err != nil {
		// Not retried within the batch: the next successful commit, or a
		// restart, re-covers this ground; duplicates are absorbed by the
		// idempotent upsert.
		w.metrics.ProcessingErrorsTotal.Inc()
		w.logger.Error("checkpoint commit failed", "offset", last, "error", err)
	} else {
		w.metrics.OffsetCommitTime.Observe(time.Since(commitStart).Seconds())
	}

	w.metrics.ProcessingTime.Observe(time.Since(start).Seconds())
	w.metrics.ConsumerLag.WithLabelValues(strconv.Itoa(w.partition)).Set(float64(w.poller.Lag()))
	w.logger.Info("batch resolved",
		"records", len(records),
		"persisted", res.Persisted,
		"dead_lettered", res.DeadLettered,
		"first_offset", first,
		"last_offset", last,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}
