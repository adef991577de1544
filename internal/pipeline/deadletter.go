package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/datapipe/datapipe/pkg/kafka"
	"github.com/datapipe/datapipe/pkg/metrics"
	"github.com/datapipe/datapipe/pkg/resilience"
)

// Failure reasons carried in dead-letter envelopes.
const (
	ReasonInvalidFormat    = "invalid_format"
	ReasonPersistFailed    = "persist_failed"
	ReasonStoreUnavailable = "store_unavailable"
)

// Envelope wraps a record that could not be persisted, tagged with why and
// after how many attempts.
type Envelope struct {
	Record   kafka.Record `json:"original_record"`
	Reason   string       `json:"failure_reason"`
	FailedAt time.Time    `json:"failed_at"`
	Attempts int          `json:"attempt_count"`
}

// Publisher is the slice of the Kafka writer the router needs.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// DeadLetterRouter publishes failure envelopes to the dead-letter topic. A
// publish failure is retried with the pipeline backoff policy; exhaustion is
// escalated to the caller, never swallowed — the checkpoint must not advance
// past a record that is neither stored nor dead-lettered.
type DeadLetterRouter struct {
	publisher Publisher
	policy    resilience.Policy
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewDeadLetterRouter creates a router publishing through the given writer.
func NewDeadLetterRouter(publisher Publisher, policy resilience.Policy, m *metrics.Metrics) *DeadLetterRouter {
	return &DeadLetterRouter{
		publisher: publisher,
		policy:    policy,
		metrics:   m,
		logger:    slog.Default().With("component", "dead-letter-router"),
	}
}

// Route publishes one envelope, keyed by the original record's key so
// related failures land in the same dead-letter partition.
func (r *DeadLetterRouter) Route(ctx context.Context, env Envelope) error {
	err := resilience.Retry(ctx, "dead-letter-publish", r.policy, func() error {
		return r.publisher.Publish(ctx, kafka.Event{Key: env.Record.Key, Value: env})
	})
	if err != nil {
		return fmt.Errorf("routing record at partition %d offset %d: %w",
			env.Record.Partition, env.Record.Offset, err)
	}
	r.metrics.DeadLettersTotal.WithLabelValues(env.Reason).Inc()
	r.logger.Warn("record dead-lettered",
		"reason", env.Reason,
		"partition", env.Record.Partition,
		"offset", env.Record.Offset,
		"attempts", env.Attempts,
	)
	return nil
}

// RouteAll publishes one envelope per record in a single batch write, all
// sharing the same reason and attempt count.
func (r *DeadLetterRouter) RouteAll(ctx context.Context, records []kafka.Record, reason string, attempts int) error {
	if len(records) == 0 {
		return nil
	}
	failedAt := time.Now().UTC()
	events := make([]kafka.Event, len(records))
	for i, rec := range records {
		events[i] = kafka.Event{
			Key: rec.Key,
			Value: Envelope{
				Record:   rec,
				Reason:   reason,
				FailedAt: failedAt,
				Attempts: attempts,
			},
		}
	}
	err := resilience.Retry(ctx, "dead-letter-publish-batch", r.policy, func() error {
		return r.publisher.PublishBatch(ctx, events)
	})
	if err != nil {
		return fmt.Errorf("routing %d records: %w", len(records), err)
	}
	r.metrics.DeadLettersTotal.WithLabelValues(reason).Add(float64(len(records)))
	r.logger.Warn("batch dead-lettered", "reason", reason, "count", len(records), "attempts", attempts)
	return nil
}
