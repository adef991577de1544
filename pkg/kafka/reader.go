// Package kafka wraps segmentio/kafka-go with the two clients the pipeline
// needs: a per-partition batch reader with manual offset control, and a JSON
// topic writer used for dead-letter publishing and record production.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/datapipe/datapipe/pkg/config"
	perrors "github.com/datapipe/datapipe/pkg/errors"
)

// Record is one message read from a partition, immutable once fetched.
type Record struct {
	Key       string            `json:"key"`
	Value     []byte            `json:"value"`
	Headers   map[string]string `json:"headers,omitempty"`
	Partition int               `json:"partition"`
	Offset    int64             `json:"offset"`
}

// PartitionReader reads one partition of a topic with explicit offset
// control. Partition assignment happens outside the process, so no consumer
// group is involved and offsets are tracked by the checkpoint store.
type PartitionReader struct {
	reader    *kafka.Reader
	partition int
	logger    *slog.Logger
}

// NewPartitionReader creates a reader pinned to a single partition.
func NewPartitionReader(cfg config.KafkaConfig, partition int) *PartitionReader {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   cfg.Brokers,
		Topic:     cfg.Topic,
		Partition: partition,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	return &PartitionReader{
		reader:    r,
		partition: partition,
		logger:    slog.Default().With("component", "partition-reader", "topic", cfg.Topic, "partition", partition),
	}
}

// SeekTo positions the reader so the next fetched record has the given
// offset. committed is the last checkpointed offset (checkpoint.None when
// absent), in which case startOffset ("earliest"/"latest") decides.
func (r *PartitionReader) SeekTo(committed int64, startOffset string) error {
	target := committed + 1
	if committed < 0 {
		if startOffset == "latest" {
			target = kafka.LastOffset
		} else {
			target = kafka.FirstOffset
		}
	}
	if err := r.reader.SetOffset(target); err != nil {
		return fmt.Errorf("seeking partition %d to offset %d: %w", r.partition, target, err)
	}
	r.logger.Info("reader positioned", "offset", target)
	return nil
}

// PollBatch fetches up to maxCount records, waiting at most timeout for the
// first of them. An empty batch on timeout is normal, not an error. When the
// parent ctx is cancelled mid-poll, the records fetched so far are returned
// so the caller can still resolve them. A non-nil error means the log
// connection itself failed; any records returned alongside it are valid.
func (r *PartitionReader) PollBatch(ctx context.Context, maxCount int, timeout time.Duration) ([]Record, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var records []Record
	for len(records) < maxCount {
		msg, err := r.reader.FetchMessage(pollCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return records, nil
			}
			return records, fmt.Errorf("%w: fetching from partition %d: %v", perrors.ErrLogConnection, r.partition, err)
		}
		records = append(records, fromMessage(msg))
	}
	return records, nil
}

// Lag returns how far the reader is behind the partition's high watermark.
// Only meaningful after at least one fetch.
func (r *PartitionReader) Lag() int64 {
	return r.reader.Lag()
}

// Close closes the underlying Kafka reader.
func (r *PartitionReader) Close() error {
	return r.reader.Close()
}

func fromMessage(msg kafka.Message) Record {
	var headers map[string]string
	if len(msg.Headers) > 0 {
		headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			headers[h.Key] = string(h.Value)
		}
	}
	return Record{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
}

// Ping dials the first reachable broker, for readiness probes and startup
// checks.
func Ping(ctx context.Context, brokers []string) error {
	var lastErr error
	for _, addr := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("%w: no broker reachable: %v", perrors.ErrLogConnection, lastErr)
}
