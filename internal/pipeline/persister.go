package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/datapipe/datapipe/internal/store"
	perrors "github.com/datapipe/datapipe/pkg/errors"
	"github.com/datapipe/datapipe/pkg/kafka"
	"github.com/datapipe/datapipe/pkg/metrics"
	"github.com/datapipe/datapipe/pkg/resilience"
)

// BatchResult reports how a batch was resolved. The batch is fully resolved
// — and the checkpoint may advance — only when Unresolved is false: every
// record is then either persisted or dead-lettered.
type BatchResult struct {
	Persisted    int
	DeadLettered int
	Unresolved   bool
}

// Router is the slice of the dead-letter router the persister needs.
type Router interface {
	Route(ctx context.Context, env Envelope) error
	RouteAll(ctx context.Context, records []kafka.Record, reason string, attempts int) error
}

// BatchPersister validates, normalizes, and idempotently upserts a batch of
// records, routing unrecoverable records to the dead-letter topic.
type BatchPersister struct {
	store   store.DocumentStore
	router  Router
	parser  *Parser
	policy  resilience.Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewBatchPersister creates a persister. The policy's RetryIf is forced to
// the pipeline taxonomy so malformed input is never retried.
func NewBatchPersister(docs store.DocumentStore, router Router, policy resilience.Policy, m *metrics.Metrics) *BatchPersister {
	policy.RetryIf = perrors.Retryable
	return &BatchPersister{
		store:   docs,
		router:  router,
		parser:  NewParser(),
		policy:  policy,
		metrics: m,
		logger:  slog.Default().With("component", "batch-persister"),
	}
}

// Persist resolves one batch: malformed records go straight to the
// dead-letter topic, the rest are bulk-upserted with per-document and
// whole-batch retries. Record-level failures never abort the batch; only a
// dead-letter publish failure leaves it unresolved.
func (p *BatchPersister) Persist(ctx context.Context, batch []kafka.Record) BatchResult {
	var res BatchResult
	if len(batch) == 0 {
		return res
	}

	valid, invalid := p.parser.ParseBatch(batch)

	for _, inv := range invalid {
		p.metrics.ProcessingErrorsTotal.Inc()
		p.logger.Warn("malformed record",
			"partition", inv.Record.Partition,
			"offset", inv.Record.Offset,
			"error", inv.Err,
		)
		env := Envelope{
			Record:   inv.Record,
			Reason:   ReasonInvalidFormat,
			FailedAt: time.Now().UTC(),
			Attempts: 1,
		}
		if err := p.router.Route(ctx, env); err != nil {
			p.logger.Error("dead-letter routing failed, batch unresolved", "error", err)
			res.Unresolved = true
			return res
		}
		res.DeadLettered++
	}

	if len(valid) == 0 {
		return res
	}

	docs := make([]store.Document, len(valid))
	recs := make([]kafka.Record, len(valid))
	for i, v := range valid {
		docs[i] = *v.Doc
		recs[i] = v.Record
	}

	outcomes, err := p.bulkUpsert(ctx, "bulk-upsert", docs)
	if err != nil {
		// Store unreachable after whole-batch retries: the records are
		// preserved on the dead-letter topic instead.
		p.metrics.ProcessingErrorsTotal.Add(float64(len(recs)))
		p.logger.Error("store unavailable, dead-lettering batch", "count", len(recs), "error", err)
		if routeErr := p.router.RouteAll(ctx, recs, ReasonStoreUnavailable, p.policy.MaxAttempts); routeErr != nil {
			p.logger.Error("dead-letter routing failed, batch unresolved", "error", routeErr)
			res.Unresolved = true
			return res
		}
		res.DeadLettered += len(recs)
		return res
	}

	persisted, failedDocs, failedRecs := splitOutcomes(outcomes, docs, recs)
	res.Persisted += persisted

	if len(failedDocs) > 0 {
		n, remaining := p.retryFailed(ctx, failedDocs, failedRecs)
		res.Persisted += n
		if len(remaining) > 0 {
			p.metrics.ProcessingErrorsTotal.Add(float64(len(remaining)))
			if routeErr := p.router.RouteAll(ctx, remaining, ReasonPersistFailed, p.policy.MaxAttempts); routeErr != nil {
				p.logger.Error("dead-letter routing failed, batch unresolved", "error", routeErr)
				res.Unresolved = true
				return res
			}
			res.DeadLettered += len(remaining)
		}
	}

	p.metrics.MessagesProcessedTotal.Add(float64(res.Persisted))
	return res
}

// bulkUpsert submits docs as one unordered write, retrying the whole batch
// while the store reports a connectivity failure.
func (p *BatchPersister) bulkUpsert(ctx context.Context, name string, docs []store.Document) ([]store.WriteOutcome, error) {
	var outcomes []store.WriteOutcome
	err := resilience.Retry(ctx, name, p.policy, func() error {
		start := time.Now()
		out, err := p.store.BulkUpsert(ctx, docs)
		p.metrics.StoreWriteTime.Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		outcomes = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// retryFailed re-submits the failed subset with backoff, shrinking it as
// documents land. It returns how many were persisted and the records that
// still failed once the remaining attempts were spent.
func (p *BatchPersister) retryFailed(ctx context.Context, docs []store.Document, recs []kafka.Record) (persisted int, remaining []kafka.Record) {
	remainingDocs, remainingRecs := docs, recs

	// The first bulk write already consumed one attempt for these documents.
	policy := p.policy
	if policy.MaxAttempts > 1 {
		policy.MaxAttempts--
	}

	_ = resilience.Retry(ctx, "persist-retry", policy, func() error {
		start := time.Now()
		out, err := p.store.BulkUpsert(ctx, remainingDocs)
		p.metrics.StoreWriteTime.Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		var stillDocs []store.Document
		var stillRecs []kafka.Record
		var firstErr error
		for i, o := range out {
			if o.Persisted() {
				persisted++
				continue
			}
			stillDocs = append(stillDocs, remainingDocs[i])
			stillRecs = append(stillRecs, remainingRecs[i])
			if firstErr == nil {
				firstErr = o.Err
			}
		}
		remainingDocs, remainingRecs = stillDocs, stillRecs
		if len(stillDocs) == 0 {
			return nil
		}
		if firstErr == nil {
			firstErr = perrors.ErrStoreTransient
		}
		return firstErr
	})
	return persisted, remainingRecs
}

// splitOutcomes separates persisted documents from the failed subset,
// keeping docs and recs index-aligned.
func splitOutcomes(out []store.WriteOutcome, docs []store.Document, recs []kafka.Record) (persisted int, failedDocs []store.Document, failedRecs []kafka.Record) {
	for i, o := range out {
		if o.Persisted() {
			persisted++
			continue
		}
		failedDocs = append(failedDocs, docs[i])
		failedRecs = append(failedRecs, recs[i])
	}
	return persisted, failedDocs, failedRecs
}
