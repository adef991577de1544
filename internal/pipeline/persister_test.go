package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/datapipe/datapipe/pkg/kafka"
)

func validBatch(n int) []kafka.Record {
	records := make([]kafka.Record, n)
	for i := range records {
		records[i] = validRecord(fmt.Sprintf("msg-%03d", i), int64(i))
	}
	return records
}

func TestPersistCleanBatch(t *testing.T) {
	docs := newFakeStore()
	router := &fakeRouter{}
	p := NewBatchPersister(docs, router, testPolicy(), newTestMetrics())

	res := p.Persist(context.Background(), validBatch(100))

	if res.Unresolved {
		t.Fatal("clean batch must resolve")
	}
	if res.Persisted != 100 || res.DeadLettered != 0 {
		t.Errorf("expected 100 persisted / 0 dead-lettered, got %d/%d", res.Persisted, res.DeadLettered)
	}
	if docs.count() != 100 {
		t.Errorf("expected 100 documents in store, got %d", docs.count())
	}
	if len(router.routed) != 0 {
		t.Errorf("unexpected dead letters: %d", len(router.routed))
	}
}

func TestPersistEmptyBatch(t *testing.T) {
	docs := newFakeStore()
	p := NewBatchPersister(docs, &fakeRouter{}, testPolicy(), newTestMetrics())

	res := p.Persist(context.Background(), nil)
	if res != (BatchResult{}) {
		t.Errorf("expected zero result for empty batch, got %+v", res)
	}
	if docs.callCount() != 0 {
		t.Error("empty batch must not touch the store")
	}
}

func TestPersistRoutesMalformedRecords(t *testing.T) {
	docs := newFakeStore()
	router := &fakeRouter{}
	p := NewBatchPersister(docs, router, testPolicy(), newTestMetrics())

	batch := validBatch(99)
	batch = append(batch, kafka.Record{Key: "", Value: []byte(`{"name":"x"}`), Offset: 99})

	res := p.Persist(context.Background(), batch)

	if res.Unresolved {
		t.Fatal("batch with one malformed record must still resolve")
	}
	if res.Persisted != 99 || res.DeadLettered != 1 {
		t.Errorf("expected 99 persisted / 1 dead-lettered, got %d/%d", res.Persisted, res.DeadLettered)
	}
	envs := router.byReason(ReasonInvalidFormat)
	if len(envs) != 1 {
		t.Fatalf("expected 1 invalid_format envelope, got %d", len(envs))
	}
	if envs[0].Record.Offset != 99 {
		t.Errorf("wrong record dead-lettered: offset %d", envs[0].Record.Offset)
	}
	if docs.count() != 99 {
		t.Errorf("expected 99 documents persisted, got %d", docs.count())
	}
}

func TestPersistDeadLettersBatchWhenStoreUnavailable(t *testing.T) {
	docs := newFakeStore()
	docs.unavailable = 1000 // never comes back
	router := &fakeRouter{}
	p := NewBatchPersister(docs, router, testPolicy(), newTestMetrics())

	res := p.Persist(context.Background(), validBatch(100))

	if res.Unresolved {
		t.Fatal("batch must resolve via the dead-letter topic")
	}
	if res.Persisted != 0 || res.DeadLettered != 100 {
		t.Errorf("expected 0 persisted / 100 dead-lettered, got %d/%d", res.Persisted, res.DeadLettered)
	}
	if got := docs.callCount(); got != 3 {
		t.Errorf("expected 3 bulk write attempts, got %d", got)
	}
	if envs := router.byReason(ReasonStoreUnavailable); len(envs) != 100 {
		t.Errorf("expected 100 store_unavailable envelopes, got %d", len(envs))
	}
}

func TestPersistRedeliveryIsIdempotent(t *testing.T) {
	docs := newFakeStore()
	router := &fakeRouter{}
	p := NewBatchPersister(docs, router, testPolicy(), newTestMetrics())

	batch := validBatch(100)
	first := p.Persist(context.Background(), batch)
	second := p.Persist(context.Background(), batch)

	if first.Persisted != 100 || second.Persisted != 100 {
		t.Errorf("expected both deliveries to count as persisted, got %d then %d",
			first.Persisted, second.Persisted)
	}
	if second.DeadLettered != 0 || second.Unresolved {
		t.Errorf("redelivery must not dead-letter or stall: %+v", second)
	}
	if docs.count() != 100 {
		t.Errorf("expected 100 documents after redelivery, got %d", docs.count())
	}
}

func TestPersistRetriesTransientDocumentFailures(t *testing.T) {
	docs := newFakeStore()
	docs.failWrites["msg-007"] = 1 // fails once, then lands
	router := &fakeRouter{}
	p := NewBatchPersister(docs, router, testPolicy(), newTestMetrics())

	res := p.Persist(context.Background(), validBatch(100))

	if res.Persisted != 100 || res.DeadLettered != 0 {
		t.Errorf("expected 100 persisted after retry, got %d persisted / %d dead-lettered",
			res.Persisted, res.DeadLettered)
	}
	if got := docs.callCount(); got != 2 {
		t.Errorf("expected 2 bulk writes (initial + retry of failed subset), got %d", got)
	}
	if docs.count() != 100 {
		t.Errorf("expected all 100 documents stored, got %d", docs.count())
	}
}

func TestPersistDeadLettersExhaustedDocuments(t *testing.T) {
	docs := newFakeStore()
	docs.failWrites["msg-042"] = 100 // never lands
	router := &fakeRouter{}
	p := NewBatchPersister(docs, router, testPolicy(), newTestMetrics())

	res := p.Persist(context.Background(), validBatch(100))

	if res.Unresolved {
		t.Fatal("persistent single-document failure must not stall the batch")
	}
	if res.Persisted != 99 || res.DeadLettered != 1 {
		t.Errorf("expected 99 persisted / 1 dead-lettered, got %d/%d", res.Persisted, res.DeadLettered)
	}
	envs := router.byReason(ReasonPersistFailed)
	if len(envs) != 1 {
		t.Fatalf("expected 1 persist_failed envelope, got %d", len(envs))
	}
	if envs[0].Record.Offset != 42 {
		t.Errorf("wrong record dead-lettered: offset %d", envs[0].Record.Offset)
	}
}

func TestPersistDoesNotRetryNonRetryableDocuments(t *testing.T) {
	docs := newFakeStore()
	docs.rejectIDs["msg-001"] = true
	router := &fakeRouter{}
	p := NewBatchPersister(docs, router, testPolicy(), newTestMetrics())

	res := p.Persist(context.Background(), validBatch(10))

	if res.Persisted != 9 || res.DeadLettered != 1 {
		t.Errorf("expected 9 persisted / 1 dead-lettered, got %d/%d", res.Persisted, res.DeadLettered)
	}
	// Initial write plus one subset submission that reports non-retryable.
	if got := docs.callCount(); got != 2 {
		t.Errorf("expected 2 bulk writes, got %d", got)
	}
}

func TestPersistUnresolvedWhenDeadLetterPublishFails(t *testing.T) {
	docs := newFakeStore()
	docs.unavailable = 1000
	router := &fakeRouter{failRoutes: 1000}
	p := NewBatchPersister(docs, router, testPolicy(), newTestMetrics())

	res := p.Persist(context.Background(), validBatch(10))

	if !res.Unresolved {
		t.Fatal("batch must be unresolved when dead-letter publish fails")
	}
}

func TestPersistUnresolvedWhenMalformedRecordCannotBeRouted(t *testing.T) {
	docs := newFakeStore()
	router := &fakeRouter{failRoutes: 1000}
	p := NewBatchPersister(docs, router, testPolicy(), newTestMetrics())

	res := p.Persist(context.Background(), []kafka.Record{{Key: "", Value: []byte(`{}`)}})

	if !res.Unresolved {
		t.Fatal("batch must be unresolved when the malformed record cannot be routed")
	}
	if docs.callCount() != 0 {
		t.Error("store must not be touched once the batch is unresolved")
	}
}
