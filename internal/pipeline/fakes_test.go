package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/datapipe/datapipe/internal/store"
	perrors "github.com/datapipe/datapipe/pkg/errors"
	"github.com/datapipe/datapipe/pkg/kafka"
	"github.com/datapipe/datapipe/pkg/metrics"
	"github.com/datapipe/datapipe/pkg/resilience"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewWith(prometheus.NewRegistry())
}

func testPolicy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts:    3,
		InitialDelay:   time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// fakeStore is an in-memory DocumentStore with failure injection.
type fakeStore struct {
	mu          sync.Mutex
	docs        map[string]store.Document
	unavailable int            // fail the next N BulkUpsert calls wholesale
	failWrites  map[string]int // message_id → remaining transient per-doc failures
	rejectIDs   map[string]bool
	calls       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:       make(map[string]store.Document),
		failWrites: make(map[string]int),
		rejectIDs:  make(map[string]bool),
	}
}

func (f *fakeStore) BulkUpsert(ctx context.Context, docs []store.Document) ([]store.WriteOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.unavailable > 0 {
		f.unavailable--
		return nil, perrors.Unavailable(errors.New("connection refused"))
	}
	outcomes := make([]store.WriteOutcome, len(docs))
	for i, d := range docs {
		outcomes[i] = store.WriteOutcome{MessageID: d.MessageID}
		switch {
		case f.rejectIDs[d.MessageID]:
			outcomes[i].Status = store.OutcomeFailed
			outcomes[i].Err = perrors.Invalid("rejected by store")
		case f.failWrites[d.MessageID] > 0:
			f.failWrites[d.MessageID]--
			outcomes[i].Status = store.OutcomeFailed
			outcomes[i].Err = perrors.Transient(errors.New("write timeout"))
		default:
			if _, exists := f.docs[d.MessageID]; exists {
				outcomes[i].Status = store.OutcomeDuplicate
			} else {
				f.docs[d.MessageID] = d
				outcomes[i].Status = store.OutcomeUpserted
			}
		}
	}
	return outcomes, nil
}

func (f *fakeStore) EnsureIndex(ctx context.Context, desc store.IndexDescriptor) error { return nil }
func (f *fakeStore) Ping(ctx context.Context) error                                    { return nil }
func (f *fakeStore) Close(ctx context.Context) error                                   { return nil }

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRouter records dead-lettered envelopes and can be made to fail.
type fakeRouter struct {
	mu         sync.Mutex
	routed     []Envelope
	failRoutes int // fail the next N Route/RouteAll calls
}

func (f *fakeRouter) Route(ctx context.Context, env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRoutes > 0 {
		f.failRoutes--
		return perrors.ErrDeadLetterPublish
	}
	f.routed = append(f.routed, env)
	return nil
}

func (f *fakeRouter) RouteAll(ctx context.Context, records []kafka.Record, reason string, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRoutes > 0 {
		f.failRoutes--
		return perrors.ErrDeadLetterPublish
	}
	failedAt := time.Now().UTC()
	for _, rec := range records {
		f.routed = append(f.routed, Envelope{Record: rec, Reason: reason, FailedAt: failedAt, Attempts: attempts})
	}
	return nil
}

func (f *fakeRouter) byReason(reason string) []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Envelope
	for _, env := range f.routed {
		if env.Reason == reason {
			out = append(out, env)
		}
	}
	return out
}

// fakePublisher backs DeadLetterRouter tests.
type fakePublisher struct {
	mu        sync.Mutex
	published []kafka.Event
	failures  int // fail the next N publish calls
}

func (f *fakePublisher) Publish(ctx context.Context, event kafka.Event) error {
	return f.PublishBatch(ctx, []kafka.Event{event})
}

func (f *fakePublisher) PublishBatch(ctx context.Context, events []kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker not available")
	}
	f.published = append(f.published, events...)
	return nil
}

// fakePoller replays canned batches, then blocks or fails.
type fakePoller struct {
	mu       sync.Mutex
	batches  [][]kafka.Record
	finalErr error // returned once batches are exhausted; nil means block until ctx done
	lag      int64
	seeked   []int64
}

func (f *fakePoller) SeekTo(committed int64, startOffset string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeked = append(f.seeked, committed)
	return nil
}

func (f *fakePoller) PollBatch(ctx context.Context, maxCount int, timeout time.Duration) ([]kafka.Record, error) {
	f.mu.Lock()
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return batch, nil
	}
	err := f.finalErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	<-ctx.Done()
	return nil, nil
}

func (f *fakePoller) Lag() int64 { return f.lag }

// fakeCheckpoints is an in-memory checkpoint store.
type fakeCheckpoints struct {
	mu          sync.Mutex
	offsets     map[int]int64
	history     []int64
	initial     int64
	failAdvance bool
}

func newFakeCheckpoints(initial int64) *fakeCheckpoints {
	return &fakeCheckpoints{offsets: make(map[int]int64), initial: initial}
}

func (f *fakeCheckpoints) Advance(ctx context.Context, partition int, offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdvance {
		return perrors.ErrCommitFailed
	}
	if cur, ok := f.offsets[partition]; !ok || offset > cur {
		f.offsets[partition] = offset
	}
	f.history = append(f.history, f.offsets[partition])
	return nil
}

func (f *fakeCheckpoints) CurrentOffset(ctx context.Context, partition int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.offsets[partition]; ok {
		return cur, nil
	}
	return f.initial, nil
}

func (f *fakeCheckpoints) committed(partition int) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.offsets[partition]
	return cur, ok
}

// staticPersister resolves every batch with a fixed result.
type staticPersister struct {
	mu      sync.Mutex
	result  BatchResult
	batches [][]kafka.Record
}

func (s *staticPersister) Persist(ctx context.Context, batch []kafka.Record) BatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	res := s.result
	if res == (BatchResult{}) {
		res = BatchResult{Persisted: len(batch)}
	}
	return res
}
