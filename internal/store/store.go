// Package store defines the document-store contract the pipeline persists
// into. Backends (MongoDB, PostgreSQL) classify their driver errors into the
// pipeline error taxonomy so the persister never inspects driver types.
package store

import (
	"context"
	"time"
)

// Document is the normalized shape persisted to the "messages" collection.
// MessageID is globally unique and acts as the idempotency key.
type Document struct {
	MessageID  string         `json:"message_id" bson:"_id"`
	Name       string         `json:"name" bson:"name"`
	CreatedAt  time.Time      `json:"created_at" bson:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	ReceivedAt time.Time      `json:"received_at" bson:"received_at"`
}

// OutcomeStatus is the per-document result of a bulk upsert.
type OutcomeStatus int

const (
	// OutcomeUpserted means the document was inserted or replaced.
	OutcomeUpserted OutcomeStatus = iota
	// OutcomeDuplicate means the document already existed. Treated as
	// success: redelivery of an already-persisted record is benign.
	OutcomeDuplicate
	// OutcomeFailed means the write failed; Err carries the classified
	// error (retryable or not).
	OutcomeFailed
)

// WriteOutcome reports what happened to one document of a bulk upsert.
type WriteOutcome struct {
	MessageID string
	Status    OutcomeStatus
	Err       error
}

// Persisted reports whether the document is durably stored, counting
// duplicates as persisted.
func (o WriteOutcome) Persisted() bool {
	return o.Status == OutcomeUpserted || o.Status == OutcomeDuplicate
}

// Order is an index sort direction.
type Order int

const (
	Ascending Order = iota
	Descending
)

// IndexDescriptor names a secondary index to ensure at startup. Creation is
// idempotent: concurrent instances racing on the same name must all succeed.
type IndexDescriptor struct {
	Field string
	Order Order
	Name  string
}

// CreatedAtIndex is the ascending created_at index every instance ensures
// before consuming.
func CreatedAtIndex() IndexDescriptor {
	return IndexDescriptor{Field: "created_at", Order: Ascending, Name: "created_at_1"}
}

// DocumentStore is the narrow contract the pipeline consumes.
//
// BulkUpsert submits all documents as a single unordered write keyed by
// MessageID and returns one outcome per input document, in input order. The
// returned error is non-nil only for batch-level connectivity failures
// (classified as store-unavailable), in which case outcomes is nil.
type DocumentStore interface {
	BulkUpsert(ctx context.Context, docs []Document) ([]WriteOutcome, error)
	EnsureIndex(ctx context.Context, desc IndexDescriptor) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
