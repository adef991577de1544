// Package pipeline implements the consumption core: parsing and validation,
// idempotent batch persistence, dead-letter routing, per-partition workers,
// and the supervisor that runs one worker per assigned partition.
package pipeline

import (
	"encoding/json"
	"time"

	"github.com/datapipe/datapipe/internal/store"
	perrors "github.com/datapipe/datapipe/pkg/errors"
	"github.com/datapipe/datapipe/pkg/kafka"
)

// payload is the wire shape produced by the record generator.
type payload struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	CreatedAt string         `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ParsedRecord is the result of the explicit parse step: either a normalized
// document ready for persistence, or a validation failure destined for the
// dead-letter topic. Downstream code never re-inspects the raw payload.
type ParsedRecord struct {
	Record kafka.Record
	Doc    *store.Document // nil when Err is set
	Err    error           // wraps ErrInvalidRecord when the record is malformed
}

// Valid reports whether the record parsed into a document.
func (p ParsedRecord) Valid() bool {
	return p.Err == nil
}

// Parser validates inbound records and normalizes them into documents,
// stamping received_at at processing time.
type Parser struct {
	now func() time.Time
}

// NewParser creates a Parser using the wall clock.
func NewParser() *Parser {
	return &Parser{now: func() time.Time { return time.Now().UTC() }}
}

// Parse validates one record. The message_id is the payload's id field,
// falling back to the Kafka key, and must be non-empty; created_at must be a
// parseable RFC 3339 timestamp.
func (p *Parser) Parse(rec kafka.Record) ParsedRecord {
	if len(rec.Value) == 0 {
		return ParsedRecord{Record: rec, Err: perrors.Invalid("empty payload")}
	}

	var body payload
	if err := json.Unmarshal(rec.Value, &body); err != nil {
		return ParsedRecord{Record: rec, Err: perrors.Invalid("payload is not a JSON object: %v", err)}
	}

	messageID := body.ID
	if messageID == "" {
		messageID = rec.Key
	}
	if messageID == "" {
		return ParsedRecord{Record: rec, Err: perrors.Invalid("missing identifier")}
	}

	createdAt, err := time.Parse(time.RFC3339, body.CreatedAt)
	if err != nil {
		return ParsedRecord{Record: rec, Err: perrors.Invalid("unparseable created_at %q: %v", body.CreatedAt, err)}
	}

	return ParsedRecord{
		Record: rec,
		Doc: &store.Document{
			MessageID:  messageID,
			Name:       body.Name,
			CreatedAt:  createdAt.UTC(),
			Metadata:   body.Metadata,
			ReceivedAt: p.now(),
		},
	}
}

// ParseBatch parses every record, preserving input order within each of the
// returned slices.
func (p *Parser) ParseBatch(records []kafka.Record) (valid []ParsedRecord, invalid []ParsedRecord) {
	for _, rec := range records {
		parsed := p.Parse(rec)
		if parsed.Valid() {
			valid = append(valid, parsed)
		} else {
			invalid = append(invalid, parsed)
		}
	}
	return valid, invalid
}
