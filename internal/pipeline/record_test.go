package pipeline

import (
	"errors"
	"fmt"
	"testing"
	"time"

	perrors "github.com/datapipe/datapipe/pkg/errors"
	"github.com/datapipe/datapipe/pkg/kafka"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testParser() *Parser {
	return &Parser{now: func() time.Time { return testNow }}
}

func validRecord(id string, offset int64) kafka.Record {
	return kafka.Record{
		Key:       id,
		Value:     []byte(fmt.Sprintf(`{"id":%q,"name":"item_12345678","created_at":"2025-05-31T08:30:00Z","metadata":{"source":"system-a","version":"1.0.0"}}`, id)),
		Partition: 0,
		Offset:    offset,
	}
}

func TestParseValidRecord(t *testing.T) {
	parsed := testParser().Parse(validRecord("msg-1", 7))
	if !parsed.Valid() {
		t.Fatalf("expected valid record, got error: %v", parsed.Err)
	}
	doc := parsed.Doc
	if doc.MessageID != "msg-1" {
		t.Errorf("expected message_id msg-1, got %q", doc.MessageID)
	}
	if doc.Name != "item_12345678" {
		t.Errorf("unexpected name %q", doc.Name)
	}
	if !doc.CreatedAt.Equal(time.Date(2025, 5, 31, 8, 30, 0, 0, time.UTC)) {
		t.Errorf("unexpected created_at %v", doc.CreatedAt)
	}
	if !doc.ReceivedAt.Equal(testNow) {
		t.Errorf("received_at not stamped at processing time: %v", doc.ReceivedAt)
	}
	if doc.Metadata["source"] != "system-a" {
		t.Errorf("metadata not preserved: %v", doc.Metadata)
	}
}

func TestParseFallsBackToKafkaKey(t *testing.T) {
	rec := kafka.Record{
		Key:   "key-9",
		Value: []byte(`{"name":"n","created_at":"2025-05-31T08:30:00Z"}`),
	}
	parsed := testParser().Parse(rec)
	if !parsed.Valid() {
		t.Fatalf("expected valid record, got %v", parsed.Err)
	}
	if parsed.Doc.MessageID != "key-9" {
		t.Errorf("expected fallback to kafka key, got %q", parsed.Doc.MessageID)
	}
}

func TestParseInvalidRecords(t *testing.T) {
	tests := []struct {
		name  string
		value string
		key   string
	}{
		{"empty payload", "", "k"},
		{"not json", "nope", "k"},
		{"json array", `[1,2,3]`, "k"},
		{"missing identifier", `{"name":"n","created_at":"2025-05-31T08:30:00Z"}`, ""},
		{"missing created_at", `{"id":"a","name":"n"}`, "k"},
		{"unparseable created_at", `{"id":"a","created_at":"05/31/2025"}`, "k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := testParser().Parse(kafka.Record{Key: tt.key, Value: []byte(tt.value)})
			if parsed.Valid() {
				t.Fatal("expected validation failure")
			}
			if !errors.Is(parsed.Err, perrors.ErrInvalidRecord) {
				t.Errorf("expected ErrInvalidRecord, got %v", parsed.Err)
			}
			if parsed.Doc != nil {
				t.Error("invalid record must not carry a document")
			}
		})
	}
}

func TestParseBatchSplitsAndPreservesOrder(t *testing.T) {
	records := []kafka.Record{
		validRecord("a", 1),
		{Key: "", Value: []byte(`{"name":"x","created_at":"2025-05-31T08:30:00Z"}`), Offset: 2},
		validRecord("b", 3),
	}
	valid, invalid := testParser().ParseBatch(records)
	if len(valid) != 2 || len(invalid) != 1 {
		t.Fatalf("expected 2 valid / 1 invalid, got %d/%d", len(valid), len(invalid))
	}
	if valid[0].Doc.MessageID != "a" || valid[1].Doc.MessageID != "b" {
		t.Errorf("valid records out of order: %q, %q", valid[0].Doc.MessageID, valid[1].Doc.MessageID)
	}
	if invalid[0].Record.Offset != 2 {
		t.Errorf("wrong record classified invalid: offset %d", invalid[0].Record.Offset)
	}
}
