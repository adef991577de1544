// Package postgres implements the document store on PostgreSQL. Documents
// land in a table keyed by message_id with JSONB metadata; idempotency comes
// from INSERT ... ON CONFLICT DO NOTHING, so redelivered records report a
// duplicate outcome instead of an error.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/datapipe/datapipe/internal/store"
	"github.com/datapipe/datapipe/pkg/config"
	perrors "github.com/datapipe/datapipe/pkg/errors"
)

// Store is a PostgreSQL-backed document store.
type Store struct {
	db     *sql.DB
	table  string
	logger *slog.Logger
}

// New opens a connection pool, verifies it with a ping, and ensures the
// messages table exists.
func New(ctx context.Context, cfg config.PostgresConfig, table string) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &Store{
		db:     db,
		table:  table,
		logger: slog.Default().With("component", "postgres-store", "table", table),
	}
	if err := s.ensureTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		message_id  text PRIMARY KEY,
		name        text NOT NULL,
		created_at  timestamptz NOT NULL,
		metadata    jsonb,
		received_at timestamptz NOT NULL
	)`, pq.QuoteIdentifier(s.table))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensuring table %s: %w", s.table, err)
	}
	return nil
}

// BulkUpsert inserts each document with ON CONFLICT DO NOTHING. Inserts are
// issued independently so one failing document cannot block the others; a
// connectivity failure aborts the batch with a store-unavailable error.
func (s *Store) BulkUpsert(ctx context.Context, docs []store.Document) ([]store.WriteOutcome, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	stmt := fmt.Sprintf(
		`INSERT INTO %s (message_id, name, created_at, metadata, received_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (message_id) DO NOTHING`,
		pq.QuoteIdentifier(s.table),
	)

	outcomes := make([]store.WriteOutcome, len(docs))
	for i, doc := range docs {
		outcomes[i] = store.WriteOutcome{MessageID: doc.MessageID}

		var metadata any
		if doc.Metadata != nil {
			raw, err := json.Marshal(doc.Metadata)
			if err != nil {
				outcomes[i].Status = store.OutcomeFailed
				outcomes[i].Err = perrors.Invalid("marshaling metadata: %v", err)
				continue
			}
			metadata = raw
		}

		res, err := s.db.ExecContext(ctx, stmt,
			doc.MessageID, doc.Name, doc.CreatedAt, metadata, doc.ReceivedAt)
		if err != nil {
			if connectivityError(err) {
				// The pool is down; remaining documents would fail the
				// same way, so surface a batch-level error.
				return nil, perrors.Unavailable(err)
			}
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				// Unique violation from a concurrent writer racing the
				// ON CONFLICT arbiter. Same document, so success.
				outcomes[i].Status = store.OutcomeDuplicate
				continue
			}
			outcomes[i].Status = store.OutcomeFailed
			outcomes[i].Err = classify(err)
			continue
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			outcomes[i].Status = store.OutcomeDuplicate
			continue
		}
		outcomes[i].Status = store.OutcomeUpserted
	}
	return outcomes, nil
}

// EnsureIndex issues CREATE INDEX IF NOT EXISTS; a concurrent instance
// winning the creation race surfaces as duplicate_table, which is success.
func (s *Store) EnsureIndex(ctx context.Context, desc store.IndexDescriptor) error {
	order := "ASC"
	if desc.Order == store.Descending {
		order = "DESC"
	}
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s %s)",
		pq.QuoteIdentifier(desc.Name),
		pq.QuoteIdentifier(s.table),
		pq.QuoteIdentifier(desc.Field),
		order,
	)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P07" {
			s.logger.Debug("index created concurrently by another instance", "index", desc.Name)
			return nil
		}
		return fmt.Errorf("creating index %s: %w", desc.Name, err)
	}
	s.logger.Info("index ensured", "index", desc.Name, "field", desc.Field)
	return nil
}

// Ping verifies the pool for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

// connectivityError reports whether err means the server is unreachable
// rather than a statement-level failure.
func connectivityError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exceptions; 57P01: admin shutdown.
		return pqErr.Code.Class() == "08" || pqErr.Code == "57P01"
	}
	return false
}

// classify maps statement-level errors onto the pipeline taxonomy.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization failure, deadlock
			return perrors.Transient(err)
		}
		switch pqErr.Code.Class() {
		case "53", "57": // insufficient resources, operator intervention
			return perrors.Transient(err)
		case "22", "23": // data exception, constraint violation
			return perrors.Invalid("rejected by postgres: %v", err)
		}
	}
	return perrors.Transient(err)
}
