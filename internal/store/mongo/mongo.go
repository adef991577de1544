// Package mongo implements the document store on MongoDB. Upserts are
// unordered bulk ReplaceOne operations keyed by _id (the message_id), so a
// duplicate-key race on one document never blocks the rest of the batch.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/datapipe/datapipe/internal/store"
	"github.com/datapipe/datapipe/pkg/config"
	perrors "github.com/datapipe/datapipe/pkg/errors"
)

const duplicateKeyCode = 11000

// Store is a MongoDB-backed document store.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *slog.Logger
}

// New connects to MongoDB, verifies the connection with a ping, and returns
// a Store bound to the configured collection.
func New(ctx context.Context, cfg config.MongoConfig, collection string) (*Store, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetMaxPoolSize(cfg.MaxPoolSize)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	return &Store{
		client: client,
		coll:   client.Database(cfg.Database).Collection(collection),
		logger: slog.Default().With("component", "mongo-store", "collection", collection),
	}, nil
}

// BulkUpsert writes all documents in a single unordered bulk call. Duplicate
// keys are reported as OutcomeDuplicate, other per-document write errors as
// retryable failures. Connectivity errors surface as a store-unavailable
// batch error.
func (s *Store) BulkUpsert(ctx context.Context, docs []store.Document) ([]store.WriteOutcome, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	models := make([]mongo.WriteModel, len(docs))
	for i, doc := range docs {
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": doc.MessageID}).
			SetReplacement(doc).
			SetUpsert(true)
	}

	outcomes := make([]store.WriteOutcome, len(docs))
	for i, doc := range docs {
		outcomes[i] = store.WriteOutcome{MessageID: doc.MessageID, Status: store.OutcomeUpserted}
	}

	_, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err == nil {
		return outcomes, nil
	}

	var bulkErr mongo.BulkWriteException
	if !errors.As(err, &bulkErr) {
		// Not a per-document failure: the whole batch failed to reach the
		// server (selection timeout, socket error, context deadline).
		return nil, perrors.Unavailable(err)
	}

	for _, we := range bulkErr.WriteErrors {
		if we.Index < 0 || we.Index >= len(outcomes) {
			continue
		}
		if we.Code == duplicateKeyCode {
			outcomes[we.Index].Status = store.OutcomeDuplicate
			continue
		}
		outcomes[we.Index].Status = store.OutcomeFailed
		outcomes[we.Index].Err = perrors.Transient(fmt.Errorf("write error code %d: %s", we.Code, we.Message))
	}
	s.logger.Warn("bulk upsert completed with write errors",
		"total", len(docs),
		"write_errors", len(bulkErr.WriteErrors),
	)
	return outcomes, nil
}

// EnsureIndex lists existing indexes and creates the descriptor's index only
// if its name is absent. A concurrent instance winning the race is success.
func (s *Store) EnsureIndex(ctx context.Context, desc store.IndexDescriptor) error {
	cursor, err := s.coll.Indexes().List(ctx)
	if err != nil {
		return fmt.Errorf("listing indexes: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var idx bson.M
		if err := cursor.Decode(&idx); err != nil {
			return fmt.Errorf("decoding index document: %w", err)
		}
		if name, _ := idx["name"].(string); name == desc.Name {
			s.logger.Debug("index already exists", "index", desc.Name)
			return nil
		}
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("iterating indexes: %w", err)
	}

	order := 1
	if desc.Order == store.Descending {
		order = -1
	}
	model := mongo.IndexModel{
		Keys:    bson.D{{Key: desc.Field, Value: order}},
		Options: options.Index().SetName(desc.Name),
	}
	if _, err := s.coll.Indexes().CreateOne(ctx, model); err != nil {
		if indexExistsError(err) {
			s.logger.Debug("index created concurrently by another instance", "index", desc.Name)
			return nil
		}
		return fmt.Errorf("creating index %s: %w", desc.Name, err)
	}
	s.logger.Info("index created", "index", desc.Name, "field", desc.Field)
	return nil
}

// indexExistsError reports whether err means the index was already created,
// possibly by a concurrently-starting instance.
func indexExistsError(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case 68, 85, 86: // IndexAlreadyExists, IndexOptionsConflict, IndexKeySpecsConflict
			return true
		}
	}
	return strings.Contains(err.Error(), "already exists")
}

// Ping verifies the connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
