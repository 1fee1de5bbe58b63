// Package mongo implements store.Store on MongoDB. Atomic claims and
// compare-and-set transitions use single-document FindOneAndUpdate /
// conditional UpdateOne, which MongoDB guarantees are atomic.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/formlake/hookrelay/secrets"
	"github.com/formlake/hookrelay/store"
)

// Collection name constants.
const (
	colEndpoints  = "hookrelay_endpoints"
	colEvents     = "hookrelay_events"
	colDeliveries = "hookrelay_deliveries"
	colLogs       = "hookrelay_delivery_logs"
	colDLQ        = "hookrelay_dlq"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client *mongod.Client
	db     *mongod.Database
	cipher *secrets.Cipher
}

// Option configures the store.
type Option func(*Store)

// WithCipher encrypts endpoint signing secrets at rest.
func WithCipher(c *secrets.Cipher) Option {
	return func(s *Store) { s.cipher = c }
}

// New creates a new MongoDB store on the given database.
func New(client *mongod.Client, database string, opts ...Option) *Store {
	s := &Store{
		client: client,
		db:     client.Database(database),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Database returns the underlying database for direct access.
func (s *Store) Database() *mongod.Database { return s.db }

// Migrate creates indexes for all collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("hookrelay/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks for the driver's no-documents sentinel.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks for a unique index violation.
func isDuplicateKey(err error) bool {
	return mongod.IsDuplicateKeyError(err)
}

// sealSecret encrypts a signing secret when a cipher is configured.
func (s *Store) sealSecret(secret string) (string, error) {
	if s.cipher == nil || secret == "" {
		return secret, nil
	}
	return s.cipher.Encrypt(secret)
}

// openSecret decrypts a stored signing secret when a cipher is configured.
func (s *Store) openSecret(stored string) (string, error) {
	if s.cipher == nil || stored == "" {
		return stored, nil
	}
	return s.cipher.Decrypt(stored)
}

// listFindOpts builds find options for a paginated, sorted listing.
func listFindOpts(offset, limit int, sort bson.D) *options.FindOptionsBuilder {
	fo := options.Find().SetSort(sort)
	if offset > 0 {
		fo = fo.SetSkip(int64(offset))
	}
	if limit > 0 {
		fo = fo.SetLimit(int64(limit))
	}
	return fo
}

// migrationIndexes returns the index definitions for all collections.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colEndpoints: {
			{Keys: bson.D{{Key: "organization_id", Value: 1}, {Key: "active", Value: 1}}},
			{Keys: bson.D{{Key: "organization_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colEvents: {
			{Keys: bson.D{{Key: "organization_id", Value: 1}, {Key: "type", Value: 1}, {Key: "created_at", Value: -1}}},
			{
				Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true),
			},
		},
		colDeliveries: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_retry_at", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
			{Keys: bson.D{{Key: "endpoint_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "event_id", Value: 1}}},
		},
		colLogs: {
			{Keys: bson.D{{Key: "delivery_id", Value: 1}, {Key: "attempt", Value: 1}}},
		},
		colDLQ: {
			{Keys: bson.D{{Key: "failed_at", Value: -1}}},
			{Keys: bson.D{{Key: "endpoint_id", Value: 1}, {Key: "failed_at", Value: -1}}},
			{Keys: bson.D{{Key: "organization_id", Value: 1}, {Key: "failed_at", Value: -1}}},
		},
	}
}
