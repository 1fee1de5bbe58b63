// Package redis implements store.Store on a Redis deployment: JSON documents
// per entity, sorted sets as secondary indexes, and a Lua script for the
// atomic delivery claim.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/formlake/hookrelay/secrets"
	relaystore "github.com/formlake/hookrelay/store"
)

// compile-time interface check
var _ relaystore.Store = (*Store)(nil)

// Store implements store.Store using Redis.
type Store struct {
	rdb    goredis.UniversalClient
	cipher *secrets.Cipher
}

// Option configures a Store.
type Option func(*Store)

// WithCipher enables encryption of endpoint signing secrets at rest.
func WithCipher(c *secrets.Cipher) Option {
	return func(s *Store) {
		s.cipher = c
	}
}

// New creates a new Redis store.
func New(rdb goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate is a no-op for Redis (no schema migrations needed).
func (s *Store) Migrate(_ context.Context) error {
	return nil
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// scoreFromTime converts a time.Time to a sorted set score (unix seconds as float64).
func scoreFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// isRedisNil checks if an error is a Redis nil (key not found).
func isRedisNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}

// getEntity retrieves and decodes a JSON entity from a key.
func (s *Store) getEntity(ctx context.Context, key string, dest any) error {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// setEntity encodes and stores a JSON entity under a key.
func (s *Store) setEntity(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("hookrelay/redis: marshal entity: %w", err)
	}
	return s.rdb.Set(ctx, key, raw, 0).Err()
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

// zRangeByScoreIDs returns all member IDs from a sorted set within a score range.
func (s *Store) zRangeByScoreIDs(ctx context.Context, key string, lo, hi float64) ([]string, error) {
	minStr := "-inf"
	maxStr := "+inf"
	if !math.IsInf(lo, -1) {
		minStr = strconv.FormatFloat(lo, 'f', -1, 64)
	}
	if !math.IsInf(hi, 1) {
		maxStr = strconv.FormatFloat(hi, 'f', -1, 64)
	}
	return s.rdb.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min: minStr,
		Max: maxStr,
	}).Result()
}

// applyPagination applies offset and limit to a slice.
func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset > 0 && offset < len(items) {
		items = items[offset:]
	} else if offset >= len(items) {
		return nil
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
