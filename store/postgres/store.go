// Package postgres implements store.Store on PostgreSQL via pgx. The
// delivery claim uses FOR UPDATE SKIP LOCKED so concurrent engine instances
// never double-claim a row.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/formlake/hookrelay/secrets"
	relaystore "github.com/formlake/hookrelay/store"
)

// compile-time interface check
var _ relaystore.Store = (*Store)(nil)

// Store implements store.Store using a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
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

// New creates a new PostgreSQL store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a pool for the given DSN and returns a store on it.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("hookrelay/postgres: ping: %w", err)
	}
	return New(pool, opts...), nil
}

// Pool returns the underlying pgx pool for direct access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// isNoRows checks for the pgx no-rows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isUniqueViolation checks for a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
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
