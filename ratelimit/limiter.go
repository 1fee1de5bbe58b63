// Package ratelimit bounds outbound request rate per endpoint.
//
// The limiter is a fixed window over a shared counter store so that multiple
// worker processes enforce one combined limit per endpoint. Counter keys
// expire with the window; limiter-store outages fail open (delivery is never
// blocked by limiter infrastructure) but are logged as degradations.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Defaults per endpoint.
const (
	DefaultLimit  = 100
	DefaultWindow = 60 * time.Second
)

// CounterStore is the shared counter backend. Incr atomically increments the
// counter at key, attaching ttl when the key is first created, and returns
// the post-increment value.
type CounterStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Config holds limiter settings.
type Config struct {
	// Limit is the maximum requests per window. Zero or negative disables
	// limiting.
	Limit int

	// Window is the counting window length.
	Window time.Duration
}

// Limiter enforces a per-endpoint fixed window limit.
type Limiter struct {
	store  CounterStore
	config Config
	logger *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// New creates a limiter over the given counter store. Zero config fields are
// filled with defaults.
func New(store CounterStore, config Config, logger *slog.Logger) *Limiter {
	if config.Limit == 0 {
		config.Limit = DefaultLimit
	}
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Allow reports whether the endpoint may send now. On true the window
// counter has already been incremented as a side effect. On false,
// retryAfter is the time remaining until the window resets.
func (l *Limiter) Allow(ctx context.Context, endpointID string) (bool, time.Duration) {
	if l.config.Limit <= 0 {
		return true, 0
	}

	now := l.now().UTC()
	windowStart := now.Truncate(l.config.Window)
	key := fmt.Sprintf("hookrelay:ratelimit:%s:%d", endpointID, windowStart.Unix())

	count, err := l.store.Incr(ctx, key, l.config.Window)
	if err != nil {
		l.logger.WarnContext(ctx, "rate limiter store unavailable, failing open",
			"endpoint_id", endpointID, "error", err)
		return true, 0
	}

	if count > int64(l.config.Limit) {
		return false, windowStart.Add(l.config.Window).Sub(now)
	}

	return true, 0
}
