package ratelimit

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisCounters is a CounterStore over Redis. INCR plus a first-write EXPIRE
// gives an atomic shared window counter across worker processes.
type RedisCounters struct {
	rdb goredis.UniversalClient
}

// NewRedisCounters creates a Redis-backed counter store.
func NewRedisCounters(rdb goredis.UniversalClient) *RedisCounters {
	return &RedisCounters{rdb: rdb}
}

// Incr implements CounterStore.
func (r *RedisCounters) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// NX keeps the original window expiry when racing increments arrive.
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
