package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/formlake/hookrelay/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRateLimitCountersFallBackWithoutRedis(t *testing.T) {
	cfg := &config{RedisURL: "not-a-redis-url"}

	counters := rateLimitCounters(context.Background(), cfg, discardLogger())
	if _, ok := counters.(*ratelimit.MemoryCounters); !ok {
		t.Fatalf("expected memory counter fallback, got %T", counters)
	}
}
