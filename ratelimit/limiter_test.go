package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(NewMemoryCounters(), Config{Limit: 3, Window: time.Minute}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow(ctx, "ep_1")
		if !ok {
			t.Fatalf("Allow() = false on request %d within limit", i+1)
		}
	}
}

func TestAllowDeniesOverLimit(t *testing.T) {
	l := New(NewMemoryCounters(), Config{Limit: 2, Window: time.Minute}, nil)
	ctx := context.Background()

	l.Allow(ctx, "ep_1")
	l.Allow(ctx, "ep_1")

	ok, retryAfter := l.Allow(ctx, "ep_1")
	if ok {
		t.Fatal("Allow() = true over the limit")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Errorf("retryAfter = %v, want within (0, window]", retryAfter)
	}
}

func TestAllowIsolatesEndpoints(t *testing.T) {
	l := New(NewMemoryCounters(), Config{Limit: 1, Window: time.Minute}, nil)
	ctx := context.Background()

	l.Allow(ctx, "ep_1")
	if ok, _ := l.Allow(ctx, "ep_1"); ok {
		t.Fatal("ep_1 should be exhausted")
	}
	if ok, _ := l.Allow(ctx, "ep_2"); !ok {
		t.Fatal("ep_2 must not share ep_1's window counter")
	}
}

func TestAllowNewWindowResets(t *testing.T) {
	l := New(NewMemoryCounters(), Config{Limit: 1, Window: time.Minute}, nil)

	base := time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return base }

	ctx := context.Background()
	l.Allow(ctx, "ep_1")
	if ok, _ := l.Allow(ctx, "ep_1"); ok {
		t.Fatal("window should be exhausted")
	}

	// Advance past the window boundary; a fresh key applies.
	l.now = func() time.Time { return base.Add(time.Minute) }
	if ok, _ := l.Allow(ctx, "ep_1"); !ok {
		t.Fatal("new window should allow again")
	}
}

type failingCounters struct{}

func (failingCounters) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestAllowFailsOpenOnStoreError(t *testing.T) {
	l := New(failingCounters{}, Config{Limit: 1, Window: time.Minute}, nil)

	ok, _ := l.Allow(context.Background(), "ep_1")
	if !ok {
		t.Fatal("Allow() must fail open when the counter store is down")
	}
}

func TestAllowUnlimitedWhenDisabled(t *testing.T) {
	l := New(NewMemoryCounters(), Config{Limit: -1, Window: time.Minute}, nil)
	for i := 0; i < 500; i++ {
		if ok, _ := l.Allow(context.Background(), "ep_1"); !ok {
			t.Fatal("negative limit must disable limiting")
		}
	}
}

func TestMemoryCountersConcurrent(t *testing.T) {
	store := NewMemoryCounters()
	ctx := context.Background()

	const workers = 16
	const perWorker = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := store.Incr(ctx, "shared", time.Minute); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	total, err := store.Incr(ctx, "shared", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if total != workers*perWorker+1 {
		t.Errorf("counter = %d, want %d", total, workers*perWorker+1)
	}
}
