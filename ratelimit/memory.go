package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounters is an in-process CounterStore for tests and single-node
// deployments. Expired keys are pruned lazily on access.
type MemoryCounters struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
}

type memoryCounter struct {
	value     int64
	expiresAt time.Time
}

// NewMemoryCounters creates an empty in-memory counter store.
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{
		counters: make(map[string]*memoryCounter),
	}
}

// Incr implements CounterStore.
func (m *MemoryCounters) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	c, ok := m.counters[key]
	if !ok || now.After(c.expiresAt) {
		c = &memoryCounter{expiresAt: now.Add(ttl)}
		m.counters[key] = c

		// Opportunistic prune keeps the map from growing unbounded.
		for k, v := range m.counters {
			if now.After(v.expiresAt) {
				delete(m.counters, k)
			}
		}
	}

	c.value++
	return c.value, nil
}
