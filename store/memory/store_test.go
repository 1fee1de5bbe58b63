package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/delivery"
	"github.com/formlake/hookrelay/dlq"
	"github.com/formlake/hookrelay/endpoint"
	"github.com/formlake/hookrelay/event"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

func ctx() context.Context { return context.Background() }

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	s := New()

	if err := s.Migrate(ctx()); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(ctx()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(ctx()); !errors.Is(err, hookrelay.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// endpoint.Store
// ──────────────────────────────────────────────────

func newEndpoint(org string) *endpoint.Endpoint {
	return &endpoint.Endpoint{
		Entity:         entity.New(),
		ID:             id.NewEndpointID(),
		OrganizationID: org,
		URL:            "https://example.com/hook",
		Secret:         "whsec_test",
		Active:         true,
		RetryEnabled:   true,
		MaxRetries:     3,
	}
}

func TestEndpointCRUD(t *testing.T) {
	s := New()

	ep := newEndpoint("org-1")
	if err := s.CreateEndpoint(ctx(), ep); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetEndpoint(ctx(), ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.URL != ep.URL {
		t.Fatalf("URL = %q", got.URL)
	}

	got.Description = "updated"
	if err := s.UpdateEndpoint(ctx(), got); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetEndpoint(ctx(), ep.ID)
	if got.Description != "updated" {
		t.Fatal("update not persisted")
	}

	if err := s.DeleteEndpoint(ctx(), ep.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetEndpoint(ctx(), ep.ID); !errors.Is(err, hookrelay.ErrEndpointNotFound) {
		t.Fatalf("expected ErrEndpointNotFound, got %v", err)
	}
}

func TestUpdateEndpointPreservesCounters(t *testing.T) {
	s := New()

	ep := newEndpoint("org-1")
	if err := s.CreateEndpoint(ctx(), ep); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementStats(ctx(), ep.ID, endpoint.StatsDelta{Total: 3, Successful: 2, Failed: 1}); err != nil {
		t.Fatal(err)
	}

	// A stale read updated concurrently with the engine's stat bumps must
	// not clobber them.
	stale := *ep
	stale.Description = "renamed"
	if err := s.UpdateEndpoint(ctx(), &stale); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetEndpoint(ctx(), ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalDeliveries != 3 || got.SuccessfulDeliveries != 2 || got.FailedDeliveries != 1 {
		t.Fatalf("counters clobbered: %d/%d/%d", got.TotalDeliveries, got.SuccessfulDeliveries, got.FailedDeliveries)
	}
	if got.Description != "renamed" {
		t.Fatal("update not applied")
	}
}

func TestResolve(t *testing.T) {
	s := New()

	matching := newEndpoint("org-1")
	if err := s.CreateEndpoint(ctx(), matching); err != nil {
		t.Fatal(err)
	}

	inactive := newEndpoint("org-1")
	inactive.Active = false
	if err := s.CreateEndpoint(ctx(), inactive); err != nil {
		t.Fatal(err)
	}

	other := newEndpoint("org-2")
	if err := s.CreateEndpoint(ctx(), other); err != nil {
		t.Fatal(err)
	}

	got, err := s.Resolve(ctx(), "org-1", event.TypeSubmissionCreated)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != matching.ID {
		t.Fatalf("resolved %d endpoints", len(got))
	}
}

// ──────────────────────────────────────────────────
// event.Store
// ──────────────────────────────────────────────────

func TestCreateEventIdempotency(t *testing.T) {
	s := New()

	first := &event.Event{
		Entity:         entity.New(),
		ID:             id.NewEventID(),
		Type:           event.TypeSubmissionCreated,
		OrganizationID: "org-1",
		IdempotencyKey: "msg-1",
	}
	if err := s.CreateEvent(ctx(), first); err != nil {
		t.Fatal(err)
	}

	dup := &event.Event{
		Entity:         entity.New(),
		ID:             id.NewEventID(),
		Type:           event.TypeSubmissionCreated,
		OrganizationID: "org-1",
		IdempotencyKey: "msg-1",
	}
	if err := s.CreateEvent(ctx(), dup); !errors.Is(err, hookrelay.ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}

	// Events without keys never collide.
	for i := 0; i < 2; i++ {
		evt := &event.Event{
			Entity:         entity.New(),
			ID:             id.NewEventID(),
			Type:           event.TypeSubmissionCreated,
			OrganizationID: "org-1",
		}
		if err := s.CreateEvent(ctx(), evt); err != nil {
			t.Fatal(err)
		}
	}
}

// ──────────────────────────────────────────────────
// delivery.Store
// ──────────────────────────────────────────────────

func pendingDelivery(due time.Time) *delivery.Delivery {
	return &delivery.Delivery{
		Entity:      entity.New(),
		ID:          id.NewDeliveryID(),
		EventID:     id.NewEventID(),
		EndpointID:  id.NewEndpointID(),
		Status:      delivery.StatusPending,
		NextRetryAt: due,
	}
}

func TestDequeueClaimsDueOnly(t *testing.T) {
	s := New()

	due := pendingDelivery(time.Now().UTC().Add(-time.Second))
	future := pendingDelivery(time.Now().UTC().Add(time.Hour))
	for _, d := range []*delivery.Delivery{due, future} {
		if err := s.Enqueue(ctx(), d); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Dequeue(ctx(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("claimed %d deliveries", len(got))
	}
	if got[0].Status != delivery.StatusProcessing {
		t.Fatalf("claimed status = %s, want processing", got[0].Status)
	}

	// The claim is persistent: a second dequeue finds nothing.
	again, err := s.Dequeue(ctx(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("second dequeue claimed %d deliveries", len(again))
	}
}

func TestDequeueNoDoubleClaim(t *testing.T) {
	s := New()

	const n = 50
	for i := 0; i < n; i++ {
		if err := s.Enqueue(ctx(), pendingDelivery(time.Now().UTC())); err != nil {
			t.Fatal(err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.Dequeue(ctx(), 5)
				if err != nil {
					t.Error(err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, d := range batch {
					claimed[d.ID.String()]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != n {
		t.Fatalf("claimed %d distinct deliveries, want %d", len(claimed), n)
	}
	for delID, count := range claimed {
		if count != 1 {
			t.Fatalf("delivery %s claimed %d times", delID, count)
		}
	}
}

func TestDequeueReclaimsStaleProcessing(t *testing.T) {
	s := New()

	d := pendingDelivery(time.Now().UTC())
	if err := s.Enqueue(ctx(), d); err != nil {
		t.Fatal(err)
	}

	first, err := s.Dequeue(ctx(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("claimed %d", len(first))
	}

	// A fresh claim is invisible.
	if batch, _ := s.Dequeue(ctx(), 1); len(batch) != 0 {
		t.Fatal("fresh processing claim was re-claimed")
	}

	// Simulate a worker that died holding the claim.
	s.mu.Lock()
	s.deliveries[d.ID.String()].UpdatedAt = time.Now().UTC().Add(-2 * delivery.ProcessingVisibilityTimeout)
	s.mu.Unlock()

	batch, err := s.Dequeue(ctx(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 || batch[0].ID != d.ID {
		t.Fatal("stale processing claim was not reclaimed")
	}
}

func TestDequeueOrdersByDueTime(t *testing.T) {
	s := New()

	now := time.Now().UTC()
	late := pendingDelivery(now.Add(-time.Minute))
	early := pendingDelivery(now.Add(-time.Hour))
	for _, d := range []*delivery.Delivery{late, early} {
		if err := s.Enqueue(ctx(), d); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Dequeue(ctx(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != early.ID {
		t.Fatal("oldest due delivery was not claimed first")
	}
}

func TestAppendAndListLogs(t *testing.T) {
	s := New()

	d := pendingDelivery(time.Now().UTC())
	if err := s.Enqueue(ctx(), d); err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		err := s.AppendLog(ctx(), &delivery.Log{
			DeliveryID:     d.ID,
			Attempt:        attempt,
			ResponseStatus: 500,
			CreatedAt:      time.Now().UTC(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	logs, err := s.ListLogs(ctx(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 {
		t.Fatalf("got %d logs", len(logs))
	}
	for i, l := range logs {
		if l.Attempt != i+1 {
			t.Fatalf("logs out of attempt order: %d at index %d", l.Attempt, i)
		}
	}
}

func TestCountPending(t *testing.T) {
	s := New()

	if err := s.Enqueue(ctx(), pendingDelivery(time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	done := pendingDelivery(time.Now().UTC())
	done.Status = delivery.StatusSuccess
	if err := s.Enqueue(ctx(), done); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountPending(ctx())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
}

// ──────────────────────────────────────────────────
// dlq.Store
// ──────────────────────────────────────────────────

func TestMarkRedrivenSetOnce(t *testing.T) {
	s := New()

	entry := &dlq.Entry{
		Entity:     entity.New(),
		ID:         id.NewDLQID(),
		DeliveryID: id.NewDeliveryID(),
		EventID:    id.NewEventID(),
		EndpointID: id.NewEndpointID(),
		FailedAt:   time.Now().UTC(),
	}
	if err := s.PushDLQ(ctx(), entry); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkRedriven(ctx(), entry.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRedriven(ctx(), entry.ID, time.Now().UTC()); !errors.Is(err, hookrelay.ErrAlreadyRedriven) {
		t.Fatalf("expected ErrAlreadyRedriven, got %v", err)
	}
}

func TestMarkRedrivenConcurrent(t *testing.T) {
	s := New()

	entry := &dlq.Entry{
		Entity:     entity.New(),
		ID:         id.NewDLQID(),
		DeliveryID: id.NewDeliveryID(),
		EventID:    id.NewEventID(),
		EndpointID: id.NewEndpointID(),
		FailedAt:   time.Now().UTC(),
	}
	if err := s.PushDLQ(ctx(), entry); err != nil {
		t.Fatal(err)
	}

	var (
		wg   sync.WaitGroup
		wins sync.Map
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.MarkRedriven(ctx(), entry.ID, time.Now().UTC()); err == nil {
				wins.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	var winners int
	wins.Range(func(_, _ any) bool { winners++; return true })
	if winners != 1 {
		t.Fatalf("%d concurrent redrives won, want exactly 1", winners)
	}
}
