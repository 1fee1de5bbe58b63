package delivery_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/formlake/hookrelay/delivery"
	"github.com/formlake/hookrelay/endpoint"
	"github.com/formlake/hookrelay/event"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
	"github.com/formlake/hookrelay/store/memory"
)

// stubDLQ records dead letter pushes.
type stubDLQ struct {
	mu      sync.Mutex
	pushed  []*delivery.Delivery
	reasons []string
	bodies  [][]byte
	count   atomic.Int32
}

func (s *stubDLQ) Push(_ context.Context, d *delivery.Delivery, _ *endpoint.Endpoint, _ *event.Event, frozenPayload []byte, reason string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed = append(s.pushed, d)
	s.reasons = append(s.reasons, reason)
	s.bodies = append(s.bodies, frozenPayload)
	s.count.Add(1)
	return nil
}

// denyAll is a rate limiter that rejects every attempt.
type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, time.Duration) {
	return false, time.Minute
}

func setupEngine(t *testing.T, handler http.Handler, dlq delivery.DeadLetterer) (*memory.Store, *delivery.Engine, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := memory.New()
	cfg := delivery.EngineConfig{
		Concurrency:    2,
		PollInterval:   20 * time.Millisecond,
		BatchSize:      10,
		RequestTimeout: 5 * time.Second,
		RetrySchedule:  []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond},
	}

	engine := delivery.NewEngine(store, dlq, cfg, nil)
	return store, engine, srv
}

type seedOpts struct {
	active       bool
	retryEnabled bool
	maxRetries   int
	snapshot     json.RawMessage
}

func seedDelivery(t *testing.T, store *memory.Store, url string, opts seedOpts) (*endpoint.Endpoint, *delivery.Delivery) {
	t.Helper()
	ctx := context.Background()

	ep := &endpoint.Endpoint{
		Entity:         entity.New(),
		ID:             id.NewEndpointID(),
		OrganizationID: "org-1",
		URL:            url,
		Secret:         testSecret,
		Active:         opts.active,
		RetryEnabled:   opts.retryEnabled,
		MaxRetries:     opts.maxRetries,
	}
	if err := store.CreateEndpoint(ctx, ep); err != nil {
		t.Fatal(err)
	}

	snapshot := opts.snapshot
	if snapshot == nil {
		snapshot = json.RawMessage(`{"name":"Ada"}`)
	}
	evt := &event.Event{
		Entity:         entity.New(),
		ID:             id.NewEventID(),
		Type:           event.TypeSubmissionCreated,
		OrganizationID: "org-1",
		FormID:         "form-1",
		SubmissionID:   "sub-1",
		Snapshot:       snapshot,
	}
	if err := store.CreateEvent(ctx, evt); err != nil {
		t.Fatal(err)
	}

	del := &delivery.Delivery{
		Entity:      entity.New(),
		ID:          id.NewDeliveryID(),
		EventID:     evt.ID,
		EndpointID:  ep.ID,
		Status:      delivery.StatusPending,
		NextRetryAt: time.Now().UTC(),
	}
	if err := store.Enqueue(ctx, del); err != nil {
		t.Fatal(err)
	}

	return ep, del
}

func waitForStatus(t *testing.T, store *memory.Store, delID id.ID, want delivery.Status) *delivery.Delivery {
	t.Helper()
	ctx := context.Background()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			got, _ := store.GetDelivery(ctx, delID)
			t.Fatalf("timeout waiting for status %s, delivery: %+v", want, got)
		default:
		}

		got, err := store.GetDelivery(ctx, delID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngineDeliversSuccessfully(t *testing.T) {
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	dlq := &stubDLQ{}
	store, engine, srv := setupEngine(t, handler, dlq)

	_, del := seedDelivery(t, store, srv.URL, seedOpts{active: true, retryEnabled: true, maxRetries: 3})

	ctx := context.Background()
	engine.Start(ctx)
	got := waitForStatus(t, store, del.ID, delivery.StatusSuccess)
	engine.Stop(ctx)

	if hits.Load() != 1 {
		t.Fatalf("expected 1 request, got %d", hits.Load())
	}
	if got.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", got.Attempt)
	}
	if got.DeliveredAt == nil {
		t.Fatal("DeliveredAt not set")
	}
	if got.ResponseCode != http.StatusOK {
		t.Fatalf("response code = %d", got.ResponseCode)
	}
	if dlq.count.Load() != 0 {
		t.Fatal("expected no dead letter pushes")
	}

	ep, err := store.GetEndpoint(ctx, del.EndpointID)
	if err != nil {
		t.Fatal(err)
	}
	if ep.SuccessfulDeliveries != 1 || ep.FailedDeliveries != 0 {
		t.Fatalf("stats = %d/%d, want 1/0", ep.SuccessfulDeliveries, ep.FailedDeliveries)
	}
}

func TestEngineRetriesAndSucceeds(t *testing.T) {
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	dlq := &stubDLQ{}
	store, engine, srv := setupEngine(t, handler, dlq)

	_, del := seedDelivery(t, store, srv.URL, seedOpts{active: true, retryEnabled: true, maxRetries: 5})

	ctx := context.Background()
	engine.Start(ctx)
	got := waitForStatus(t, store, del.ID, delivery.StatusSuccess)
	engine.Stop(ctx)

	if got.Attempt != 3 {
		t.Fatalf("attempt = %d, want 3", got.Attempt)
	}
	if got.Error != "" {
		t.Fatalf("error not cleared on success: %q", got.Error)
	}
	if dlq.count.Load() != 0 {
		t.Fatal("expected no dead letter pushes")
	}

	// One log row per physical attempt.
	logs, err := store.ListLogs(ctx, del.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 log rows, got %d", len(logs))
	}
}

func TestEngineDeadLettersOn404(t *testing.T) {
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	dlq := &stubDLQ{}
	store, engine, srv := setupEngine(t, handler, dlq)

	_, del := seedDelivery(t, store, srv.URL, seedOpts{active: true, retryEnabled: true, maxRetries: 5})

	ctx := context.Background()
	engine.Start(ctx)
	got := waitForStatus(t, store, del.ID, delivery.StatusDeadLetter)
	engine.Stop(ctx)

	// Non-retryable 4xx: exactly one attempt, no backoff ladder.
	if hits.Load() != 1 {
		t.Fatalf("expected 1 request, got %d", hits.Load())
	}
	if got.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", got.Attempt)
	}
	if dlq.count.Load() != 1 {
		t.Fatalf("expected 1 dead letter push, got %d", dlq.count.Load())
	}

	ep, err := store.GetEndpoint(ctx, del.EndpointID)
	if err != nil {
		t.Fatal(err)
	}
	if ep.FailedDeliveries != 1 {
		t.Fatalf("failed deliveries = %d, want 1", ep.FailedDeliveries)
	}
}

func TestEngineExhaustsRetriesThenDeadLetters(t *testing.T) {
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	dlq := &stubDLQ{}
	store, engine, srv := setupEngine(t, handler, dlq)

	_, del := seedDelivery(t, store, srv.URL, seedOpts{active: true, retryEnabled: true, maxRetries: 3})

	ctx := context.Background()
	engine.Start(ctx)
	got := waitForStatus(t, store, del.ID, delivery.StatusDeadLetter)
	engine.Stop(ctx)

	if got.Attempt != 3 {
		t.Fatalf("attempt = %d, want 3", got.Attempt)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 requests, got %d", hits.Load())
	}
	if dlq.count.Load() != 1 {
		t.Fatalf("expected 1 dead letter push, got %d", dlq.count.Load())
	}
}

func TestEngineDisablesEndpointOn410(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	dlq := &stubDLQ{}
	store, engine, srv := setupEngine(t, handler, dlq)

	_, del := seedDelivery(t, store, srv.URL, seedOpts{active: true, retryEnabled: true, maxRetries: 5})

	ctx := context.Background()
	engine.Start(ctx)
	waitForStatus(t, store, del.ID, delivery.StatusDeadLetter)
	engine.Stop(ctx)

	ep, err := store.GetEndpoint(ctx, del.EndpointID)
	if err != nil {
		t.Fatal(err)
	}
	if ep.Active {
		t.Fatal("endpoint should be deactivated after 410")
	}
	if dlq.count.Load() != 1 {
		t.Fatalf("expected 1 dead letter push, got %d", dlq.count.Load())
	}
}

func TestEngineAbandonsDeactivatedEndpoint(t *testing.T) {
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	dlq := &stubDLQ{}
	store, engine, srv := setupEngine(t, handler, dlq)

	_, del := seedDelivery(t, store, srv.URL, seedOpts{active: false, retryEnabled: true, maxRetries: 5})

	ctx := context.Background()
	engine.Start(ctx)
	got := waitForStatus(t, store, del.ID, delivery.StatusFailed)
	engine.Stop(ctx)

	if hits.Load() != 0 {
		t.Fatalf("expected no requests, got %d", hits.Load())
	}
	if got.Error != "endpoint deactivated" {
		t.Fatalf("error = %q", got.Error)
	}
	// Abandonment produces no dead letter entry and no failure stat.
	if dlq.count.Load() != 0 {
		t.Fatal("expected no dead letter pushes")
	}
	ep, err := store.GetEndpoint(ctx, del.EndpointID)
	if err != nil {
		t.Fatal(err)
	}
	if ep.FailedDeliveries != 0 {
		t.Fatalf("failed deliveries = %d, want 0", ep.FailedDeliveries)
	}
}

func TestEngineRejectsOversizedPayloadWithoutHTTP(t *testing.T) {
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	dlq := &stubDLQ{}
	store, engine, srv := setupEngine(t, handler, dlq)

	// Snapshot big enough that the full payload crosses the cap.
	big, err := json.Marshal(map[string]string{"blob": string(make([]byte, 1<<20))})
	if err != nil {
		t.Fatal(err)
	}
	_, del := seedDelivery(t, store, srv.URL, seedOpts{
		active:       true,
		retryEnabled: true,
		maxRetries:   5,
		snapshot:     big,
	})

	ctx := context.Background()
	engine.Start(ctx)
	got := waitForStatus(t, store, del.ID, delivery.StatusDeadLetter)
	engine.Stop(ctx)

	if hits.Load() != 0 {
		t.Fatalf("expected no requests for oversized payload, got %d", hits.Load())
	}
	if dlq.count.Load() != 1 {
		t.Fatalf("expected 1 dead letter push, got %d", dlq.count.Load())
	}
	if got.Error == "" {
		t.Fatal("expected rejection reason on delivery")
	}

	// The rejection still leaves an audit log row.
	logs, err := store.ListLogs(ctx, del.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log row, got %d", len(logs))
	}
	if logs[0].ResponseStatus != 0 {
		t.Fatalf("log response status = %d, want 0", logs[0].ResponseStatus)
	}
}

func TestEngineDefersRateLimitedDelivery(t *testing.T) {
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	dlq := &stubDLQ{}
	store, engine, srv := setupEngine(t, handler, dlq)
	engine = delivery.NewEngine(store, dlq, delivery.EngineConfig{
		Concurrency:    2,
		PollInterval:   20 * time.Millisecond,
		BatchSize:      10,
		RequestTimeout: 5 * time.Second,
		RetrySchedule:  []time.Duration{0},
		RateLimiter:    denyAll{},
	}, nil)

	_, del := seedDelivery(t, store, srv.URL, seedOpts{active: true, retryEnabled: true, maxRetries: 5})

	ctx := context.Background()
	engine.Start(ctx)
	time.Sleep(200 * time.Millisecond)
	engine.Stop(ctx)

	got, err := store.GetDelivery(ctx, del.ID)
	if err != nil {
		t.Fatal(err)
	}
	// A deferral is not an attempt: no request, no attempt counter, re-armed
	// pending past the window.
	if hits.Load() != 0 {
		t.Fatalf("expected no requests, got %d", hits.Load())
	}
	if got.Status != delivery.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Attempt != 0 {
		t.Fatalf("attempt = %d, want 0", got.Attempt)
	}
	if !got.NextRetryAt.After(time.Now().UTC().Add(30 * time.Second)) {
		t.Fatalf("NextRetryAt = %v, want pushed past the window", got.NextRetryAt)
	}

	logs, err := store.ListLogs(ctx, del.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected no log rows for a deferral, got %d", len(logs))
	}
}

func TestEngineFrozenPayloadMatchesSent(t *testing.T) {
	var (
		mu   sync.Mutex
		sent []byte
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		sent = body
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	})

	dlq := &stubDLQ{}
	store, engine, srv := setupEngine(t, handler, dlq)

	_, del := seedDelivery(t, store, srv.URL, seedOpts{active: true, retryEnabled: true, maxRetries: 5})

	ctx := context.Background()
	engine.Start(ctx)
	waitForStatus(t, store, del.ID, delivery.StatusDeadLetter)
	engine.Stop(ctx)

	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	if len(dlq.bodies) != 1 {
		t.Fatalf("expected 1 frozen payload, got %d", len(dlq.bodies))
	}
	mu.Lock()
	defer mu.Unlock()
	if string(dlq.bodies[0]) != string(sent) {
		t.Fatal("frozen payload differs from the bytes sent on the wire")
	}
}
