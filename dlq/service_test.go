package dlq_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/delivery"
	"github.com/formlake/hookrelay/dlq"
	"github.com/formlake/hookrelay/endpoint"
	"github.com/formlake/hookrelay/event"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
	"github.com/formlake/hookrelay/store/memory"
)

func setup(t *testing.T) (*dlq.Service, *memory.Store) {
	t.Helper()
	s := memory.New()
	return dlq.NewService(s, s, s, nil), s
}

func seedFailed(t *testing.T, s *memory.Store) (*endpoint.Endpoint, *event.Event, *delivery.Delivery) {
	t.Helper()
	ctx := context.Background()

	ep := &endpoint.Endpoint{
		Entity:         entity.New(),
		ID:             id.NewEndpointID(),
		OrganizationID: "org-1",
		URL:            "https://example.com/hook",
		Secret:         "whsec_test",
		Active:         true,
	}
	if err := s.CreateEndpoint(ctx, ep); err != nil {
		t.Fatal(err)
	}

	evt := &event.Event{
		Entity:         entity.New(),
		ID:             id.NewEventID(),
		Type:           event.TypeSubmissionCreated,
		OrganizationID: "org-1",
		FormID:         "form-1",
		SubmissionID:   "sub-1",
		Snapshot:       json.RawMessage(`{"name":"Ada"}`),
	}
	if err := s.CreateEvent(ctx, evt); err != nil {
		t.Fatal(err)
	}

	d := &delivery.Delivery{
		Entity:     entity.New(),
		ID:         id.NewDeliveryID(),
		EventID:    evt.ID,
		EndpointID: ep.ID,
		Status:     delivery.StatusDeadLetter,
		Attempt:    7,
	}
	if err := s.Enqueue(ctx, d); err != nil {
		t.Fatal(err)
	}

	return ep, evt, d
}

func TestPushAndGet(t *testing.T) {
	svc, s := setup(t)
	ctx := context.Background()

	ep, evt, d := seedFailed(t, s)
	frozen := []byte(`{"webhookId":"ep_x","type":"submission.completed"}`)

	if err := svc.Push(ctx, d, ep, evt, frozen, "endpoint returned 503 Service Unavailable", 503); err != nil {
		t.Fatal(err)
	}

	entries, err := svc.List(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	entry := entries[0]
	if entry.DeliveryID != d.ID {
		t.Fatal("entry does not reference the failed delivery")
	}
	if entry.Attempts != 7 {
		t.Fatalf("attempts = %d, want 7", entry.Attempts)
	}
	if entry.LastStatusCode != 503 {
		t.Fatalf("last status = %d, want 503", entry.LastStatusCode)
	}
	if string(entry.Payload) != string(frozen) {
		t.Fatal("payload was not frozen verbatim")
	}
	if entry.Redriven() {
		t.Fatal("fresh entry should not be redriven")
	}
}

func TestRedriveCreatesFreshDelivery(t *testing.T) {
	svc, s := setup(t)
	ctx := context.Background()

	ep, evt, d := seedFailed(t, s)
	if err := svc.Push(ctx, d, ep, evt, []byte(`{}`), "boom", 500); err != nil {
		t.Fatal(err)
	}
	entries, _ := svc.List(ctx, dlq.ListOpts{})
	entry := entries[0]

	fresh, err := svc.Redrive(ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}

	if fresh.ID == d.ID {
		t.Fatal("redrive must create a new delivery, not revive the old one")
	}
	if fresh.Status != delivery.StatusPending {
		t.Fatalf("status = %s, want pending", fresh.Status)
	}
	if fresh.Attempt != 0 {
		t.Fatalf("attempt = %d, want 0", fresh.Attempt)
	}
	if fresh.EventID != d.EventID || fresh.EndpointID != d.EndpointID {
		t.Fatal("fresh delivery must target the same event and endpoint")
	}

	// Original delivery stays dead_letter.
	orig, err := s.GetDelivery(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if orig.Status != delivery.StatusDeadLetter {
		t.Fatalf("original status = %s, want dead_letter", orig.Status)
	}

	// Entry is marked redriven.
	got, err := svc.Get(ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Redriven() {
		t.Fatal("entry should be marked redriven")
	}

	// Redrive counts as a new fan-out against the endpoint total.
	epGot, err := s.GetEndpoint(ctx, ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if epGot.TotalDeliveries != 1 {
		t.Fatalf("total deliveries = %d, want 1", epGot.TotalDeliveries)
	}
}

func TestRedriveTwiceRejected(t *testing.T) {
	svc, s := setup(t)
	ctx := context.Background()

	ep, evt, d := seedFailed(t, s)
	if err := svc.Push(ctx, d, ep, evt, []byte(`{}`), "boom", 500); err != nil {
		t.Fatal(err)
	}
	entries, _ := svc.List(ctx, dlq.ListOpts{})

	if _, err := svc.Redrive(ctx, entries[0].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Redrive(ctx, entries[0].ID); !errors.Is(err, hookrelay.ErrAlreadyRedriven) {
		t.Fatalf("expected ErrAlreadyRedriven, got %v", err)
	}
}

func TestRedriveUnknownEntry(t *testing.T) {
	svc, _ := setup(t)

	_, err := svc.Redrive(context.Background(), id.NewDLQID())
	if !errors.Is(err, hookrelay.ErrDLQNotFound) {
		t.Fatalf("expected ErrDLQNotFound, got %v", err)
	}
}

func TestRedriveBulk(t *testing.T) {
	svc, s := setup(t)
	ctx := context.Background()

	ep, evt, _ := seedFailed(t, s)
	for i := 0; i < 5; i++ {
		d := &delivery.Delivery{
			Entity:     entity.New(),
			ID:         id.NewDeliveryID(),
			EventID:    evt.ID,
			EndpointID: ep.ID,
			Status:     delivery.StatusDeadLetter,
			Attempt:    1,
		}
		if err := s.Enqueue(ctx, d); err != nil {
			t.Fatal(err)
		}
		if err := svc.Push(ctx, d, ep, evt, []byte(`{}`), "boom", 500); err != nil {
			t.Fatal(err)
		}
	}

	n, err := svc.RedriveBulk(ctx, dlq.BulkOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("redriven = %d, want 5", n)
	}

	// Everything is marked redriven; a second pass finds nothing.
	n, err = svc.RedriveBulk(ctx, dlq.BulkOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("second pass redriven = %d, want 0", n)
	}

	remaining, err := svc.List(ctx, dlq.ListOpts{NotRedriven: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no not-redriven entries, got %d", len(remaining))
	}
}

func TestRedriveBulkLimit(t *testing.T) {
	svc, s := setup(t)
	ctx := context.Background()

	ep, evt, _ := seedFailed(t, s)
	for i := 0; i < 4; i++ {
		d := &delivery.Delivery{
			Entity:     entity.New(),
			ID:         id.NewDeliveryID(),
			EventID:    evt.ID,
			EndpointID: ep.ID,
			Status:     delivery.StatusDeadLetter,
			Attempt:    1,
		}
		if err := s.Enqueue(ctx, d); err != nil {
			t.Fatal(err)
		}
		if err := svc.Push(ctx, d, ep, evt, []byte(`{}`), "boom", 500); err != nil {
			t.Fatal(err)
		}
	}

	n, err := svc.RedriveBulk(ctx, dlq.BulkOpts{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("redriven = %d, want 2", n)
	}
}

func TestPurge(t *testing.T) {
	svc, s := setup(t)
	ctx := context.Background()

	ep, evt, d := seedFailed(t, s)
	if err := svc.Push(ctx, d, ep, evt, []byte(`{}`), "boom", 500); err != nil {
		t.Fatal(err)
	}

	// Nothing is older than an hour ago.
	n, err := svc.Purge(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("purged = %d, want 0", n)
	}

	n, err = svc.Purge(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}

	count, err := svc.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
}
