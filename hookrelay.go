package hookrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/formlake/hookrelay/delivery"
	"github.com/formlake/hookrelay/dlq"
	"github.com/formlake/hookrelay/endpoint"
	"github.com/formlake/hookrelay/event"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
	"github.com/formlake/hookrelay/observability"
	"github.com/formlake/hookrelay/store"
)

// Relay is the root webhook delivery orchestrator.
type Relay struct {
	config  Config
	store   store.Store
	limiter delivery.RateLimiter
	metrics *observability.Metrics
	tracer  *observability.Tracer

	endpointSvc *endpoint.Service
	dlqSvc      *dlq.Service
	engine      *delivery.Engine
	logger      *slog.Logger
}

// wireServices initializes the internal services after options have been applied.
func (r *Relay) wireServices() {
	r.endpointSvc = endpoint.NewService(r.store, r.logger)

	r.dlqSvc = dlq.NewService(r.store, r.store, r.store, r.logger)

	r.engine = delivery.NewEngine(r.store, r.dlqSvc, delivery.EngineConfig{
		Concurrency:    r.config.Concurrency,
		PollInterval:   r.config.PollInterval,
		BatchSize:      r.config.BatchSize,
		RequestTimeout: r.config.RequestTimeout,
		RetrySchedule:  r.config.RetrySchedule,
		RateLimiter:    r.limiter,
		Metrics:        r.metrics,
		Tracer:         r.tracer,
	}, r.logger)
}

// Start begins the delivery engine.
func (r *Relay) Start(ctx context.Context) {
	r.engine.Start(ctx)
}

// Stop gracefully shuts down the delivery engine.
func (r *Relay) Stop(ctx context.Context) {
	r.engine.Stop(ctx)
}

// Dispatch persists a submission event and fans out one pending delivery per
// matching endpoint.
//
// The critical path:
//  1. Reject unknown event types.
//  2. Persist the event (idempotency-key duplicates are a no-op success, so
//     re-queued platform messages never fan out twice).
//  3. Resolve active, subscribed endpoints for the organization. Partial
//     events only reach endpoints opted into partials.
//  4. Enqueue one delivery per endpoint. Deliveries are independent from
//     here on: one endpoint's failures never touch another's.
func (r *Relay) Dispatch(ctx context.Context, evt *event.Event) error {
	if !event.KnownType(evt.Type) {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, evt.Type)
	}

	evt.Entity = entity.New()
	evt.ID = id.NewEventID()

	if err := r.store.CreateEvent(ctx, evt); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil // idempotent: already processed
		}
		return fmt.Errorf("hookrelay: persist event: %w", err)
	}

	endpoints, err := r.store.Resolve(ctx, evt.OrganizationID, evt.Type)
	if err != nil {
		return fmt.Errorf("hookrelay: resolve endpoints: %w", err)
	}

	if len(endpoints) == 0 {
		return nil // no matching endpoints, nothing to deliver
	}

	now := time.Now().UTC()
	deliveries := make([]*delivery.Delivery, 0, len(endpoints))
	for _, ep := range endpoints {
		deliveries = append(deliveries, &delivery.Delivery{
			Entity:      entity.New(),
			ID:          id.NewDeliveryID(),
			EventID:     evt.ID,
			EndpointID:  ep.ID,
			Status:      delivery.StatusPending,
			NextRetryAt: now,
		})
	}

	if err := r.store.EnqueueBatch(ctx, deliveries); err != nil {
		return fmt.Errorf("hookrelay: enqueue deliveries: %w", err)
	}

	// Total counts at fan-out; success/failure only on terminal outcomes.
	// The gap between them is work still in flight.
	for _, ep := range endpoints {
		if statsErr := r.store.IncrementStats(ctx, ep.ID, endpoint.StatsDelta{Total: 1}); statsErr != nil {
			r.logger.ErrorContext(ctx, "increment endpoint stats failed",
				"endpoint_id", ep.ID, "error", statsErr)
		}
	}

	if r.metrics != nil {
		r.metrics.EventsDispatchedTotal.Inc()
		r.metrics.PendingDeliveries.Add(float64(len(deliveries)))
	}

	r.logger.DebugContext(ctx, "event dispatched",
		"event_id", evt.ID,
		"type", evt.Type,
		"endpoints", len(endpoints),
	)

	return nil
}

// TestDelivery enqueues a webhook.test delivery to a single endpoint so an
// operator can verify URL, signature secret, and receiver wiring.
func (r *Relay) TestDelivery(ctx context.Context, epID id.ID) (*delivery.Delivery, error) {
	ep, err := r.store.GetEndpoint(ctx, epID)
	if err != nil {
		return nil, err
	}
	if !ep.Active {
		return nil, ErrEndpointDisabled
	}

	evt := &event.Event{
		Entity:         entity.New(),
		ID:             id.NewEventID(),
		Type:           event.TypeWebhookTest,
		OrganizationID: ep.OrganizationID,
		Snapshot:       []byte(`{"test":true}`),
		IdempotencyKey: "test-" + uuid.NewString(),
	}
	if err := r.store.CreateEvent(ctx, evt); err != nil {
		return nil, fmt.Errorf("hookrelay: persist test event: %w", err)
	}

	d := &delivery.Delivery{
		Entity:      entity.New(),
		ID:          id.NewDeliveryID(),
		EventID:     evt.ID,
		EndpointID:  ep.ID,
		Status:      delivery.StatusPending,
		NextRetryAt: time.Now().UTC(),
	}
	if err := r.store.Enqueue(ctx, d); err != nil {
		return nil, fmt.Errorf("hookrelay: enqueue test delivery: %w", err)
	}

	if statsErr := r.store.IncrementStats(ctx, ep.ID, endpoint.StatsDelta{Total: 1}); statsErr != nil {
		r.logger.ErrorContext(ctx, "increment endpoint stats failed",
			"endpoint_id", ep.ID, "error", statsErr)
	}

	return d, nil
}

// RetryDelivery re-arms a terminally failed delivery for an immediate
// attempt. Only failed and dead_letter deliveries qualify; a dead-lettered
// delivery keeps its entry as the audit record of the earlier failure.
func (r *Relay) RetryDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	d, err := r.store.GetDelivery(ctx, delID)
	if err != nil {
		return nil, err
	}

	switch d.Status {
	case delivery.StatusFailed, delivery.StatusDeadLetter:
	default:
		return nil, fmt.Errorf("%w: status is %s", ErrDeliveryNotRetryable, d.Status)
	}

	d.Status = delivery.StatusPending
	d.NextRetryAt = time.Now().UTC()
	d.Touch()

	if err := r.store.UpdateDelivery(ctx, d); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "delivery re-armed", "delivery_id", d.ID)
	return d, nil
}

// Endpoints returns the endpoint management service.
func (r *Relay) Endpoints() *endpoint.Service {
	return r.endpointSvc
}

// DLQ returns the dead letter service.
func (r *Relay) DLQ() *dlq.Service {
	return r.dlqSvc
}

// Store returns the underlying store.
func (r *Relay) Store() store.Store {
	return r.store
}
