package dlq

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/formlake/hookrelay/delivery"
	"github.com/formlake/hookrelay/endpoint"
	"github.com/formlake/hookrelay/event"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

// bulkRedriveConcurrency bounds how many entries a bulk redrive processes at
// once.
const bulkRedriveConcurrency = 8

// BulkOpts configures a bulk redrive pass.
type BulkOpts struct {
	// EndpointID restricts the pass to one endpoint when set.
	EndpointID *id.ID

	// Limit caps how many entries are redriven. Zero applies a default of 100.
	Limit int
}

// Service manages the dead letter queue.
type Service struct {
	store      Store
	deliveries delivery.Store
	endpoints  endpoint.Store
	logger     *slog.Logger
}

// NewService creates a new dead letter service. The three store arguments
// are usually the same composite store.
func NewService(store Store, deliveries delivery.Store, endpoints endpoint.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		deliveries: deliveries,
		endpoints:  endpoints,
		logger:     logger,
	}
}

// Push creates a dead letter entry from a permanently failed delivery.
// Implements delivery.DeadLetterer. frozenPayload is stored verbatim so a
// later redrive re-sends byte-identical body content.
func (svc *Service) Push(ctx context.Context, d *delivery.Delivery, ep *endpoint.Endpoint, evt *event.Event, frozenPayload []byte, reason string, lastStatusCode int) error {
	entry := &Entry{
		Entity:         entity.New(),
		ID:             id.NewDLQID(),
		DeliveryID:     d.ID,
		EventID:        d.EventID,
		EndpointID:     d.EndpointID,
		EventType:      evt.Type,
		OrganizationID: ep.OrganizationID,
		URL:            ep.URL,
		Payload:        frozenPayload,
		Reason:         reason,
		Attempts:       d.Attempt,
		LastStatusCode: lastStatusCode,
		FailedAt:       time.Now().UTC(),
	}

	return svc.store.PushDLQ(ctx, entry)
}

// Get returns a dead letter entry by ID.
func (svc *Service) Get(ctx context.Context, dlqID id.ID) (*Entry, error) {
	return svc.store.GetDLQ(ctx, dlqID)
}

// List returns dead letter entries matching the given options.
func (svc *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	return svc.store.ListDLQ(ctx, opts)
}

// Redrive re-injects a dead-lettered delivery as a brand-new pending
// delivery with the attempt counter reset. The entry is marked redriven
// first (set-once, compare-and-set) so concurrent redrives cannot fan out
// duplicates; the original delivery and the entry are never mutated again.
//
// Redriving an entry whose endpoint has since been deactivated still
// succeeds: the fresh delivery short-circuits on its first scheduling check.
func (svc *Service) Redrive(ctx context.Context, dlqID id.ID) (*delivery.Delivery, error) {
	entry, err := svc.store.GetDLQ(ctx, dlqID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := svc.store.MarkRedriven(ctx, entry.ID, now); err != nil {
		return nil, err
	}

	d := &delivery.Delivery{
		Entity:      entity.New(),
		ID:          id.NewDeliveryID(),
		EventID:     entry.EventID,
		EndpointID:  entry.EndpointID,
		Status:      delivery.StatusPending,
		Attempt:     0,
		NextRetryAt: now,
	}

	if err := svc.deliveries.Enqueue(ctx, d); err != nil {
		return nil, err
	}

	if err := svc.endpoints.IncrementStats(ctx, entry.EndpointID, endpoint.StatsDelta{Total: 1}); err != nil {
		svc.logger.ErrorContext(ctx, "increment endpoint stats failed",
			"endpoint_id", entry.EndpointID, "error", err)
	}

	svc.logger.InfoContext(ctx, "dead letter redriven",
		"dlq_id", entry.ID, "original_delivery_id", entry.DeliveryID, "new_delivery_id", d.ID)

	return d, nil
}

// RedriveBulk redrives up to opts.Limit not-yet-redriven entries, optionally
// filtered by endpoint. Entries are redriven independently: one failure is
// logged and skipped, never aborting the rest. Returns how many were
// redriven.
func (svc *Service) RedriveBulk(ctx context.Context, opts BulkOpts) (int64, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	entries, err := svc.store.ListDLQ(ctx, ListOpts{
		Limit:       limit,
		EndpointID:  opts.EndpointID,
		NotRedriven: true,
	})
	if err != nil {
		return 0, err
	}

	var redriven atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkRedriveConcurrency)

	for _, entry := range entries {
		g.Go(func() error {
			if _, err := svc.Redrive(ctx, entry.ID); err != nil {
				svc.logger.WarnContext(ctx, "bulk redrive entry skipped",
					"dlq_id", entry.ID, "error", err)
				return nil
			}
			redriven.Add(1)
			return nil
		})
	}

	_ = g.Wait()

	return redriven.Load(), nil
}

// Purge removes entries older than the threshold (external housekeeping).
func (svc *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	return svc.store.PurgeDLQ(ctx, before)
}

// Count returns the total number of dead letter entries.
func (svc *Service) Count(ctx context.Context) (int64, error) {
	return svc.store.CountDLQ(ctx)
}
