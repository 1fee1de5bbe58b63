package delivery

import (
	"context"
	"time"

	"github.com/formlake/hookrelay/id"
)

// ProcessingVisibilityTimeout is how long a processing claim is honoured.
// A worker that crashes mid-attempt leaves its delivery in processing; once
// the claim is older than this, Dequeue may hand the delivery to another
// worker (the receiver-side delivery ID de-duplicates the rare double-send).
const ProcessingVisibilityTimeout = 5 * time.Minute

// Store defines the persistence contract for webhook deliveries.
type Store interface {
	// Enqueue creates a pending delivery.
	Enqueue(ctx context.Context, d *Delivery) error

	// EnqueueBatch creates multiple deliveries atomically (fan-out).
	EnqueueBatch(ctx context.Context, ds []*Delivery) error

	// Dequeue claims up to limit pending deliveries whose NextRetryAt is due,
	// atomically flipping each from pending to processing. Two concurrent
	// callers must never claim the same delivery (SKIP LOCKED or an
	// equivalent compare-and-set). Processing claims older than
	// ProcessingVisibilityTimeout are re-claimable (crash recovery).
	Dequeue(ctx context.Context, limit int) ([]*Delivery, error)

	// UpdateDelivery persists a delivery's mutable fields. Only the worker
	// holding the processing claim may call this for an in-flight delivery.
	UpdateDelivery(ctx context.Context, d *Delivery) error

	// GetDelivery returns a delivery by ID.
	GetDelivery(ctx context.Context, delID id.ID) (*Delivery, error)

	// ListByEndpoint returns delivery history for an endpoint.
	ListByEndpoint(ctx context.Context, epID id.ID, opts ListOpts) ([]*Delivery, error)

	// ListByEvent returns all deliveries for a specific event.
	ListByEvent(ctx context.Context, evtID id.ID) ([]*Delivery, error)

	// CountPending returns the number of deliveries awaiting attempt.
	CountPending(ctx context.Context) (int64, error)

	// AppendLog durably records one attempt. Logs are immutable once written.
	AppendLog(ctx context.Context, l *Log) error

	// ListLogs returns a delivery's attempt records in attempt order.
	ListLogs(ctx context.Context, delID id.ID) ([]*Log, error)
}
