package endpoint

import (
	"context"

	"github.com/formlake/hookrelay/id"
)

// Store defines the persistence contract for webhook endpoints. From the
// delivery core's perspective this is the endpoint registry: Resolve and
// GetEndpoint are the read contract, IncrementStats the only write the core
// performs against endpoints (besides SetActive on 410 Gone).
type Store interface {
	// CreateEndpoint persists a new endpoint.
	CreateEndpoint(ctx context.Context, ep *Endpoint) error

	// GetEndpoint returns an endpoint by ID.
	GetEndpoint(ctx context.Context, epID id.ID) (*Endpoint, error)

	// UpdateEndpoint modifies an existing endpoint.
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error

	// DeleteEndpoint removes an endpoint.
	DeleteEndpoint(ctx context.Context, epID id.ID) error

	// ListEndpoints returns endpoints for an organization.
	ListEndpoints(ctx context.Context, organizationID string, opts ListOpts) ([]*Endpoint, error)

	// Resolve finds all active endpoints of an organization subscribed to the
	// event type. This is the hot path, called on every Dispatch.
	Resolve(ctx context.Context, organizationID string, eventType string) ([]*Endpoint, error)

	// SetActive activates or deactivates an endpoint without deleting it.
	SetActive(ctx context.Context, epID id.ID, active bool) error

	// IncrementStats atomically applies a counter delta to an endpoint.
	// Counters are monotonic; deltas are never negative.
	IncrementStats(ctx context.Context, epID id.ID, delta StatsDelta) error
}
