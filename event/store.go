package event

import (
	"context"

	"github.com/formlake/hookrelay/id"
)

// Store defines the persistence contract for submission events.
type Store interface {
	// CreateEvent persists an event. Must be durable before returning.
	// Returns ErrDuplicateIdempotencyKey when the key has been seen before.
	CreateEvent(ctx context.Context, evt *Event) error

	// GetEvent returns an event by ID.
	GetEvent(ctx context.Context, evtID id.ID) (*Event, error)

	// ListEvents returns events, optionally filtered by type, organization, or time range.
	ListEvents(ctx context.Context, opts ListOpts) ([]*Event, error)
}
