package dlq

import (
	"context"
	"time"

	"github.com/formlake/hookrelay/id"
)

// Store defines the persistence contract for the dead letter queue.
type Store interface {
	// PushDLQ persists a new dead letter entry.
	PushDLQ(ctx context.Context, entry *Entry) error

	// GetDLQ returns an entry by ID.
	GetDLQ(ctx context.Context, dlqID id.ID) (*Entry, error)

	// ListDLQ returns entries, optionally filtered.
	ListDLQ(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// MarkRedriven sets RedrivenAt iff it is not already set. Returns
	// ErrAlreadyRedriven when another redrive won the race.
	MarkRedriven(ctx context.Context, dlqID id.ID, at time.Time) error

	// PurgeDLQ deletes entries older than the threshold.
	PurgeDLQ(ctx context.Context, before time.Time) (int64, error)

	// CountDLQ returns the total number of entries.
	CountDLQ(ctx context.Context) (int64, error)
}
