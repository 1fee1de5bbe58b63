// Package dlq persists permanently failed deliveries and supports redriving
// them as fresh deliveries.
package dlq

import (
	"encoding/json"
	"time"

	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

// Entry records one permanently failed delivery. Exactly one entry exists
// per dead_letter delivery. The payload is frozen at failure time: endpoint
// and organization config may change later, but the entry keeps showing what
// would have been sent.
type Entry struct {
	entity.Entity

	// ID is the unique TypeID for this entry.
	ID id.ID `json:"id"`

	// DeliveryID references the failed delivery.
	DeliveryID id.ID `json:"delivery_id"`

	// EventID references the triggering event.
	EventID id.ID `json:"event_id"`

	// EndpointID references the target endpoint.
	EndpointID id.ID `json:"endpoint_id"`

	// EventType is the inbound event type, for filtering.
	EventType string `json:"event_type"`

	// OrganizationID identifies the owning organization.
	OrganizationID string `json:"organization_id"`

	// URL is the endpoint URL at the time of failure.
	URL string `json:"url"`

	// Payload is the exact body bytes the failed attempt would have sent.
	Payload json.RawMessage `json:"payload"`

	// Reason is the failure description from the final attempt.
	Reason string `json:"reason"`

	// Attempts is the total number of attempts made.
	Attempts int `json:"attempts"`

	// LastStatusCode is the HTTP status from the final attempt, 0 for
	// connection failures and pre-flight rejections.
	LastStatusCode int `json:"last_status_code,omitempty"`

	// RedrivenAt is set once, when the entry is redriven. A redriven entry
	// is immutable; redrive creates a new delivery rather than reviving the
	// old one.
	RedrivenAt *time.Time `json:"redriven_at,omitempty"`

	// FailedAt is when the delivery permanently failed.
	FailedAt time.Time `json:"failed_at"`
}

// Redriven reports whether this entry has already been redriven.
func (e *Entry) Redriven() bool {
	return e.RedrivenAt != nil
}

// ListOpts configures filtering and pagination for dead letter listing.
type ListOpts struct {
	Offset         int
	Limit          int
	OrganizationID string
	EndpointID     *id.ID
	NotRedriven    bool
	From           *time.Time
	To             *time.Time
}
