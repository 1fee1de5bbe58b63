// Package endpoint manages webhook delivery targets registered by organizations.
package endpoint

import (
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

// Endpoint represents a webhook delivery target owned by an organization.
type Endpoint struct {
	entity.Entity

	// ID is the unique TypeID for this endpoint.
	ID id.ID `json:"id"`

	// OrganizationID identifies the organization that owns this endpoint.
	OrganizationID string `json:"organization_id"`

	// URL is the webhook delivery URL.
	URL string `json:"url"`

	// Description is a human-readable description of this endpoint.
	Description string `json:"description"`

	// Secret is the HMAC signing secret for this endpoint. Never serialized.
	Secret string `json:"-"`

	// Events is the set of event types this endpoint subscribes to.
	// An empty set subscribes to all event types.
	Events []string `json:"events"`

	// IncludePartials controls whether partial-submission events are delivered.
	IncludePartials bool `json:"include_partials"`

	// Active indicates whether the endpoint receives deliveries. Deactivating
	// an endpoint short-circuits its in-flight deliveries on their next
	// scheduling check.
	Active bool `json:"active"`

	// RetryEnabled controls whether failed deliveries are retried.
	RetryEnabled bool `json:"retry_enabled"`

	// MaxRetries is the maximum number of attempts before dead-lettering.
	MaxRetries int `json:"max_retries"`

	// Headers are custom HTTP headers merged into every delivery request.
	Headers map[string]string `json:"headers,omitempty"`

	// Delivery counters. Monotonic: TotalDeliveries increments at fan-out,
	// the other two only on terminal outcomes, so
	// Successful + Failed <= Total always holds (the gap is in-flight work).
	TotalDeliveries      int64 `json:"total_deliveries"`
	SuccessfulDeliveries int64 `json:"successful_deliveries"`
	FailedDeliveries     int64 `json:"failed_deliveries"`
}

// StatsDelta is an atomic increment applied to an endpoint's delivery counters.
type StatsDelta struct {
	Total      int64
	Successful int64
	Failed     int64
}

// ListOpts configures filtering and pagination for endpoint listing.
type ListOpts struct {
	Offset     int
	Limit      int
	ActiveOnly bool
}
