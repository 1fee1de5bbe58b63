// Package delivery implements the webhook delivery state machine: one
// Delivery per (endpoint, event) pair, driven from pending through processing
// to a terminal success or dead_letter outcome, with an immutable log row per
// physical attempt.
package delivery

import (
	"time"

	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

// Status represents the current state of a delivery.
//
// Transitions: pending → processing → success | failed | dead_letter, with
// failed flipping back to pending when a retry is scheduled. The
// pending→processing transition is an atomic claim in the store; it is what
// prevents two workers from double-sending the same attempt.
type Status string

const (
	// StatusPending indicates the delivery is awaiting its next attempt.
	StatusPending Status = "pending"

	// StatusProcessing indicates an attempt is in flight.
	StatusProcessing Status = "processing"

	// StatusSuccess indicates the delivery was accepted by the receiver. Terminal.
	StatusSuccess Status = "success"

	// StatusFailed indicates the delivery was abandoned without a dead letter
	// entry (endpoint deactivated mid-flight, missing event). Terminal.
	StatusFailed Status = "failed"

	// StatusDeadLetter indicates the delivery permanently failed and owns
	// exactly one dead letter entry. Terminal.
	StatusDeadLetter Status = "dead_letter"
)

// Delivery represents one attempt-series delivering an event to an endpoint.
type Delivery struct {
	entity.Entity

	// ID is the unique TypeID for this delivery. Receivers use it to
	// de-duplicate (delivery is at-least-once).
	ID id.ID `json:"id"`

	// EventID references the triggering event. The event carries the
	// submission or partial reference; an event with neither is a test send.
	EventID id.ID `json:"event_id"`

	// EndpointID references the target endpoint.
	EndpointID id.ID `json:"endpoint_id"`

	// Status is the current state machine position.
	Status Status `json:"status"`

	// Attempt counts physical HTTP attempts made so far (1 on first send).
	Attempt int `json:"attempt"`

	// ResponseCode is the HTTP status of the last attempt, 0 before any
	// attempt or on connection failure.
	ResponseCode int `json:"response_code,omitempty"`

	// ResponseTimeMs is the duration of the last attempt.
	ResponseTimeMs int `json:"response_time_ms,omitempty"`

	// Error is the last failure description; empty on success.
	Error string `json:"error,omitempty"`

	// NextRetryAt is when the next attempt becomes due. Zero when the
	// delivery is not awaiting a retry.
	NextRetryAt time.Time `json:"next_retry_at"`

	// PayloadSizeBytes is the serialized payload size of the last attempt.
	PayloadSizeBytes int `json:"payload_size_bytes,omitempty"`

	// DeliveredAt is set exactly when Status becomes success.
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Terminal reports whether the delivery has reached a final state.
func (d *Delivery) Terminal() bool {
	switch d.Status {
	case StatusSuccess, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// ListOpts configures filtering and pagination for delivery listing.
type ListOpts struct {
	Offset int
	Limit  int
	Status *Status
}
