// Package event defines the submission event that triggers webhook fan-out.
//
// Events are produced by the surrounding forms platform when a submission is
// completed or partially saved, and by the admin surface for endpoint test
// sends. The snapshot is frozen at event creation so retries and redrives
// deliver exactly what existed when the trigger fired.
package event

import (
	"encoding/json"
	"time"

	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

// Inbound event types. The set is closed; Dispatch rejects anything else.
const (
	TypeSubmissionCreated = "submission.created"
	TypeSubmissionPartial = "submission.partial"
	TypeWebhookTest       = "webhook.test"
)

// KnownType reports whether t is one of the recognised inbound event types.
func KnownType(t string) bool {
	switch t {
	case TypeSubmissionCreated, TypeSubmissionPartial, TypeWebhookTest:
		return true
	}
	return false
}

// Event is a persisted submission trigger.
type Event struct {
	entity.Entity

	// ID is the unique TypeID for this event.
	ID id.ID `json:"id"`

	// Type is the inbound event type (submission.created, submission.partial, webhook.test).
	Type string `json:"type"`

	// OrganizationID identifies the organization that owns the form.
	OrganizationID string `json:"organization_id"`

	// FormID is the platform identifier of the form the submission belongs to.
	FormID string `json:"form_id"`

	// SubmissionID references the completed submission. At most one of
	// SubmissionID and PartialID is set; neither set means a test event.
	SubmissionID string `json:"submission_id,omitempty"`

	// PartialID references the partial submission.
	PartialID string `json:"partial_id,omitempty"`

	// Snapshot is the submission data frozen at trigger time.
	Snapshot json.RawMessage `json:"snapshot,omitempty"`

	// IdempotencyKey prevents duplicate processing of re-queued trigger messages.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// IsPartial reports whether this event carries a partial submission.
func (e *Event) IsPartial() bool {
	return e.Type == TypeSubmissionPartial
}

// ListOpts configures filtering and pagination for event listing.
type ListOpts struct {
	Offset         int
	Limit          int
	Type           string
	OrganizationID string
	From           *time.Time
	To             *time.Time
}
