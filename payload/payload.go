// Package payload builds the canonical outbound webhook body.
//
// The body is a fixed wire contract: the exact bytes produced here are
// signed, stored on dead-letter entries, and sent. Any re-serialization
// would break signature verification on the receiver side, so callers must
// treat the returned slice as immutable. New fields are additive-only.
package payload

import (
	"encoding/json"
	"fmt"

	"github.com/formlake/hookrelay/event"
	"github.com/formlake/hookrelay/id"
)

// MaxBytes is the hard cap on a serialized payload. Oversized payloads are
// not retried: size does not change between attempts, so they dead-letter
// immediately without an HTTP call.
const MaxBytes = 1 << 20 // 1 MiB

// Outbound payload types.
const (
	TypeSubmissionCompleted = "submission.completed"
	TypeSubmissionPartial   = "submission.partial"
	TypeWebhookTest         = "webhook.test"
)

// Body is the canonical JSON structure delivered to receivers.
type Body struct {
	WebhookID  string          `json:"webhookId"`
	DeliveryID string          `json:"deliveryId"`
	Timestamp  int64           `json:"timestamp"`
	Type       string          `json:"type"`
	FormID     string          `json:"formId"`
	Submission json.RawMessage `json:"submission,omitempty"`
	Partial    json.RawMessage `json:"partial,omitempty"`
}

// OutboundType maps an inbound event type to the type field receivers see.
// A completed submission is announced as "submission.completed" even though
// the platform trigger is named "submission.created".
func OutboundType(eventType string) (string, error) {
	switch eventType {
	case event.TypeSubmissionCreated:
		return TypeSubmissionCompleted, nil
	case event.TypeSubmissionPartial:
		return TypeSubmissionPartial, nil
	case event.TypeWebhookTest:
		return TypeWebhookTest, nil
	}
	return "", fmt.Errorf("payload: no outbound type for event type %q", eventType)
}

// Build serializes the canonical body for one delivery attempt series.
// webhookID identifies the endpoint, deliveryID the delivery; timestamp is
// the unix-seconds value that will also be signed and sent in the
// X-Forms-Timestamp header.
func Build(evt *event.Event, webhookID, deliveryID id.ID, timestamp int64) ([]byte, error) {
	outType, err := OutboundType(evt.Type)
	if err != nil {
		return nil, err
	}

	body := Body{
		WebhookID:  webhookID.String(),
		DeliveryID: deliveryID.String(),
		Timestamp:  timestamp,
		Type:       outType,
		FormID:     evt.FormID,
	}

	snapshot := evt.Snapshot
	if len(snapshot) == 0 {
		snapshot = json.RawMessage(`{}`)
	}

	if evt.IsPartial() {
		body.Partial = snapshot
	} else {
		body.Submission = snapshot
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("payload: marshal body: %w", err)
	}

	return raw, nil
}
