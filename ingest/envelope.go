// Package ingest consumes form-platform messages from RabbitMQ and turns
// them into dispatched webhook events. Malformed messages are rejected
// without requeue; transient dispatch failures requeue for another worker.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/formlake/hookrelay/event"
)

// Envelope is the inbound message published by the forms platform.
type Envelope struct {
	EventType          string          `json:"eventType"`
	OrganizationID     string          `json:"organizationId"`
	FormID             string          `json:"formId"`
	SubmissionID       string          `json:"submissionId,omitempty"`
	PartialID          string          `json:"partialId,omitempty"`
	SubmissionSnapshot json.RawMessage `json:"submissionSnapshot,omitempty"`
	IdempotencyKey     string          `json:"idempotencyKey,omitempty"`
}

// envelopeSchema describes the wire format. Validation happens before the
// struct decode so a type mismatch produces a schema error, not a silent
// zero value.
const envelopeSchema = `{
  "type": "object",
  "required": ["eventType", "organizationId", "formId"],
  "properties": {
    "eventType": {"type": "string", "minLength": 1},
    "organizationId": {"type": "string", "minLength": 1},
    "formId": {"type": "string", "minLength": 1},
    "submissionId": {"type": "string"},
    "partialId": {"type": "string"},
    "submissionSnapshot": {"type": "object"},
    "idempotencyKey": {"type": "string"}
  }
}`

const envelopeSchemaURL = "hookrelay://schema/envelope"

// compileEnvelopeSchema compiles the envelope schema once per consumer.
func compileEnvelopeSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(envelopeSchema)))
	if err != nil {
		return nil, fmt.Errorf("hookrelay/ingest: parse envelope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(envelopeSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("hookrelay/ingest: add envelope schema: %w", err)
	}
	compiled, err := c.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/ingest: compile envelope schema: %w", err)
	}
	return compiled, nil
}

// UnprocessableError marks a message that can never succeed and must not
// be requeued.
type UnprocessableError struct {
	Err error
}

func (e *UnprocessableError) Error() string {
	return fmt.Sprintf("unprocessable message: %v", e.Err)
}

func (e *UnprocessableError) Unwrap() error { return e.Err }

// IsUnprocessable reports whether err marks a permanently bad message.
func IsUnprocessable(err error) bool {
	var ue *UnprocessableError
	return errors.As(err, &ue)
}

// ParseEnvelope validates raw message bytes against the envelope schema
// and decodes them.
func ParseEnvelope(schema *jsonschema.Schema, data []byte) (*Envelope, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, &UnprocessableError{Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	if err := schema.Validate(doc); err != nil {
		return nil, &UnprocessableError{Err: err}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &UnprocessableError{Err: err}
	}
	return &env, nil
}

// Event converts the envelope into a dispatchable event. Messages without
// an idempotency key get a generated one so platform redeliveries of the
// same physical message are still distinguishable from true duplicates.
func (e *Envelope) Event() *event.Event {
	key := e.IdempotencyKey
	if key == "" {
		key = "ingest-" + uuid.NewString()
	}
	return &event.Event{
		Type:           e.EventType,
		OrganizationID: e.OrganizationID,
		FormID:         e.FormID,
		SubmissionID:   e.SubmissionID,
		PartialID:      e.PartialID,
		Snapshot:       e.SubmissionSnapshot,
		IdempotencyKey: key,
	}
}
