package hookrelay

import "errors"

// Sentinel errors returned by hookrelay operations.
var (
	// ErrNoStore is returned when an Engine is created without a store.
	ErrNoStore = errors.New("hookrelay: store is required")

	// ErrEndpointNotFound is returned when an endpoint cannot be found.
	ErrEndpointNotFound = errors.New("hookrelay: endpoint not found")

	// ErrEndpointDisabled is returned when attempting a manual delivery to a deactivated endpoint.
	ErrEndpointDisabled = errors.New("hookrelay: endpoint is deactivated")

	// ErrUnknownEventType is returned when dispatching an event with an unrecognised type.
	ErrUnknownEventType = errors.New("hookrelay: unknown event type")

	// ErrDuplicateIdempotencyKey is returned when an event with the same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("hookrelay: duplicate idempotency key")

	// ErrDeliveryNotFound is returned when a delivery cannot be found.
	ErrDeliveryNotFound = errors.New("hookrelay: delivery not found")

	// ErrDeliveryNotRetryable is returned when retrying a delivery that is not in a terminal failure state.
	ErrDeliveryNotRetryable = errors.New("hookrelay: delivery is not in a retryable state")

	// ErrEventNotFound is returned when an event cannot be found.
	ErrEventNotFound = errors.New("hookrelay: event not found")

	// ErrDLQNotFound is returned when a dead letter entry cannot be found.
	ErrDLQNotFound = errors.New("hookrelay: dead letter entry not found")

	// ErrAlreadyRedriven is returned when redriving a dead letter entry a second time.
	ErrAlreadyRedriven = errors.New("hookrelay: dead letter entry already redriven")

	// ErrStoreClosed is returned when a store operation is attempted after the store is closed.
	ErrStoreClosed = errors.New("hookrelay: store is closed")
)
