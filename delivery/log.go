package delivery

import (
	"time"

	"github.com/formlake/hookrelay/id"
)

// Body capture caps. Request bodies are capped higher than responses since
// they are the primary debugging artifact for signature disputes.
const (
	MaxRequestCapture  = 4 * 1024
	MaxResponseCapture = 1024
)

// Log is the immutable record of one physical delivery attempt. Logs are
// append-only: a log row is written before the delivery's own status is
// updated, so a crash between the two writes never loses evidence of an
// attempt having been made.
type Log struct {
	// DeliveryID references the owning delivery.
	DeliveryID id.ID `json:"delivery_id"`

	// Attempt is the attempt number this row records.
	Attempt int `json:"attempt"`

	// RequestHeaders are the headers sent, including the signature headers.
	RequestHeaders map[string]string `json:"request_headers,omitempty"`

	// RequestBody is the sent body, capped at MaxRequestCapture bytes.
	RequestBody string `json:"request_body,omitempty"`

	// ResponseStatus is the HTTP status received, 0 on connection failure.
	ResponseStatus int `json:"response_status,omitempty"`

	// ResponseBody is the received body, capped at MaxResponseCapture bytes.
	ResponseBody string `json:"response_body,omitempty"`

	// Error is the attempt's failure description, empty on success.
	Error string `json:"error,omitempty"`

	// DurationMs is how long the attempt took.
	DurationMs int `json:"duration_ms"`

	// CreatedAt is when the attempt finished.
	CreatedAt time.Time `json:"created_at"`
}

// Truncate clips s to at most n bytes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
