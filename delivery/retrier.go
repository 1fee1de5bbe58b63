package delivery

import (
	"time"

	"github.com/formlake/hookrelay/endpoint"
)

// Decision is the outcome of evaluating a delivery attempt.
type Decision int

const (
	// Delivered means the delivery was successful (2xx).
	Delivered Decision = iota

	// Retry means the delivery should be retried later.
	Retry

	// DeadLetter means the delivery has permanently failed and should move
	// to the dead letter queue.
	DeadLetter

	// DisableEndpoint means the endpoint should also be deactivated (410 Gone).
	DisableEndpoint
)

// DefaultRetrySchedule is the backoff table, indexed by attempt number and
// clamped to the last entry: immediate, 30s, 2m, 10m, 1h, 6h, 24h.
var DefaultRetrySchedule = []time.Duration{
	0,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

// Retrier decides what to do after a delivery attempt.
type Retrier struct {
	schedule []time.Duration
}

// NewRetrier creates a retrier with the given backoff schedule. A nil or
// empty schedule falls back to DefaultRetrySchedule.
func NewRetrier(schedule []time.Duration) *Retrier {
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	return &Retrier{schedule: schedule}
}

// Decide classifies an attempt outcome.
//
// Decision matrix:
//   - 2xx → Delivered
//   - 410 → DisableEndpoint (entry still dead-letters)
//   - 429 → Retry while attempts remain, else DeadLetter
//   - 400–499 (except 410, 429) → DeadLetter after one attempt. The remote
//     has rejected the content; retrying cannot change it.
//   - 500–599 or 0 (connection error, timeout) → Retry while attempts
//     remain, else DeadLetter
//
// Retries also require the endpoint's RetryEnabled flag.
func (r *Retrier) Decide(res Result, d *Delivery, ep *endpoint.Endpoint) Decision {
	code := res.StatusCode

	if code >= 200 && code < 300 {
		return Delivered
	}

	if code == 410 {
		return DisableEndpoint
	}

	if code == 429 {
		return r.retryOrDeadLetter(d, ep)
	}

	if code >= 400 && code < 500 {
		return DeadLetter
	}

	return r.retryOrDeadLetter(d, ep)
}

func (r *Retrier) retryOrDeadLetter(d *Delivery, ep *endpoint.Endpoint) Decision {
	if !ep.RetryEnabled {
		return DeadLetter
	}
	if d.Attempt < ep.MaxRetries {
		return Retry
	}
	return DeadLetter
}

// NextRetryAt returns when the attempt after attemptCount should run:
// now + schedule[min(attemptCount, len-1)]. Deltas are non-decreasing as the
// schedule is.
func (r *Retrier) NextRetryAt(attemptCount int) time.Time {
	idx := attemptCount
	if idx < 0 {
		idx = 0
	}
	if idx >= len(r.schedule) {
		idx = len(r.schedule) - 1
	}
	return time.Now().UTC().Add(r.schedule[idx])
}
