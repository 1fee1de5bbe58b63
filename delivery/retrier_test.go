package delivery_test

import (
	"testing"
	"time"

	"github.com/formlake/hookrelay/delivery"
	"github.com/formlake/hookrelay/endpoint"
)

func TestRetrierDecide(t *testing.T) {
	retrier := delivery.NewRetrier(nil)

	ep := &endpoint.Endpoint{RetryEnabled: true, MaxRetries: 5}
	noRetry := &endpoint.Endpoint{RetryEnabled: false, MaxRetries: 5}

	tests := []struct {
		name     string
		result   delivery.Result
		delivery *delivery.Delivery
		endpoint *endpoint.Endpoint
		want     delivery.Decision
	}{
		{
			name:     "200 OK → Delivered",
			result:   delivery.Result{StatusCode: 200},
			delivery: &delivery.Delivery{Attempt: 1},
			endpoint: ep,
			want:     delivery.Delivered,
		},
		{
			name:     "204 No Content → Delivered",
			result:   delivery.Result{StatusCode: 204},
			delivery: &delivery.Delivery{Attempt: 1},
			endpoint: ep,
			want:     delivery.Delivered,
		},
		{
			name:     "299 → Delivered",
			result:   delivery.Result{StatusCode: 299},
			delivery: &delivery.Delivery{Attempt: 1},
			endpoint: ep,
			want:     delivery.Delivered,
		},
		{
			name:     "410 Gone → DisableEndpoint",
			result:   delivery.Result{StatusCode: 410},
			delivery: &delivery.Delivery{Attempt: 1},
			endpoint: ep,
			want:     delivery.DisableEndpoint,
		},
		{
			name:     "429 Too Many Requests → Retry (within limits)",
			result:   delivery.Result{StatusCode: 429},
			delivery: &delivery.Delivery{Attempt: 1},
			endpoint: ep,
			want:     delivery.Retry,
		},
		{
			name:     "429 Too Many Requests → DeadLetter (exhausted)",
			result:   delivery.Result{StatusCode: 429},
			delivery: &delivery.Delivery{Attempt: 5},
			endpoint: ep,
			want:     delivery.DeadLetter,
		},
		{
			name:     "400 Bad Request → DeadLetter immediately",
			result:   delivery.Result{StatusCode: 400},
			delivery: &delivery.Delivery{Attempt: 1},
			endpoint: ep,
			want:     delivery.DeadLetter,
		},
		{
			name:     "404 Not Found → DeadLetter immediately",
			result:   delivery.Result{StatusCode: 404},
			delivery: &delivery.Delivery{Attempt: 1},
			endpoint: ep,
			want:     delivery.DeadLetter,
		},
		{
			name:     "422 Unprocessable → DeadLetter immediately",
			result:   delivery.Result{StatusCode: 422},
			delivery: &delivery.Delivery{Attempt: 1},
			endpoint: ep,
			want:     delivery.DeadLetter,
		},
		{
			name:     "500 Internal → Retry (within limits)",
			result:   delivery.Result{StatusCode: 500},
			delivery: &delivery.Delivery{Attempt: 1},
			endpoint: ep,
			want:     delivery.Retry,
		},
		{
			name:     "503 Unavailable → Retry (within limits)",
			result:   delivery.Result{StatusCode: 503},
			delivery: &delivery.Delivery{Attempt: 3},
			endpoint: ep,
			want:     delivery.Retry,
		},
		{
			name:     "500 Internal → DeadLetter (exhausted)",
			result:   delivery.Result{StatusCode: 500},
			delivery: &delivery.Delivery{Attempt: 5},
			endpoint: ep,
			want:     delivery.DeadLetter,
		},
		{
			name:     "connection error → Retry (within limits)",
			result:   delivery.Result{StatusCode: 0, Error: "dial tcp: connection refused"},
			delivery: &delivery.Delivery{Attempt: 1},
			endpoint: ep,
			want:     delivery.Retry,
		},
		{
			name:     "connection error → DeadLetter (exhausted)",
			result:   delivery.Result{StatusCode: 0, Error: "context deadline exceeded"},
			delivery: &delivery.Delivery{Attempt: 5},
			endpoint: ep,
			want:     delivery.DeadLetter,
		},
		{
			name:     "500 with retries disabled → DeadLetter",
			result:   delivery.Result{StatusCode: 500},
			delivery: &delivery.Delivery{Attempt: 1},
			endpoint: noRetry,
			want:     delivery.DeadLetter,
		},
		{
			name:     "429 with retries disabled → DeadLetter",
			result:   delivery.Result{StatusCode: 429},
			delivery: &delivery.Delivery{Attempt: 1},
			endpoint: noRetry,
			want:     delivery.DeadLetter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := retrier.Decide(tt.result, tt.delivery, tt.endpoint)
			if got != tt.want {
				t.Fatalf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetrierNextRetryAt(t *testing.T) {
	schedule := []time.Duration{0, 30 * time.Second, 2 * time.Minute}
	retrier := delivery.NewRetrier(schedule)

	// Deltas follow the schedule, clamped to the last entry.
	wants := []time.Duration{0, 30 * time.Second, 2 * time.Minute, 2 * time.Minute, 2 * time.Minute}

	for attempt, want := range wants {
		now := time.Now().UTC()
		got := retrier.NextRetryAt(attempt)
		delta := got.Sub(now)

		if delta < want-time.Second || delta > want+time.Second {
			t.Fatalf("attempt %d: delta = %v, want ~%v", attempt, delta, want)
		}
	}
}

func TestRetrierNextRetryAtMonotonic(t *testing.T) {
	retrier := delivery.NewRetrier(nil)

	prev := time.Duration(-1)
	for attempt := 0; attempt < 10; attempt++ {
		now := time.Now().UTC()
		delta := retrier.NextRetryAt(attempt).Sub(now)
		if delta < prev {
			t.Fatalf("attempt %d: delta %v decreased from %v", attempt, delta, prev)
		}
		prev = delta
	}
}

func TestRetrierDefaultSchedule(t *testing.T) {
	want := []time.Duration{
		0,
		30 * time.Second,
		2 * time.Minute,
		10 * time.Minute,
		time.Hour,
		6 * time.Hour,
		24 * time.Hour,
	}

	if len(delivery.DefaultRetrySchedule) != len(want) {
		t.Fatalf("schedule has %d entries, want %d", len(delivery.DefaultRetrySchedule), len(want))
	}
	for i, d := range want {
		if delivery.DefaultRetrySchedule[i] != d {
			t.Fatalf("schedule[%d] = %v, want %v", i, delivery.DefaultRetrySchedule[i], d)
		}
	}
}
