package hookrelay

import (
	"time"

	"github.com/formlake/hookrelay/delivery"
)

// Config holds the configuration for a Relay instance.
type Config struct {
	// Concurrency is the number of delivery worker goroutines.
	Concurrency int

	// PollInterval is how often the engine sweeps for due deliveries.
	PollInterval time.Duration

	// BatchSize is the maximum number of deliveries claimed per sweep.
	BatchSize int

	// RequestTimeout is the HTTP timeout per delivery attempt.
	RequestTimeout time.Duration

	// RetrySchedule defines the backoff intervals between retry attempts,
	// indexed by attempt number and clamped to the last entry.
	RetrySchedule []time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight deliveries
	// on shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     10,
		PollInterval:    time.Second,
		BatchSize:       50,
		RequestTimeout:  30 * time.Second,
		RetrySchedule:   delivery.DefaultRetrySchedule,
		ShutdownTimeout: 30 * time.Second,
	}
}
