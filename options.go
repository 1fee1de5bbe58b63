package hookrelay

import (
	"log/slog"
	"time"

	"github.com/formlake/hookrelay/delivery"
	"github.com/formlake/hookrelay/observability"
	"github.com/formlake/hookrelay/store"
)

// Option configures a Relay instance.
type Option func(*Relay) error

// New creates a new Relay with the given options.
func New(opts ...Option) (*Relay, error) {
	r := &Relay{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.store == nil {
		return nil, ErrNoStore
	}
	r.wireServices()
	return r, nil
}

// WithStore sets the persistence backend for the Relay instance.
func WithStore(s store.Store) Option {
	return func(r *Relay) error {
		r.store = s
		return nil
	}
}

// WithLogger sets the structured logger for the Relay instance.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) error {
		r.logger = logger
		return nil
	}
}

// WithRateLimiter sets the per-endpoint outbound rate limiter.
func WithRateLimiter(l delivery.RateLimiter) Option {
	return func(r *Relay) error {
		r.limiter = l
		return nil
	}
}

// WithMetrics sets the metric instruments recorded by the engine.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Relay) error {
		r.metrics = m
		return nil
	}
}

// WithTracer enables per-attempt tracing spans.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Relay) error {
		r.tracer = t
		return nil
	}
}

// WithConcurrency sets the number of delivery worker goroutines.
func WithConcurrency(n int) Option {
	return func(r *Relay) error {
		r.config.Concurrency = n
		return nil
	}
}

// WithPollInterval sets how often the engine sweeps for due deliveries.
func WithPollInterval(d time.Duration) Option {
	return func(r *Relay) error {
		r.config.PollInterval = d
		return nil
	}
}

// WithBatchSize sets the maximum number of deliveries claimed per sweep.
func WithBatchSize(n int) Option {
	return func(r *Relay) error {
		r.config.BatchSize = n
		return nil
	}
}

// WithRequestTimeout sets the HTTP timeout per delivery attempt.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Relay) error {
		r.config.RequestTimeout = d
		return nil
	}
}

// WithRetrySchedule sets the backoff intervals between retry attempts.
func WithRetrySchedule(schedule []time.Duration) Option {
	return func(r *Relay) error {
		r.config.RetrySchedule = schedule
		return nil
	}
}

// WithShutdownTimeout sets the maximum wait for in-flight deliveries on shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Relay) error {
		r.config.ShutdownTimeout = d
		return nil
	}
}
