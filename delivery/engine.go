package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/formlake/hookrelay/endpoint"
	"github.com/formlake/hookrelay/event"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/observability"
	"github.com/formlake/hookrelay/payload"
)

// requeueDelay is how long a delivery released after an infrastructure
// failure (store read error) waits before the sweep picks it up again.
const requeueDelay = 30 * time.Second

// EngineStore is the interface the engine needs for delivery operations.
type EngineStore interface {
	Dequeue(ctx context.Context, limit int) ([]*Delivery, error)
	UpdateDelivery(ctx context.Context, d *Delivery) error
	AppendLog(ctx context.Context, l *Log) error
	GetEndpoint(ctx context.Context, epID id.ID) (*endpoint.Endpoint, error)
	GetEvent(ctx context.Context, evtID id.ID) (*event.Event, error)
	SetActive(ctx context.Context, epID id.ID, active bool) error
	IncrementStats(ctx context.Context, epID id.ID, delta endpoint.StatsDelta) error
}

// DeadLetterer moves permanently failed deliveries to the dead letter queue,
// freezing the payload bytes that would have been sent.
type DeadLetterer interface {
	Push(ctx context.Context, d *Delivery, ep *endpoint.Endpoint, evt *event.Event, frozenPayload []byte, reason string, lastStatusCode int) error
}

// RateLimiter gates outbound attempts per endpoint. Allow reports whether a
// request may proceed now; when it may not, retryAfter is how long until the
// window resets. Implementations fail open on limiter-store errors.
type RateLimiter interface {
	Allow(ctx context.Context, endpointID string) (ok bool, retryAfter time.Duration)
}

// EngineConfig holds engine configuration.
type EngineConfig struct {
	Concurrency    int
	PollInterval   time.Duration
	BatchSize      int
	RequestTimeout time.Duration
	RetrySchedule  []time.Duration
	RateLimiter    RateLimiter
	Metrics        *observability.Metrics
	Tracer         *observability.Tracer
}

// Engine is the delivery worker pool. Its poll loop doubles as the durable
// retry sweep: any pending delivery whose NextRetryAt has passed is claimed
// and attempted, so scheduled retries survive process restarts without
// in-memory timers.
type Engine struct {
	store   EngineStore
	sender  *Sender
	retrier *Retrier
	dlq     DeadLetterer
	config  EngineConfig
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a delivery engine.
func NewEngine(store EngineStore, dlq DeadLetterer, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		sender:  NewSender(cfg.RequestTimeout),
		retrier: NewRetrier(cfg.RetrySchedule),
		dlq:     dlq,
		config:  cfg,
		logger:  logger,
	}
}

// Start begins the delivery workers and poll loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollLoop(ctx)
	}()
}

// Stop cancels the poll loop and waits for in-flight deliveries to complete.
func (e *Engine) Stop(_ context.Context) {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// pollLoop periodically claims due deliveries and dispatches them to workers.
// Deliveries run independently: one endpoint's slow or failing chain never
// blocks another's beyond the shared concurrency cap.
func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, e.config.Concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch, err := e.store.Dequeue(ctx, e.config.BatchSize)
			if err != nil {
				e.logger.ErrorContext(ctx, "dequeue failed", "error", err)
				continue
			}

			for _, d := range batch {
				select {
				case <-ctx.Done():
					return
				case sem <- struct{}{}:
				}

				e.wg.Add(1)
				go func(del *Delivery) {
					defer e.wg.Done()
					defer func() { <-sem }()
					e.process(ctx, del)
				}(d)
			}
		}
	}
}

// process drives a single claimed delivery through one attempt: load config,
// build and gate the payload, send, log, classify, and persist the outcome.
// The delivery arrives in processing state; process always leaves it either
// terminal or re-armed pending.
func (e *Engine) process(ctx context.Context, d *Delivery) {
	var span trace.Span
	if e.config.Tracer != nil {
		ctx, span = e.config.Tracer.StartDeliverySpan(ctx, d.ID.String(), d.EventID.String(), d.EndpointID.String())
	}

	ep, err := e.store.GetEndpoint(ctx, d.EndpointID)
	if err != nil {
		e.endSpan(span, 0, 0, err.Error())
		e.release(ctx, d, err)
		return
	}

	// Deactivation short-circuit: checked before each attempt, never by
	// interrupting an attempt already in flight. Abandonment is terminal but
	// does not count against the endpoint's failure stats and produces no
	// dead letter entry.
	if !ep.Active {
		d.Status = StatusFailed
		d.Error = "endpoint deactivated"
		d.NextRetryAt = time.Time{}
		d.Touch()
		e.finishUpdate(ctx, d)
		e.recordOutcome("abandoned", 0)
		if e.config.Metrics != nil {
			e.config.Metrics.PendingDeliveries.Dec()
		}
		e.endSpan(span, 0, 0, d.Error)
		e.logger.DebugContext(ctx, "delivery abandoned, endpoint deactivated", "delivery_id", d.ID)
		return
	}

	evt, err := e.store.GetEvent(ctx, d.EventID)
	if err != nil {
		e.endSpan(span, 0, 0, err.Error())
		e.release(ctx, d, err)
		return
	}

	timestamp := time.Now().Unix()
	body, err := payload.Build(evt, d.EndpointID, d.ID, timestamp)
	if err != nil {
		// Unbuildable payloads are configuration failures: terminal, logged,
		// never retried.
		d.Status = StatusFailed
		d.Error = err.Error()
		d.NextRetryAt = time.Time{}
		d.Touch()
		e.finishUpdate(ctx, d)
		e.recordOutcome("abandoned", 0)
		e.endSpan(span, 0, 0, d.Error)
		e.logger.ErrorContext(ctx, "payload build failed", "delivery_id", d.ID, "error", err)
		return
	}
	d.PayloadSizeBytes = len(body)

	if len(body) > payload.MaxBytes {
		e.rejectOversized(ctx, d, ep, evt, body)
		e.endSpan(span, 0, 0, d.Error)
		return
	}

	// Rate limit gate. A deferral is not an attempt: no counter bump, no log
	// row, just a re-arm to the next window.
	if e.config.RateLimiter != nil {
		allowed, retryAfter := e.config.RateLimiter.Allow(ctx, d.EndpointID.String())
		if !allowed {
			d.Status = StatusPending
			d.NextRetryAt = time.Now().UTC().Add(retryAfter)
			d.Touch()
			e.finishUpdate(ctx, d)
			if e.config.Metrics != nil {
				e.config.Metrics.RateLimitDeferrals.Inc()
			}
			e.endSpan(span, 0, 0, "rate limited")
			e.logger.DebugContext(ctx, "delivery deferred by rate limit",
				"delivery_id", d.ID, "endpoint_id", d.EndpointID, "retry_after", retryAfter)
			return
		}
	}

	d.Attempt++
	result := e.sender.Send(ctx, ep, body, d.ID, d.Attempt, timestamp)

	// Log before mutating the delivery so a crash between the two writes
	// cannot lose evidence of the attempt.
	e.appendLog(ctx, &Log{
		DeliveryID:     d.ID,
		Attempt:        d.Attempt,
		RequestHeaders: result.RequestHeaders,
		RequestBody:    Truncate(string(body), MaxRequestCapture),
		ResponseStatus: result.StatusCode,
		ResponseBody:   result.Response,
		Error:          result.Error,
		DurationMs:     result.LatencyMs,
		CreatedAt:      time.Now().UTC(),
	})

	d.ResponseCode = result.StatusCode
	d.ResponseTimeMs = result.LatencyMs
	d.Error = result.Error

	latencySeconds := float64(result.LatencyMs) / 1000.0

	switch e.retrier.Decide(result, d, ep) {
	case Delivered:
		now := time.Now().UTC()
		d.Status = StatusSuccess
		d.DeliveredAt = &now
		d.Error = ""
		d.NextRetryAt = time.Time{}
		e.bumpStats(ctx, d.EndpointID, endpoint.StatsDelta{Successful: 1})
		e.recordOutcome("delivered", latencySeconds)
		if e.config.Metrics != nil {
			e.config.Metrics.PendingDeliveries.Dec()
		}
		e.logger.DebugContext(ctx, "delivered",
			"delivery_id", d.ID, "status", result.StatusCode, "attempt", d.Attempt, "latency_ms", result.LatencyMs)

	case Retry:
		d.Status = StatusPending
		d.NextRetryAt = e.retrier.NextRetryAt(d.Attempt)
		e.recordOutcome("retried", latencySeconds)
		e.logger.DebugContext(ctx, "retry scheduled",
			"delivery_id", d.ID, "attempt", d.Attempt, "next_retry_at", d.NextRetryAt)

	case DeadLetter:
		e.deadLetter(ctx, d, ep, evt, body, result, latencySeconds)

	case DisableEndpoint:
		if disableErr := e.store.SetActive(ctx, d.EndpointID, false); disableErr != nil {
			e.logger.ErrorContext(ctx, "deactivate endpoint failed",
				"endpoint_id", d.EndpointID, "error", disableErr)
		} else {
			e.logger.WarnContext(ctx, "endpoint deactivated (410 Gone)",
				"endpoint_id", d.EndpointID, "delivery_id", d.ID)
		}
		e.deadLetter(ctx, d, ep, evt, body, result, latencySeconds)
	}

	d.Touch()
	e.finishUpdate(ctx, d)
	e.endSpan(span, d.ResponseCode, d.ResponseTimeMs, d.Error)
}

// rejectOversized dead-letters an oversized payload without an HTTP call.
// The rejection still gets a log row so the audit trail shows why no attempt
// reached the wire.
func (e *Engine) rejectOversized(ctx context.Context, d *Delivery, ep *endpoint.Endpoint, evt *event.Event, body []byte) {
	d.Attempt++
	reason := "payload exceeds size cap"
	e.appendLog(ctx, &Log{
		DeliveryID:  d.ID,
		Attempt:     d.Attempt,
		RequestBody: Truncate(string(body), MaxRequestCapture),
		Error:       reason,
		CreatedAt:   time.Now().UTC(),
	})

	d.Error = reason
	e.deadLetter(ctx, d, ep, evt, body, Result{Error: reason}, 0)
	d.Touch()
	e.finishUpdate(ctx, d)
	e.logger.WarnContext(ctx, "oversized payload dead-lettered",
		"delivery_id", d.ID, "size_bytes", d.PayloadSizeBytes)
}

// deadLetter finalizes a permanently failed delivery: entry first, then the
// status flip, so a dead_letter delivery always owns its entry.
func (e *Engine) deadLetter(ctx context.Context, d *Delivery, ep *endpoint.Endpoint, evt *event.Event, body []byte, result Result, latencySeconds float64) {
	d.Status = StatusDeadLetter
	d.NextRetryAt = time.Time{}

	reason := result.Error
	if reason == "" {
		reason = "delivery failed"
	}

	if e.dlq != nil {
		if err := e.dlq.Push(ctx, d, ep, evt, body, reason, result.StatusCode); err != nil {
			e.logger.ErrorContext(ctx, "dead letter push failed", "delivery_id", d.ID, "error", err)
		}
	}

	e.bumpStats(ctx, d.EndpointID, endpoint.StatsDelta{Failed: 1})
	e.recordOutcome("dead_letter", latencySeconds)
	if e.config.Metrics != nil {
		e.config.Metrics.PendingDeliveries.Dec()
		e.config.Metrics.DeadLetterSize.Inc()
	}
	e.logger.WarnContext(ctx, "delivery dead-lettered",
		"delivery_id", d.ID, "status", result.StatusCode, "attempt", d.Attempt, "reason", reason)
}

// release returns a claimed delivery to pending after an infrastructure
// failure. The attempt never happened; the sweep will retry it.
func (e *Engine) release(ctx context.Context, d *Delivery, cause error) {
	e.logger.ErrorContext(ctx, "delivery released after store error",
		"delivery_id", d.ID, "error", cause)

	if errors.Is(cause, context.Canceled) {
		return
	}

	d.Status = StatusPending
	d.NextRetryAt = time.Now().UTC().Add(requeueDelay)
	d.Touch()
	e.finishUpdate(ctx, d)
}

func (e *Engine) appendLog(ctx context.Context, l *Log) {
	if err := e.store.AppendLog(ctx, l); err != nil {
		// The attempt already happened; losing the log row is an audit gap,
		// not a correctness failure. Surface it loudly.
		e.logger.ErrorContext(ctx, "append delivery log failed",
			"delivery_id", l.DeliveryID, "attempt", l.Attempt, "error", err)
	}
}

func (e *Engine) finishUpdate(ctx context.Context, d *Delivery) {
	if err := e.store.UpdateDelivery(ctx, d); err != nil {
		e.logger.ErrorContext(ctx, "update delivery failed", "delivery_id", d.ID, "error", err)
	}
}

func (e *Engine) bumpStats(ctx context.Context, epID id.ID, delta endpoint.StatsDelta) {
	if err := e.store.IncrementStats(ctx, epID, delta); err != nil {
		e.logger.ErrorContext(ctx, "increment endpoint stats failed", "endpoint_id", epID, "error", err)
	}
}

func (e *Engine) recordOutcome(outcome string, latencySeconds float64) {
	if e.config.Metrics != nil {
		e.config.Metrics.RecordDelivery(outcome, latencySeconds)
	}
}

func (e *Engine) endSpan(span trace.Span, statusCode, latencyMs int, errMsg string) {
	if span != nil && e.config.Tracer != nil {
		e.config.Tracer.EndDeliverySpan(span, statusCode, latencyMs, errMsg)
	}
}
