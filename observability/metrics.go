// Package observability provides metric instruments and tracing for the
// delivery engine.
package observability

import (
	gu "github.com/xraph/go-utils/metrics"
)

// Metrics holds metric instruments for hookrelay, backed by any go-utils
// MetricFactory.
type Metrics struct {
	EventsDispatchedTotal gu.Counter
	DeliveriesTotal       gu.Counter
	DeliveryLatency       gu.Histogram
	DeadLetterSize        gu.Gauge
	PendingDeliveries     gu.Gauge
	RateLimitDeferrals    gu.Counter
}

// NewMetrics creates hookrelay metric instruments using the supplied factory.
func NewMetrics(factory gu.MetricFactory) *Metrics {
	return &Metrics{
		EventsDispatchedTotal: factory.Counter("hookrelay_events_dispatched_total"),
		DeliveriesTotal:       factory.Counter("hookrelay_deliveries_total"),
		DeliveryLatency:       factory.Histogram("hookrelay_delivery_latency_seconds"),
		DeadLetterSize:        factory.Gauge("hookrelay_dead_letter_size"),
		PendingDeliveries:     factory.Gauge("hookrelay_pending_deliveries"),
		RateLimitDeferrals:    factory.Counter("hookrelay_rate_limit_deferrals_total"),
	}
}

// RecordDelivery records a delivery attempt with the given outcome and latency.
func (m *Metrics) RecordDelivery(outcome string, latencySeconds float64) {
	m.DeliveriesTotal.WithLabels(map[string]string{"outcome": outcome}).Inc()
	m.DeliveryLatency.Observe(latencySeconds)
}
