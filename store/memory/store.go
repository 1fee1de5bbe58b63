// Package memory provides an in-memory Store implementation for unit testing
// and single-process development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	hookrelay "github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/delivery"
	"github.com/formlake/hookrelay/dlq"
	"github.com/formlake/hookrelay/endpoint"
	"github.com/formlake/hookrelay/event"
	"github.com/formlake/hookrelay/id"
	relaystore "github.com/formlake/hookrelay/store"
)

// compile-time interface check.
var _ relaystore.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	endpoints       map[string]*endpoint.Endpoint
	events          map[string]*event.Event
	eventsByIdemKey map[string]string // idempotency key -> event ID
	deliveries      map[string]*delivery.Delivery
	logs            map[string][]*delivery.Log // delivery ID -> attempt logs
	dlqEntries      map[string]*dlq.Entry

	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		endpoints:       make(map[string]*endpoint.Endpoint),
		events:          make(map[string]*event.Event),
		eventsByIdemKey: make(map[string]string),
		deliveries:      make(map[string]*delivery.Delivery),
		logs:            make(map[string][]*delivery.Log),
		dlqEntries:      make(map[string]*dlq.Entry),
	}
}

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return hookrelay.ErrStoreClosed
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// endpoint.Store
// ──────────────────────────────────────────────────

// CreateEndpoint persists a new endpoint.
func (s *Store) CreateEndpoint(_ context.Context, ep *endpoint.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ep
	s.endpoints[ep.ID.String()] = &cp
	return nil
}

// GetEndpoint returns an endpoint by ID.
func (s *Store) GetEndpoint(_ context.Context, epID id.ID) (*endpoint.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok := s.endpoints[epID.String()]
	if !ok {
		return nil, hookrelay.ErrEndpointNotFound
	}
	cp := *ep
	return &cp, nil
}

// UpdateEndpoint replaces an endpoint's stored state, preserving counters.
func (s *Store) UpdateEndpoint(_ context.Context, ep *endpoint.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.endpoints[ep.ID.String()]
	if !ok {
		return hookrelay.ErrEndpointNotFound
	}

	cp := *ep
	// Counters are owned by IncrementStats; an update never rolls them back.
	cp.TotalDeliveries = cur.TotalDeliveries
	cp.SuccessfulDeliveries = cur.SuccessfulDeliveries
	cp.FailedDeliveries = cur.FailedDeliveries
	s.endpoints[ep.ID.String()] = &cp
	return nil
}

// DeleteEndpoint removes an endpoint.
func (s *Store) DeleteEndpoint(_ context.Context, epID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpoints[epID.String()]; !ok {
		return hookrelay.ErrEndpointNotFound
	}
	delete(s.endpoints, epID.String())
	return nil
}

// ListEndpoints returns endpoints for an organization.
func (s *Store) ListEndpoints(_ context.Context, organizationID string, opts endpoint.ListOpts) ([]*endpoint.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*endpoint.Endpoint
	for _, ep := range s.endpoints {
		if ep.OrganizationID != organizationID {
			continue
		}
		if opts.ActiveOnly && !ep.Active {
			continue
		}
		cp := *ep
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return paginate(out, opts.Offset, opts.Limit), nil
}

// Resolve finds active endpoints of an organization subscribed to eventType.
func (s *Store) Resolve(_ context.Context, organizationID string, eventType string) ([]*endpoint.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*endpoint.Endpoint
	for _, ep := range s.endpoints {
		if ep.OrganizationID != organizationID {
			continue
		}
		if !ep.Matches(eventType) {
			continue
		}
		cp := *ep
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// SetActive activates or deactivates an endpoint.
func (s *Store) SetActive(_ context.Context, epID id.ID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok := s.endpoints[epID.String()]
	if !ok {
		return hookrelay.ErrEndpointNotFound
	}
	ep.Active = active
	ep.UpdatedAt = time.Now().UTC()
	return nil
}

// IncrementStats atomically applies a counter delta.
func (s *Store) IncrementStats(_ context.Context, epID id.ID, delta endpoint.StatsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok := s.endpoints[epID.String()]
	if !ok {
		return hookrelay.ErrEndpointNotFound
	}
	ep.TotalDeliveries += delta.Total
	ep.SuccessfulDeliveries += delta.Successful
	ep.FailedDeliveries += delta.Failed
	return nil
}

// ──────────────────────────────────────────────────
// event.Store
// ──────────────────────────────────────────────────

// CreateEvent persists an event, de-duplicating on the idempotency key.
func (s *Store) CreateEvent(_ context.Context, evt *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.IdempotencyKey != "" {
		if _, seen := s.eventsByIdemKey[evt.IdempotencyKey]; seen {
			return hookrelay.ErrDuplicateIdempotencyKey
		}
		s.eventsByIdemKey[evt.IdempotencyKey] = evt.ID.String()
	}

	cp := *evt
	s.events[evt.ID.String()] = &cp
	return nil
}

// GetEvent returns an event by ID.
func (s *Store) GetEvent(_ context.Context, evtID id.ID) (*event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events[evtID.String()]
	if !ok {
		return nil, hookrelay.ErrEventNotFound
	}
	cp := *evt
	return &cp, nil
}

// ListEvents returns events matching the options.
func (s *Store) ListEvents(_ context.Context, opts event.ListOpts) ([]*event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*event.Event
	for _, evt := range s.events {
		if opts.Type != "" && evt.Type != opts.Type {
			continue
		}
		if opts.OrganizationID != "" && evt.OrganizationID != opts.OrganizationID {
			continue
		}
		if opts.From != nil && evt.CreatedAt.Before(*opts.From) {
			continue
		}
		if opts.To != nil && evt.CreatedAt.After(*opts.To) {
			continue
		}
		cp := *evt
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, opts.Offset, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// delivery.Store
// ──────────────────────────────────────────────────

// Enqueue creates a pending delivery.
func (s *Store) Enqueue(_ context.Context, d *delivery.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	s.deliveries[d.ID.String()] = &cp
	return nil
}

// EnqueueBatch creates multiple deliveries.
func (s *Store) EnqueueBatch(_ context.Context, ds []*delivery.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range ds {
		cp := *d
		s.deliveries[d.ID.String()] = &cp
	}
	return nil
}

// Dequeue claims due pending deliveries, flipping them to processing under
// the store lock, the in-memory equivalent of the conditional UPDATE the
// SQL backends use. Stale processing claims are re-claimable.
func (s *Store) Dequeue(_ context.Context, limit int) ([]*delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	staleCutoff := now.Add(-delivery.ProcessingVisibilityTimeout)

	var due []*delivery.Delivery
	for _, d := range s.deliveries {
		claimable := (d.Status == delivery.StatusPending && !d.NextRetryAt.After(now)) ||
			(d.Status == delivery.StatusProcessing && d.UpdatedAt.Before(staleCutoff))
		if claimable {
			due = append(due, d)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*delivery.Delivery, 0, len(due))
	for _, d := range due {
		d.Status = delivery.StatusProcessing
		d.UpdatedAt = now
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

// UpdateDelivery persists a delivery's mutable fields.
func (s *Store) UpdateDelivery(_ context.Context, d *delivery.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deliveries[d.ID.String()]; !ok {
		return hookrelay.ErrDeliveryNotFound
	}
	cp := *d
	s.deliveries[d.ID.String()] = &cp
	return nil
}

// GetDelivery returns a delivery by ID.
func (s *Store) GetDelivery(_ context.Context, delID id.ID) (*delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[delID.String()]
	if !ok {
		return nil, hookrelay.ErrDeliveryNotFound
	}
	cp := *d
	return &cp, nil
}

// ListByEndpoint returns delivery history for an endpoint.
func (s *Store) ListByEndpoint(_ context.Context, epID id.ID, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*delivery.Delivery
	for _, d := range s.deliveries {
		if d.EndpointID != epID {
			continue
		}
		if opts.Status != nil && d.Status != *opts.Status {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, opts.Offset, opts.Limit), nil
}

// ListByEvent returns all deliveries for an event.
func (s *Store) ListByEvent(_ context.Context, evtID id.ID) ([]*delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*delivery.Delivery
	for _, d := range s.deliveries {
		if d.EventID != evtID {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CountPending returns the number of deliveries awaiting attempt.
func (s *Store) CountPending(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, d := range s.deliveries {
		if d.Status == delivery.StatusPending {
			n++
		}
	}
	return n, nil
}

// AppendLog records one attempt. Logs are append-only.
func (s *Store) AppendLog(_ context.Context, l *delivery.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *l
	key := l.DeliveryID.String()
	s.logs[key] = append(s.logs[key], &cp)
	return nil
}

// ListLogs returns a delivery's attempt records in attempt order.
func (s *Store) ListLogs(_ context.Context, delID id.ID) ([]*delivery.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logs := s.logs[delID.String()]
	out := make([]*delivery.Log, 0, len(logs))
	for _, l := range logs {
		cp := *l
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

// ──────────────────────────────────────────────────
// dlq.Store
// ──────────────────────────────────────────────────

// PushDLQ persists a dead letter entry.
func (s *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.dlqEntries[entry.ID.String()] = &cp
	return nil
}

// GetDLQ returns an entry by ID.
func (s *Store) GetDLQ(_ context.Context, dlqID id.ID) (*dlq.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.dlqEntries[dlqID.String()]
	if !ok {
		return nil, hookrelay.ErrDLQNotFound
	}
	cp := *entry
	return &cp, nil
}

// ListDLQ returns entries matching the options.
func (s *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*dlq.Entry
	for _, entry := range s.dlqEntries {
		if opts.OrganizationID != "" && entry.OrganizationID != opts.OrganizationID {
			continue
		}
		if opts.EndpointID != nil && entry.EndpointID != *opts.EndpointID {
			continue
		}
		if opts.NotRedriven && entry.Redriven() {
			continue
		}
		if opts.From != nil && entry.FailedAt.Before(*opts.From) {
			continue
		}
		if opts.To != nil && entry.FailedAt.After(*opts.To) {
			continue
		}
		cp := *entry
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return paginate(out, opts.Offset, opts.Limit), nil
}

// MarkRedriven sets RedrivenAt exactly once.
func (s *Store) MarkRedriven(_ context.Context, dlqID id.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.dlqEntries[dlqID.String()]
	if !ok {
		return hookrelay.ErrDLQNotFound
	}
	if entry.RedrivenAt != nil {
		return hookrelay.ErrAlreadyRedriven
	}

	t := at
	entry.RedrivenAt = &t
	entry.UpdatedAt = time.Now().UTC()
	return nil
}

// PurgeDLQ deletes entries older than the threshold.
func (s *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, entry := range s.dlqEntries {
		if entry.FailedAt.Before(before) {
			delete(s.dlqEntries, key)
			n++
		}
	}
	return n, nil
}

// CountDLQ returns the total number of entries.
func (s *Store) CountDLQ(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.dlqEntries)), nil
}

// paginate applies offset/limit to a sorted slice.
func paginate[T any](in []T, offset, limit int) []T {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
