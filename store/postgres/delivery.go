package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/delivery"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

const deliveryColumns = `id, event_id, endpoint_id, status, attempt, response_code,
	response_time_ms, error, next_retry_at, payload_size_bytes, delivered_at,
	created_at, updated_at`

func scanDelivery(row interface{ Scan(...any) error }) (*delivery.Delivery, error) {
	var (
		d           delivery.Delivery
		rawID       string
		rawEvent    string
		rawEndpoint string
		nextRetryAt *time.Time
		createdAt   time.Time
		updatedAt   time.Time
	)
	err := row.Scan(
		&rawID, &rawEvent, &rawEndpoint, &d.Status, &d.Attempt, &d.ResponseCode,
		&d.ResponseTimeMs, &d.Error, &nextRetryAt, &d.PayloadSizeBytes, &d.DeliveredAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.ID, err = id.ParseDeliveryID(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery ID %q: %w", rawID, err)
	}
	d.EventID, err = id.ParseEventID(rawEvent)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", rawEvent, err)
	}
	d.EndpointID, err = id.ParseEndpointID(rawEndpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint ID %q: %w", rawEndpoint, err)
	}
	if nextRetryAt != nil {
		d.NextRetryAt = *nextRetryAt
	}
	d.Entity = entity.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt}
	return &d, nil
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Store) Enqueue(ctx context.Context, d *delivery.Delivery) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO hookrelay_deliveries (
    id, event_id, endpoint_id, status, attempt, response_code, response_time_ms,
    error, next_retry_at, payload_size_bytes, delivered_at, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID.String(), d.EventID.String(), d.EndpointID.String(), d.Status, d.Attempt,
		d.ResponseCode, d.ResponseTimeMs, d.Error, nullableTime(d.NextRetryAt),
		d.PayloadSizeBytes, d.DeliveredAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("hookrelay/postgres: enqueue delivery: %w", err)
	}
	return nil
}

func (s *Store) EnqueueBatch(ctx context.Context, ds []*delivery.Delivery) error {
	if len(ds) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("hookrelay/postgres: enqueue batch begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, d := range ds {
		_, err := tx.Exec(ctx, `
INSERT INTO hookrelay_deliveries (
    id, event_id, endpoint_id, status, attempt, response_code, response_time_ms,
    error, next_retry_at, payload_size_bytes, delivered_at, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			d.ID.String(), d.EventID.String(), d.EndpointID.String(), d.Status, d.Attempt,
			d.ResponseCode, d.ResponseTimeMs, d.Error, nullableTime(d.NextRetryAt),
			d.PayloadSizeBytes, d.DeliveredAt, d.CreatedAt, d.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("hookrelay/postgres: enqueue batch insert: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("hookrelay/postgres: enqueue batch commit: %w", err)
	}
	return nil
}

// Dequeue atomically claims due deliveries: pending rows whose retry time
// has passed, plus processing rows whose claim has gone stale (the worker
// died holding them). SKIP LOCKED keeps concurrent engines out of each
// other's batches.
func (s *Store) Dequeue(ctx context.Context, limit int) ([]*delivery.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
UPDATE hookrelay_deliveries SET status = 'processing', updated_at = NOW()
WHERE id IN (
    SELECT id FROM hookrelay_deliveries
    WHERE (status = 'pending' AND next_retry_at <= NOW())
       OR (status = 'processing' AND updated_at < NOW() - $2::interval)
    ORDER BY next_retry_at
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
RETURNING `+deliveryColumns,
		limit, delivery.ProcessingVisibilityTimeout.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/postgres: dequeue: %w", err)
	}
	defer rows.Close()

	var out []*delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE hookrelay_deliveries SET
    status = $2, attempt = $3, response_code = $4, response_time_ms = $5,
    error = $6, next_retry_at = $7, payload_size_bytes = $8, delivered_at = $9,
    updated_at = NOW()
WHERE id = $1`,
		d.ID.String(), d.Status, d.Attempt, d.ResponseCode, d.ResponseTimeMs,
		d.Error, nullableTime(d.NextRetryAt), d.PayloadSizeBytes, d.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("hookrelay/postgres: update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return hookrelay.ErrDeliveryNotFound
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM hookrelay_deliveries WHERE id = $1`, delID.String())

	d, err := scanDelivery(row)
	if err != nil {
		if isNoRows(err) {
			return nil, hookrelay.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("hookrelay/postgres: get delivery: %w", err)
	}
	return d, nil
}

func (s *Store) ListByEndpoint(ctx context.Context, epID id.ID, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM hookrelay_deliveries WHERE endpoint_id = $1`
	args := []any{epID.String()}
	if opts.Status != nil {
		args = append(args, *opts.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/postgres: list by endpoint: %w", err)
	}
	defer rows.Close()

	var out []*delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ListByEvent(ctx context.Context, evtID id.ID) ([]*delivery.Delivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM hookrelay_deliveries WHERE event_id = $1 ORDER BY created_at DESC`,
		evtID.String())
	if err != nil {
		return nil, fmt.Errorf("hookrelay/postgres: list by event: %w", err)
	}
	defer rows.Close()

	var out []*delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM hookrelay_deliveries WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/postgres: count pending: %w", err)
	}
	return n, nil
}

func (s *Store) AppendLog(ctx context.Context, l *delivery.Log) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO hookrelay_delivery_logs (
    delivery_id, attempt, request_headers, request_body, response_status,
    response_body, error, duration_ms, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.DeliveryID.String(), l.Attempt, l.RequestHeaders, l.RequestBody,
		l.ResponseStatus, l.ResponseBody, l.Error, l.DurationMs, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("hookrelay/postgres: append log: %w", err)
	}
	return nil
}

func (s *Store) ListLogs(ctx context.Context, delID id.ID) ([]*delivery.Log, error) {
	rows, err := s.pool.Query(ctx, `
SELECT delivery_id, attempt, request_headers, request_body, response_status,
       response_body, error, duration_ms, created_at
FROM hookrelay_delivery_logs
WHERE delivery_id = $1
ORDER BY attempt`,
		delID.String())
	if err != nil {
		return nil, fmt.Errorf("hookrelay/postgres: list logs: %w", err)
	}
	defer rows.Close()

	var out []*delivery.Log
	for rows.Next() {
		var (
			l     delivery.Log
			rawID string
		)
		err := rows.Scan(
			&rawID, &l.Attempt, &l.RequestHeaders, &l.RequestBody, &l.ResponseStatus,
			&l.ResponseBody, &l.Error, &l.DurationMs, &l.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		l.DeliveryID, err = id.ParseDeliveryID(rawID)
		if err != nil {
			return nil, fmt.Errorf("parse delivery ID %q: %w", rawID, err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
