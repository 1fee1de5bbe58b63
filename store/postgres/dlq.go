package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/dlq"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

const dlqColumns = `id, delivery_id, event_id, endpoint_id, event_type, organization_id,
	url, payload, reason, attempts, last_status_code, redriven_at, failed_at,
	created_at, updated_at`

func scanDLQEntry(row interface{ Scan(...any) error }) (*dlq.Entry, error) {
	var (
		e           dlq.Entry
		rawID       string
		rawDelivery string
		rawEvent    string
		rawEndpoint string
		createdAt   time.Time
		updatedAt   time.Time
	)
	err := row.Scan(
		&rawID, &rawDelivery, &rawEvent, &rawEndpoint, &e.EventType, &e.OrganizationID,
		&e.URL, &e.Payload, &e.Reason, &e.Attempts, &e.LastStatusCode, &e.RedrivenAt,
		&e.FailedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.ID, err = id.ParseDLQID(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse DLQ ID %q: %w", rawID, err)
	}
	e.DeliveryID, err = id.ParseDeliveryID(rawDelivery)
	if err != nil {
		return nil, fmt.Errorf("parse delivery ID %q: %w", rawDelivery, err)
	}
	e.EventID, err = id.ParseEventID(rawEvent)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", rawEvent, err)
	}
	e.EndpointID, err = id.ParseEndpointID(rawEndpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint ID %q: %w", rawEndpoint, err)
	}
	e.Entity = entity.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt}
	return &e, nil
}

func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO hookrelay_dlq_entries (
    id, delivery_id, event_id, endpoint_id, event_type, organization_id, url,
    payload, reason, attempts, last_status_code, failed_at, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		entry.ID.String(), entry.DeliveryID.String(), entry.EventID.String(),
		entry.EndpointID.String(), entry.EventType, entry.OrganizationID, entry.URL,
		entry.Payload, entry.Reason, entry.Attempts, entry.LastStatusCode,
		entry.FailedAt, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("hookrelay/postgres: push dlq: %w", err)
	}
	return nil
}

func (s *Store) GetDLQ(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+dlqColumns+` FROM hookrelay_dlq_entries WHERE id = $1`, dlqID.String())

	entry, err := scanDLQEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, hookrelay.ErrDLQNotFound
		}
		return nil, fmt.Errorf("hookrelay/postgres: get dlq: %w", err)
	}
	return entry, nil
}

func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT ` + dlqColumns + ` FROM hookrelay_dlq_entries WHERE TRUE`
	var args []any
	if opts.OrganizationID != "" {
		args = append(args, opts.OrganizationID)
		query += fmt.Sprintf(` AND organization_id = $%d`, len(args))
	}
	if opts.EndpointID != nil {
		args = append(args, opts.EndpointID.String())
		query += fmt.Sprintf(` AND endpoint_id = $%d`, len(args))
	}
	if opts.NotRedriven {
		query += ` AND redriven_at IS NULL`
	}
	if opts.From != nil {
		args = append(args, *opts.From)
		query += fmt.Sprintf(` AND failed_at >= $%d`, len(args))
	}
	if opts.To != nil {
		args = append(args, *opts.To)
		query += fmt.Sprintf(` AND failed_at <= $%d`, len(args))
	}
	query += ` ORDER BY failed_at`
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
		return nil, fmt.Errorf("hookrelay/postgres: list dlq: %w", err)
	}
	defer rows.Close()

	var out []*dlq.Entry
	for rows.Next() {
		entry, err := scanDLQEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// MarkRedriven sets RedrivenAt exactly once. The conditional UPDATE is the
// compare-and-set: a second caller matches zero rows.
func (s *Store) MarkRedriven(ctx context.Context, dlqID id.ID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE hookrelay_dlq_entries SET redriven_at = $2, updated_at = NOW()
		 WHERE id = $1 AND redriven_at IS NULL`,
		dlqID.String(), at)
	if err != nil {
		return fmt.Errorf("hookrelay/postgres: mark redriven: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM hookrelay_dlq_entries WHERE id = $1)`,
			dlqID.String()).Scan(&exists); err != nil {
			return fmt.Errorf("hookrelay/postgres: mark redriven check: %w", err)
		}
		if !exists {
			return hookrelay.ErrDLQNotFound
		}
		return hookrelay.ErrAlreadyRedriven
	}
	return nil
}

func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM hookrelay_dlq_entries WHERE failed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/postgres: purge dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM hookrelay_dlq_entries`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/postgres: count dlq: %w", err)
	}
	return n, nil
}
