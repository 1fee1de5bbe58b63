package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/event"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

const eventColumns = `id, type, organization_id, form_id, submission_id, partial_id,
	snapshot, idempotency_key, created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*event.Event, error) {
	var (
		evt       event.Event
		rawID     string
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(
		&rawID, &evt.Type, &evt.OrganizationID, &evt.FormID, &evt.SubmissionID,
		&evt.PartialID, &evt.Snapshot, &evt.IdempotencyKey, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	evt.ID, err = id.ParseEventID(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", rawID, err)
	}
	evt.Entity = entity.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt}
	return &evt, nil
}

func (s *Store) CreateEvent(ctx context.Context, evt *event.Event) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO hookrelay_events (
    id, type, organization_id, form_id, submission_id, partial_id,
    snapshot, idempotency_key, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		evt.ID.String(), evt.Type, evt.OrganizationID, evt.FormID, evt.SubmissionID,
		evt.PartialID, evt.Snapshot, evt.IdempotencyKey, evt.CreatedAt, evt.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return hookrelay.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("hookrelay/postgres: create event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, evtID id.ID) (*event.Event, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM hookrelay_events WHERE id = $1`, evtID.String())

	evt, err := scanEvent(row)
	if err != nil {
		if isNoRows(err) {
			return nil, hookrelay.ErrEventNotFound
		}
		return nil, fmt.Errorf("hookrelay/postgres: get event: %w", err)
	}
	return evt, nil
}

func (s *Store) ListEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM hookrelay_events WHERE TRUE`
	var args []any
	if opts.Type != "" {
		args = append(args, opts.Type)
		query += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	if opts.OrganizationID != "" {
		args = append(args, opts.OrganizationID)
		query += fmt.Sprintf(` AND organization_id = $%d`, len(args))
	}
	if opts.From != nil {
		args = append(args, *opts.From)
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if opts.To != nil {
		args = append(args, *opts.To)
		query += fmt.Sprintf(` AND created_at <= $%d`, len(args))
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
		return nil, fmt.Errorf("hookrelay/postgres: list events: %w", err)
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
