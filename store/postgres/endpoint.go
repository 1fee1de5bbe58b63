package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/endpoint"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

const endpointColumns = `id, organization_id, url, description, secret, events, include_partials,
	active, retry_enabled, max_retries, headers, total_deliveries, successful_deliveries,
	failed_deliveries, created_at, updated_at`

// scanEndpoint reads one endpoint row.
func (s *Store) scanEndpoint(row interface{ Scan(...any) error }) (*endpoint.Endpoint, error) {
	var (
		ep        endpoint.Endpoint
		rawID     string
		secret    string
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(
		&rawID, &ep.OrganizationID, &ep.URL, &ep.Description, &secret, &ep.Events,
		&ep.IncludePartials, &ep.Active, &ep.RetryEnabled, &ep.MaxRetries, &ep.Headers,
		&ep.TotalDeliveries, &ep.SuccessfulDeliveries, &ep.FailedDeliveries,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	ep.ID, err = id.ParseEndpointID(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint ID %q: %w", rawID, err)
	}
	ep.Secret, err = s.openSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/postgres: open secret: %w", err)
	}
	ep.Entity = entity.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt}
	return &ep, nil
}

func (s *Store) CreateEndpoint(ctx context.Context, ep *endpoint.Endpoint) error {
	sealed, err := s.sealSecret(ep.Secret)
	if err != nil {
		return fmt.Errorf("hookrelay/postgres: seal secret: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO hookrelay_endpoints (
    id, organization_id, url, description, secret, events, include_partials,
    active, retry_enabled, max_retries, headers, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ep.ID.String(), ep.OrganizationID, ep.URL, ep.Description, sealed, ep.Events,
		ep.IncludePartials, ep.Active, ep.RetryEnabled, ep.MaxRetries, ep.Headers,
		ep.CreatedAt, ep.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("hookrelay/postgres: create endpoint: %w", err)
	}
	return nil
}

func (s *Store) GetEndpoint(ctx context.Context, epID id.ID) (*endpoint.Endpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM hookrelay_endpoints WHERE id = $1`, epID.String())

	ep, err := s.scanEndpoint(row)
	if err != nil {
		if isNoRows(err) {
			return nil, hookrelay.ErrEndpointNotFound
		}
		return nil, fmt.Errorf("hookrelay/postgres: get endpoint: %w", err)
	}
	return ep, nil
}

// UpdateEndpoint persists an endpoint's configuration. The delivery counters
// are owned by IncrementStats and never written here, so a stale read cannot
// clobber them.
func (s *Store) UpdateEndpoint(ctx context.Context, ep *endpoint.Endpoint) error {
	sealed, err := s.sealSecret(ep.Secret)
	if err != nil {
		return fmt.Errorf("hookrelay/postgres: seal secret: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE hookrelay_endpoints SET
    url = $2, description = $3, secret = $4, events = $5, include_partials = $6,
    active = $7, retry_enabled = $8, max_retries = $9, headers = $10, updated_at = NOW()
WHERE id = $1`,
		ep.ID.String(), ep.URL, ep.Description, sealed, ep.Events, ep.IncludePartials,
		ep.Active, ep.RetryEnabled, ep.MaxRetries, ep.Headers,
	)
	if err != nil {
		return fmt.Errorf("hookrelay/postgres: update endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return hookrelay.ErrEndpointNotFound
	}
	return nil
}

func (s *Store) DeleteEndpoint(ctx context.Context, epID id.ID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM hookrelay_endpoints WHERE id = $1`, epID.String())
	if err != nil {
		return fmt.Errorf("hookrelay/postgres: delete endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return hookrelay.ErrEndpointNotFound
	}
	return nil
}

func (s *Store) ListEndpoints(ctx context.Context, organizationID string, opts endpoint.ListOpts) ([]*endpoint.Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM hookrelay_endpoints WHERE organization_id = $1`
	if opts.ActiveOnly {
		query += ` AND active`
	}
	query += ` ORDER BY created_at`
	args := []any{organizationID}
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, len(args)+1)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/postgres: list endpoints: %w", err)
	}
	defer rows.Close()

	var out []*endpoint.Endpoint
	for rows.Next() {
		ep, err := s.scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *Store) Resolve(ctx context.Context, organizationID string, eventType string) ([]*endpoint.Endpoint, error) {
	// Subscription matching (empty set, wildcard, partial gating) is domain
	// logic; the query narrows to active endpoints of the organization and
	// Matches does the rest.
	rows, err := s.pool.Query(ctx,
		`SELECT `+endpointColumns+` FROM hookrelay_endpoints WHERE organization_id = $1 AND active`,
		organizationID)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/postgres: resolve: %w", err)
	}
	defer rows.Close()

	var out []*endpoint.Endpoint
	for rows.Next() {
		ep, err := s.scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		if ep.Matches(eventType) {
			out = append(out, ep)
		}
	}
	return out, rows.Err()
}

func (s *Store) SetActive(ctx context.Context, epID id.ID, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE hookrelay_endpoints SET active = $2, updated_at = NOW() WHERE id = $1`,
		epID.String(), active)
	if err != nil {
		return fmt.Errorf("hookrelay/postgres: set active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return hookrelay.ErrEndpointNotFound
	}
	return nil
}

func (s *Store) IncrementStats(ctx context.Context, epID id.ID, delta endpoint.StatsDelta) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE hookrelay_endpoints SET
    total_deliveries = total_deliveries + $2,
    successful_deliveries = successful_deliveries + $3,
    failed_deliveries = failed_deliveries + $4
WHERE id = $1`,
		epID.String(), delta.Total, delta.Successful, delta.Failed,
	)
	if err != nil {
		return fmt.Errorf("hookrelay/postgres: increment stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return hookrelay.ErrEndpointNotFound
	}
	return nil
}
