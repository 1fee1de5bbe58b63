package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/endpoint"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

// endpointModel is the JSON representation stored in Redis. Delivery counters
// live in a separate hash so IncrementStats stays a plain HINCRBY.
type endpointModel struct {
	ID              string            `json:"id"`
	OrganizationID  string            `json:"organization_id"`
	URL             string            `json:"url"`
	Description     string            `json:"description"`
	Secret          string            `json:"secret"`
	Events          []string          `json:"events"`
	IncludePartials bool              `json:"include_partials"`
	Active          bool              `json:"active"`
	RetryEnabled    bool              `json:"retry_enabled"`
	MaxRetries      int               `json:"max_retries"`
	Headers         map[string]string `json:"headers,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (s *Store) toEndpointModel(ep *endpoint.Endpoint) (*endpointModel, error) {
	sealed, err := s.sealSecret(ep.Secret)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: seal secret: %w", err)
	}
	return &endpointModel{
		ID:              ep.ID.String(),
		OrganizationID:  ep.OrganizationID,
		URL:             ep.URL,
		Description:     ep.Description,
		Secret:          sealed,
		Events:          ep.Events,
		IncludePartials: ep.IncludePartials,
		Active:          ep.Active,
		RetryEnabled:    ep.RetryEnabled,
		MaxRetries:      ep.MaxRetries,
		Headers:         ep.Headers,
		CreatedAt:       ep.CreatedAt,
		UpdatedAt:       ep.UpdatedAt,
	}, nil
}

func (s *Store) fromEndpointModel(m *endpointModel) (*endpoint.Endpoint, error) {
	epID, err := id.ParseEndpointID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint ID %q: %w", m.ID, err)
	}
	secret, err := s.openSecret(m.Secret)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: open secret: %w", err)
	}
	return &endpoint.Endpoint{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:              epID,
		OrganizationID:  m.OrganizationID,
		URL:             m.URL,
		Description:     m.Description,
		Secret:          secret,
		Events:          m.Events,
		IncludePartials: m.IncludePartials,
		Active:          m.Active,
		RetryEnabled:    m.RetryEnabled,
		MaxRetries:      m.MaxRetries,
		Headers:         m.Headers,
	}, nil
}

// loadStats merges the counter hash into an endpoint.
func (s *Store) loadStats(ctx context.Context, ep *endpoint.Endpoint) error {
	vals, err := s.rdb.HGetAll(ctx, hEndpointStats+ep.ID.String()).Result()
	if err != nil {
		return fmt.Errorf("hookrelay/redis: load stats: %w", err)
	}
	ep.TotalDeliveries, _ = strconv.ParseInt(vals[statsFieldTotal], 10, 64)
	ep.SuccessfulDeliveries, _ = strconv.ParseInt(vals[statsFieldSuccessful], 10, 64)
	ep.FailedDeliveries, _ = strconv.ParseInt(vals[statsFieldFailed], 10, 64)
	return nil
}

func (s *Store) CreateEndpoint(ctx context.Context, ep *endpoint.Endpoint) error {
	m, err := s.toEndpointModel(ep)
	if err != nil {
		return err
	}
	key := entityKey(prefixEndpoint, m.ID)

	if err := s.setEntity(ctx, key, m); err != nil {
		return fmt.Errorf("hookrelay/redis: create endpoint: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, zEndpointOrg+m.OrganizationID, goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: m.ID})
	if m.Active {
		pipe.SAdd(ctx, activeSetKey(m.OrganizationID), m.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hookrelay/redis: create endpoint indexes: %w", err)
	}
	return nil
}

func (s *Store) GetEndpoint(ctx context.Context, epID id.ID) (*endpoint.Endpoint, error) {
	var m endpointModel
	if err := s.getEntity(ctx, entityKey(prefixEndpoint, epID.String()), &m); err != nil {
		if isRedisNil(err) {
			return nil, hookrelay.ErrEndpointNotFound
		}
		return nil, fmt.Errorf("hookrelay/redis: get endpoint: %w", err)
	}
	ep, err := s.fromEndpointModel(&m)
	if err != nil {
		return nil, err
	}
	if err := s.loadStats(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (s *Store) UpdateEndpoint(ctx context.Context, ep *endpoint.Endpoint) error {
	key := entityKey(prefixEndpoint, ep.ID.String())

	var existing endpointModel
	if err := s.getEntity(ctx, key, &existing); err != nil {
		if isRedisNil(err) {
			return hookrelay.ErrEndpointNotFound
		}
		return fmt.Errorf("hookrelay/redis: update endpoint get: %w", err)
	}

	m, err := s.toEndpointModel(ep)
	if err != nil {
		return err
	}
	m.CreatedAt = existing.CreatedAt
	m.UpdatedAt = now()

	if err := s.setEntity(ctx, key, m); err != nil {
		return fmt.Errorf("hookrelay/redis: update endpoint: %w", err)
	}

	if m.Active {
		s.rdb.SAdd(ctx, activeSetKey(m.OrganizationID), m.ID)
	} else {
		s.rdb.SRem(ctx, activeSetKey(m.OrganizationID), m.ID)
	}
	return nil
}

func (s *Store) DeleteEndpoint(ctx context.Context, epID id.ID) error {
	key := entityKey(prefixEndpoint, epID.String())

	var m endpointModel
	if err := s.getEntity(ctx, key, &m); err != nil {
		if isRedisNil(err) {
			return hookrelay.ErrEndpointNotFound
		}
		return fmt.Errorf("hookrelay/redis: delete endpoint get: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, key)
	pipe.Del(ctx, hEndpointStats+m.ID)
	pipe.ZRem(ctx, zEndpointOrg+m.OrganizationID, m.ID)
	pipe.SRem(ctx, activeSetKey(m.OrganizationID), m.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hookrelay/redis: delete endpoint: %w", err)
	}
	return nil
}

func (s *Store) ListEndpoints(ctx context.Context, organizationID string, opts endpoint.ListOpts) ([]*endpoint.Endpoint, error) {
	ids, err := s.rdb.ZRange(ctx, zEndpointOrg+organizationID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: list endpoints: %w", err)
	}

	result := make([]*endpoint.Endpoint, 0, len(ids))
	for _, entryID := range ids {
		var m endpointModel
		if err := s.getEntity(ctx, entityKey(prefixEndpoint, entryID), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, err
		}
		if opts.ActiveOnly && !m.Active {
			continue
		}
		ep, err := s.fromEndpointModel(&m)
		if err != nil {
			return nil, err
		}
		if err := s.loadStats(ctx, ep); err != nil {
			return nil, err
		}
		result = append(result, ep)
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

func (s *Store) Resolve(ctx context.Context, organizationID string, eventType string) ([]*endpoint.Endpoint, error) {
	ids, err := s.rdb.SMembers(ctx, activeSetKey(organizationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: resolve: %w", err)
	}

	var result []*endpoint.Endpoint
	for _, entryID := range ids {
		var m endpointModel
		if err := s.getEntity(ctx, entityKey(prefixEndpoint, entryID), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, err
		}
		ep, err := s.fromEndpointModel(&m)
		if err != nil {
			return nil, err
		}
		if !ep.Matches(eventType) {
			continue
		}
		result = append(result, ep)
	}
	return result, nil
}

func (s *Store) SetActive(ctx context.Context, epID id.ID, active bool) error {
	key := entityKey(prefixEndpoint, epID.String())

	var m endpointModel
	if err := s.getEntity(ctx, key, &m); err != nil {
		if isRedisNil(err) {
			return hookrelay.ErrEndpointNotFound
		}
		return fmt.Errorf("hookrelay/redis: set active get: %w", err)
	}

	m.Active = active
	m.UpdatedAt = now()

	if err := s.setEntity(ctx, key, &m); err != nil {
		return fmt.Errorf("hookrelay/redis: set active: %w", err)
	}

	if active {
		s.rdb.SAdd(ctx, activeSetKey(m.OrganizationID), m.ID)
	} else {
		s.rdb.SRem(ctx, activeSetKey(m.OrganizationID), m.ID)
	}
	return nil
}

func (s *Store) IncrementStats(ctx context.Context, epID id.ID, delta endpoint.StatsDelta) error {
	key := hEndpointStats + epID.String()

	pipe := s.rdb.Pipeline()
	if delta.Total != 0 {
		pipe.HIncrBy(ctx, key, statsFieldTotal, delta.Total)
	}
	if delta.Successful != 0 {
		pipe.HIncrBy(ctx, key, statsFieldSuccessful, delta.Successful)
	}
	if delta.Failed != 0 {
		pipe.HIncrBy(ctx, key, statsFieldFailed, delta.Failed)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hookrelay/redis: increment stats: %w", err)
	}
	return nil
}
