package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/dlq"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

// dlqEntryModel is the JSON representation stored in Redis.
type dlqEntryModel struct {
	ID             string          `json:"id"`
	DeliveryID     string          `json:"delivery_id"`
	EventID        string          `json:"event_id"`
	EndpointID     string          `json:"endpoint_id"`
	EventType      string          `json:"event_type"`
	OrganizationID string          `json:"organization_id"`
	URL            string          `json:"url"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Reason         string          `json:"reason"`
	Attempts       int             `json:"attempts"`
	LastStatusCode int             `json:"last_status_code"`
	RedrivenAt     *time.Time      `json:"redriven_at,omitempty"`
	FailedAt       time.Time       `json:"failed_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toDLQEntryModel(e *dlq.Entry) *dlqEntryModel {
	return &dlqEntryModel{
		ID:             e.ID.String(),
		DeliveryID:     e.DeliveryID.String(),
		EventID:        e.EventID.String(),
		EndpointID:     e.EndpointID.String(),
		EventType:      e.EventType,
		OrganizationID: e.OrganizationID,
		URL:            e.URL,
		Payload:        e.Payload,
		Reason:         e.Reason,
		Attempts:       e.Attempts,
		LastStatusCode: e.LastStatusCode,
		RedrivenAt:     e.RedrivenAt,
		FailedAt:       e.FailedAt,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

func fromDLQEntryModel(m *dlqEntryModel) (*dlq.Entry, error) {
	dlqID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse DLQ ID %q: %w", m.ID, err)
	}
	delID, err := id.ParseDeliveryID(m.DeliveryID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery ID %q: %w", m.DeliveryID, err)
	}
	evtID, err := id.ParseEventID(m.EventID)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", m.EventID, err)
	}
	epID, err := id.ParseEndpointID(m.EndpointID)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint ID %q: %w", m.EndpointID, err)
	}
	return &dlq.Entry{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             dlqID,
		DeliveryID:     delID,
		EventID:        evtID,
		EndpointID:     epID,
		EventType:      m.EventType,
		OrganizationID: m.OrganizationID,
		URL:            m.URL,
		Payload:        m.Payload,
		Reason:         m.Reason,
		Attempts:       m.Attempts,
		LastStatusCode: m.LastStatusCode,
		RedrivenAt:     m.RedrivenAt,
		FailedAt:       m.FailedAt,
	}, nil
}

func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	m := toDLQEntryModel(entry)
	key := entityKey(prefixDLQ, m.ID)

	if err := s.setEntity(ctx, key, m); err != nil {
		return fmt.Errorf("hookrelay/redis: push dlq: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, zDLQAll, goredis.Z{Score: scoreFromTime(m.FailedAt), Member: m.ID})
	if m.OrganizationID != "" {
		pipe.ZAdd(ctx, zDLQOrg+m.OrganizationID, goredis.Z{Score: scoreFromTime(m.FailedAt), Member: m.ID})
	}
	if m.EndpointID != "" {
		pipe.ZAdd(ctx, zDLQEndpoint+m.EndpointID, goredis.Z{Score: scoreFromTime(m.FailedAt), Member: m.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hookrelay/redis: push dlq indexes: %w", err)
	}
	return nil
}

func (s *Store) GetDLQ(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	var m dlqEntryModel
	if err := s.getEntity(ctx, entityKey(prefixDLQ, dlqID.String()), &m); err != nil {
		if isRedisNil(err) {
			return nil, hookrelay.ErrDLQNotFound
		}
		return nil, fmt.Errorf("hookrelay/redis: get dlq: %w", err)
	}
	return fromDLQEntryModel(&m)
}

func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	zKey := zDLQAll
	if opts.OrganizationID != "" {
		zKey = zDLQOrg + opts.OrganizationID
	}
	if opts.EndpointID != nil {
		zKey = zDLQEndpoint + opts.EndpointID.String()
	}

	minScore := math.Inf(-1)
	maxScore := math.Inf(1)
	if opts.From != nil {
		minScore = scoreFromTime(*opts.From)
	}
	if opts.To != nil {
		maxScore = scoreFromTime(*opts.To)
	}

	ids, err := s.zRangeByScoreIDs(ctx, zKey, minScore, maxScore)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: list dlq: %w", err)
	}

	result := make([]*dlq.Entry, 0, len(ids))
	for _, entryID := range ids {
		var m dlqEntryModel
		if err := s.getEntity(ctx, entityKey(prefixDLQ, entryID), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, err
		}
		if opts.NotRedriven && m.RedrivenAt != nil {
			continue
		}
		entry, err := fromDLQEntryModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// MarkRedriven sets RedrivenAt exactly once. The SET NX marker is the atomic
// gate: only one caller wins it, and only the winner mutates the document.
func (s *Store) MarkRedriven(ctx context.Context, dlqID id.ID, at time.Time) error {
	key := entityKey(prefixDLQ, dlqID.String())

	var m dlqEntryModel
	if err := s.getEntity(ctx, key, &m); err != nil {
		if isRedisNil(err) {
			return hookrelay.ErrDLQNotFound
		}
		return fmt.Errorf("hookrelay/redis: mark redriven get: %w", err)
	}

	won, err := s.rdb.SetNX(ctx, markerRedriven+m.ID, at.Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return fmt.Errorf("hookrelay/redis: mark redriven gate: %w", err)
	}
	if !won {
		return hookrelay.ErrAlreadyRedriven
	}

	t := at
	m.RedrivenAt = &t
	m.UpdatedAt = now()
	if err := s.setEntity(ctx, key, &m); err != nil {
		return fmt.Errorf("hookrelay/redis: mark redriven: %w", err)
	}
	return nil
}

func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	maxScore := scoreFromTime(before)
	ids, err := s.zRangeByScoreIDs(ctx, zDLQAll, math.Inf(-1), maxScore)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/redis: purge list: %w", err)
	}

	var count int64
	for _, entryID := range ids {
		var m dlqEntryModel
		if err := s.getEntity(ctx, entityKey(prefixDLQ, entryID), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return count, err
		}

		pipe := s.rdb.Pipeline()
		pipe.Del(ctx, entityKey(prefixDLQ, entryID))
		pipe.Del(ctx, markerRedriven+entryID)
		pipe.ZRem(ctx, zDLQAll, entryID)
		if m.OrganizationID != "" {
			pipe.ZRem(ctx, zDLQOrg+m.OrganizationID, entryID)
		}
		if m.EndpointID != "" {
			pipe.ZRem(ctx, zDLQEndpoint+m.EndpointID, entryID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return count, fmt.Errorf("hookrelay/redis: purge entry: %w", err)
		}
		count++
	}

	return count, nil
}

func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	count, err := s.rdb.ZCard(ctx, zDLQAll).Result()
	if err != nil {
		return 0, fmt.Errorf("hookrelay/redis: count dlq: %w", err)
	}
	return count, nil
}
