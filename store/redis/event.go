package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/event"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

// eventModel is the JSON representation stored in Redis.
type eventModel struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	OrganizationID string          `json:"organization_id"`
	FormID         string          `json:"form_id"`
	SubmissionID   string          `json:"submission_id,omitempty"`
	PartialID      string          `json:"partial_id,omitempty"`
	Snapshot       json.RawMessage `json:"snapshot,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toEventModel(evt *event.Event) *eventModel {
	return &eventModel{
		ID:             evt.ID.String(),
		Type:           evt.Type,
		OrganizationID: evt.OrganizationID,
		FormID:         evt.FormID,
		SubmissionID:   evt.SubmissionID,
		PartialID:      evt.PartialID,
		Snapshot:       evt.Snapshot,
		IdempotencyKey: evt.IdempotencyKey,
		CreatedAt:      evt.CreatedAt,
		UpdatedAt:      evt.UpdatedAt,
	}
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	evtID, err := id.ParseEventID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", m.ID, err)
	}
	return &event.Event{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             evtID,
		Type:           m.Type,
		OrganizationID: m.OrganizationID,
		FormID:         m.FormID,
		SubmissionID:   m.SubmissionID,
		PartialID:      m.PartialID,
		Snapshot:       m.Snapshot,
		IdempotencyKey: m.IdempotencyKey,
	}, nil
}

func (s *Store) CreateEvent(ctx context.Context, evt *event.Event) error {
	m := toEventModel(evt)
	key := entityKey(prefixEvent, m.ID)

	// Idempotency check via SET NX.
	if m.IdempotencyKey != "" {
		ok, err := s.rdb.SetNX(ctx, uniqueEventIdem+m.IdempotencyKey, m.ID, 0).Result()
		if err != nil {
			return fmt.Errorf("hookrelay/redis: create event idem check: %w", err)
		}
		if !ok {
			return hookrelay.ErrDuplicateIdempotencyKey
		}
	}

	if err := s.setEntity(ctx, key, m); err != nil {
		return fmt.Errorf("hookrelay/redis: create event: %w", err)
	}

	if err := s.rdb.ZAdd(ctx, zEventAll, goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: m.ID}).Err(); err != nil {
		return fmt.Errorf("hookrelay/redis: create event index: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, evtID id.ID) (*event.Event, error) {
	var m eventModel
	if err := s.getEntity(ctx, entityKey(prefixEvent, evtID.String()), &m); err != nil {
		if isRedisNil(err) {
			return nil, hookrelay.ErrEventNotFound
		}
		return nil, fmt.Errorf("hookrelay/redis: get event: %w", err)
	}
	return fromEventModel(&m)
}

func (s *Store) ListEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	minScore := math.Inf(-1)
	maxScore := math.Inf(1)
	if opts.From != nil {
		minScore = scoreFromTime(*opts.From)
	}
	if opts.To != nil {
		maxScore = scoreFromTime(*opts.To)
	}

	ids, err := s.zRangeByScoreIDs(ctx, zEventAll, minScore, maxScore)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: list events: %w", err)
	}

	result := make([]*event.Event, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- { // reverse for DESC order
		var m eventModel
		if err := s.getEntity(ctx, entityKey(prefixEvent, ids[i]), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, err
		}
		if opts.Type != "" && m.Type != opts.Type {
			continue
		}
		if opts.OrganizationID != "" && m.OrganizationID != opts.OrganizationID {
			continue
		}
		evt, err := fromEventModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, evt)
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}
