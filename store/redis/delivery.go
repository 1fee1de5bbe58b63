package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/delivery"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

// deliveryModel is the JSON representation stored in Redis.
type deliveryModel struct {
	ID               string     `json:"id"`
	EventID          string     `json:"event_id"`
	EndpointID       string     `json:"endpoint_id"`
	Status           string     `json:"status"`
	Attempt          int        `json:"attempt"`
	ResponseCode     int        `json:"response_code"`
	ResponseTimeMs   int        `json:"response_time_ms"`
	Error            string     `json:"error"`
	NextRetryAt      time.Time  `json:"next_retry_at"`
	PayloadSizeBytes int        `json:"payload_size_bytes"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func toDeliveryModel(d *delivery.Delivery) *deliveryModel {
	return &deliveryModel{
		ID:               d.ID.String(),
		EventID:          d.EventID.String(),
		EndpointID:       d.EndpointID.String(),
		Status:           string(d.Status),
		Attempt:          d.Attempt,
		ResponseCode:     d.ResponseCode,
		ResponseTimeMs:   d.ResponseTimeMs,
		Error:            d.Error,
		NextRetryAt:      d.NextRetryAt,
		PayloadSizeBytes: d.PayloadSizeBytes,
		DeliveredAt:      d.DeliveredAt,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func fromDeliveryModel(m *deliveryModel) (*delivery.Delivery, error) {
	delID, err := id.ParseDeliveryID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery ID %q: %w", m.ID, err)
	}
	evtID, err := id.ParseEventID(m.EventID)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", m.EventID, err)
	}
	epID, err := id.ParseEndpointID(m.EndpointID)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint ID %q: %w", m.EndpointID, err)
	}
	return &delivery.Delivery{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:               delID,
		EventID:          evtID,
		EndpointID:       epID,
		Status:           delivery.Status(m.Status),
		Attempt:          m.Attempt,
		ResponseCode:     m.ResponseCode,
		ResponseTimeMs:   m.ResponseTimeMs,
		Error:            m.Error,
		NextRetryAt:      m.NextRetryAt,
		PayloadSizeBytes: m.PayloadSizeBytes,
		DeliveredAt:      m.DeliveredAt,
	}, nil
}

// claimScript atomically claims due deliveries. Due pending members move to
// the processing set scored with the claim time; if the batch still has room
// it also reclaims processing members whose claim is older than the
// visibility cutoff (a worker died holding them).
// KEYS[1] = pending zset, KEYS[2] = processing zset
// ARGV[1] = current unix score, ARGV[2] = limit, ARGV[3] = stale cutoff score
var claimScript = goredis.NewScript(`
local claimed = {}
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for i, id in ipairs(ids) do
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    claimed[#claimed+1] = id
end
local room = tonumber(ARGV[2]) - #claimed
if room > 0 then
    local stale = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[3], 'LIMIT', 0, room)
    for i, id in ipairs(stale) do
        redis.call('ZADD', KEYS[2], ARGV[1], id)
        claimed[#claimed+1] = id
    end
end
return claimed
`)

func (s *Store) Enqueue(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	key := entityKey(prefixDelivery, m.ID)

	if err := s.setEntity(ctx, key, m); err != nil {
		return fmt.Errorf("hookrelay/redis: enqueue delivery: %w", err)
	}

	pipe := s.rdb.Pipeline()
	if m.Status == string(delivery.StatusPending) {
		pipe.ZAdd(ctx, zDeliveryPend, goredis.Z{Score: scoreFromTime(m.NextRetryAt), Member: m.ID})
	}
	pipe.ZAdd(ctx, zDeliveryEP+m.EndpointID, goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: m.ID})
	pipe.ZAdd(ctx, zDeliveryEvt+m.EventID, goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: m.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hookrelay/redis: enqueue delivery indexes: %w", err)
	}
	return nil
}

func (s *Store) EnqueueBatch(ctx context.Context, ds []*delivery.Delivery) error {
	if len(ds) == 0 {
		return nil
	}

	pipe := s.rdb.Pipeline()
	for _, d := range ds {
		m := toDeliveryModel(d)
		key := entityKey(prefixDelivery, m.ID)

		raw, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("hookrelay/redis: enqueue batch marshal: %w", err)
		}
		pipe.Set(ctx, key, raw, 0)
		if m.Status == string(delivery.StatusPending) {
			pipe.ZAdd(ctx, zDeliveryPend, goredis.Z{Score: scoreFromTime(m.NextRetryAt), Member: m.ID})
		}
		pipe.ZAdd(ctx, zDeliveryEP+m.EndpointID, goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: m.ID})
		pipe.ZAdd(ctx, zDeliveryEvt+m.EventID, goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: m.ID})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hookrelay/redis: enqueue batch: %w", err)
	}
	return nil
}

func (s *Store) Dequeue(ctx context.Context, limit int) ([]*delivery.Delivery, error) {
	claimTime := now()
	nowScore := strconv.FormatFloat(scoreFromTime(claimTime), 'f', -1, 64)
	staleScore := strconv.FormatFloat(scoreFromTime(claimTime.Add(-delivery.ProcessingVisibilityTimeout)), 'f', -1, 64)

	result, err := claimScript.Run(ctx, s.rdb, []string{zDeliveryPend, zDeliveryProc}, nowScore, limit, staleScore).StringSlice()
	if err != nil {
		if isRedisNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("hookrelay/redis: claim script: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}

	deliveries := make([]*delivery.Delivery, 0, len(result))
	for _, entryID := range result {
		key := entityKey(prefixDelivery, entryID)
		var m deliveryModel
		if err := s.getEntity(ctx, key, &m); err != nil {
			if isRedisNil(err) {
				s.rdb.ZRem(ctx, zDeliveryProc, entryID)
				continue
			}
			return nil, fmt.Errorf("hookrelay/redis: dequeue get: %w", err)
		}

		m.Status = string(delivery.StatusProcessing)
		m.UpdatedAt = claimTime
		if err := s.setEntity(ctx, key, &m); err != nil {
			return nil, fmt.Errorf("hookrelay/redis: dequeue update: %w", err)
		}

		d, err := fromDeliveryModel(&m)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}

	return deliveries, nil
}

func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	m.UpdatedAt = now()
	key := entityKey(prefixDelivery, m.ID)

	if err := s.setEntity(ctx, key, m); err != nil {
		return fmt.Errorf("hookrelay/redis: update delivery: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, zDeliveryProc, m.ID)
	if d.Status == delivery.StatusPending {
		pipe.ZAdd(ctx, zDeliveryPend, goredis.Z{Score: scoreFromTime(m.NextRetryAt), Member: m.ID})
	} else {
		pipe.ZRem(ctx, zDeliveryPend, m.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hookrelay/redis: update delivery indexes: %w", err)
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	var m deliveryModel
	if err := s.getEntity(ctx, entityKey(prefixDelivery, delID.String()), &m); err != nil {
		if isRedisNil(err) {
			return nil, hookrelay.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("hookrelay/redis: get delivery: %w", err)
	}
	return fromDeliveryModel(&m)
}

func (s *Store) ListByEndpoint(ctx context.Context, epID id.ID, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	ids, err := s.rdb.ZRange(ctx, zDeliveryEP+epID.String(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: list by endpoint: %w", err)
	}

	result := make([]*delivery.Delivery, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- { // reverse for DESC order
		var m deliveryModel
		if err := s.getEntity(ctx, entityKey(prefixDelivery, ids[i]), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, err
		}
		if opts.Status != nil && delivery.Status(m.Status) != *opts.Status {
			continue
		}
		d, err := fromDeliveryModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ListByEvent(ctx context.Context, evtID id.ID) ([]*delivery.Delivery, error) {
	ids, err := s.rdb.ZRange(ctx, zDeliveryEvt+evtID.String(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: list by event: %w", err)
	}

	result := make([]*delivery.Delivery, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- { // reverse for DESC order
		var m deliveryModel
		if err := s.getEntity(ctx, entityKey(prefixDelivery, ids[i]), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, err
		}
		d, err := fromDeliveryModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}

	return result, nil
}

func (s *Store) CountPending(ctx context.Context) (int64, error) {
	count, err := s.rdb.ZCard(ctx, zDeliveryPend).Result()
	if err != nil {
		return 0, fmt.Errorf("hookrelay/redis: count pending: %w", err)
	}
	return count, nil
}

func (s *Store) AppendLog(ctx context.Context, l *delivery.Log) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("hookrelay/redis: marshal log: %w", err)
	}
	if err := s.rdb.RPush(ctx, lDeliveryLogs+l.DeliveryID.String(), raw).Err(); err != nil {
		return fmt.Errorf("hookrelay/redis: append log: %w", err)
	}
	return nil
}

func (s *Store) ListLogs(ctx context.Context, delID id.ID) ([]*delivery.Log, error) {
	raws, err := s.rdb.LRange(ctx, lDeliveryLogs+delID.String(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: list logs: %w", err)
	}

	logs := make([]*delivery.Log, 0, len(raws))
	for _, raw := range raws {
		var l delivery.Log
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return nil, fmt.Errorf("hookrelay/redis: unmarshal log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, nil
}
