package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/delivery"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

// deliveryModel is the BSON representation.
type deliveryModel struct {
	ID               string     `bson:"_id"`
	EventID          string     `bson:"event_id"`
	EndpointID       string     `bson:"endpoint_id"`
	Status           string     `bson:"status"`
	Attempt          int        `bson:"attempt"`
	ResponseCode     int        `bson:"response_code"`
	ResponseTimeMs   int        `bson:"response_time_ms"`
	Error            string     `bson:"error"`
	NextRetryAt      time.Time  `bson:"next_retry_at"`
	PayloadSizeBytes int        `bson:"payload_size_bytes"`
	DeliveredAt      *time.Time `bson:"delivered_at,omitempty"`
	CreatedAt        time.Time  `bson:"created_at"`
	UpdatedAt        time.Time  `bson:"updated_at"`
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

func (s *Store) Enqueue(ctx context.Context, d *delivery.Delivery) error {
	if _, err := s.db.Collection(colDeliveries).InsertOne(ctx, toDeliveryModel(d)); err != nil {
		return fmt.Errorf("hookrelay/mongo: enqueue delivery: %w", err)
	}
	return nil
}

func (s *Store) EnqueueBatch(ctx context.Context, ds []*delivery.Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	docs := make([]any, 0, len(ds))
	for _, d := range ds {
		docs = append(docs, toDeliveryModel(d))
	}
	if _, err := s.db.Collection(colDeliveries).InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("hookrelay/mongo: enqueue batch: %w", err)
	}
	return nil
}

// Dequeue claims up to limit due deliveries, one FindOneAndUpdate per claim
// so each document moves to processing atomically. Processing documents
// whose claim has gone stale are eligible again.
func (s *Store) Dequeue(ctx context.Context, limit int) ([]*delivery.Delivery, error) {
	claimTime := now()
	staleCutoff := claimTime.Add(-delivery.ProcessingVisibilityTimeout)

	filter := bson.M{"$or": bson.A{
		bson.M{"status": string(delivery.StatusPending), "next_retry_at": bson.M{"$lte": claimTime}},
		bson.M{"status": string(delivery.StatusProcessing), "updated_at": bson.M{"$lt": staleCutoff}},
	}}
	update := bson.M{"$set": bson.M{
		"status":     string(delivery.StatusProcessing),
		"updated_at": claimTime,
	}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "next_retry_at", Value: 1}}).
		SetReturnDocument(options.After)

	var claimed []*delivery.Delivery
	for range limit {
		var m deliveryModel
		err := s.db.Collection(colDeliveries).FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
		if err != nil {
			if isNoDocuments(err) {
				break
			}
			return nil, fmt.Errorf("hookrelay/mongo: dequeue claim: %w", err)
		}
		d, err := fromDeliveryModel(&m)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, d)
	}
	return claimed, nil
}

func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	update := bson.M{"$set": bson.M{
		"status":             m.Status,
		"attempt":            m.Attempt,
		"response_code":      m.ResponseCode,
		"response_time_ms":   m.ResponseTimeMs,
		"error":              m.Error,
		"next_retry_at":      m.NextRetryAt,
		"payload_size_bytes": m.PayloadSizeBytes,
		"delivered_at":       m.DeliveredAt,
		"updated_at":         now(),
	}}
	res, err := s.db.Collection(colDeliveries).UpdateOne(ctx, bson.M{"_id": m.ID}, update)
	if err != nil {
		return fmt.Errorf("hookrelay/mongo: update delivery: %w", err)
	}
	if res.MatchedCount == 0 {
		return hookrelay.ErrDeliveryNotFound
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	var m deliveryModel
	err := s.db.Collection(colDeliveries).FindOne(ctx, bson.M{"_id": delID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, hookrelay.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("hookrelay/mongo: get delivery: %w", err)
	}
	return fromDeliveryModel(&m)
}

func (s *Store) ListByEndpoint(ctx context.Context, epID id.ID, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	filter := bson.M{"endpoint_id": epID.String()}
	if opts.Status != nil {
		filter["status"] = string(*opts.Status)
	}

	findOpts := listFindOpts(opts.Offset, opts.Limit, bson.D{{Key: "created_at", Value: -1}})
	cur, err := s.db.Collection(colDeliveries).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/mongo: list by endpoint: %w", err)
	}
	defer cur.Close(ctx)

	return decodeDeliveries(ctx, cur)
}

func (s *Store) ListByEvent(ctx context.Context, evtID id.ID) ([]*delivery.Delivery, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cur, err := s.db.Collection(colDeliveries).Find(ctx, bson.M{"event_id": evtID.String()}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/mongo: list by event: %w", err)
	}
	defer cur.Close(ctx)

	return decodeDeliveries(ctx, cur)
}

func decodeDeliveries(ctx context.Context, cur interface {
	Next(context.Context) bool
	Decode(any) error
	Err() error
}) ([]*delivery.Delivery, error) {
	var result []*delivery.Delivery
	for cur.Next(ctx) {
		var m deliveryModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("hookrelay/mongo: decode delivery: %w", err)
		}
		d, err := fromDeliveryModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, cur.Err()
}

func (s *Store) CountPending(ctx context.Context) (int64, error) {
	count, err := s.db.Collection(colDeliveries).CountDocuments(ctx, bson.M{"status": string(delivery.StatusPending)})
	if err != nil {
		return 0, fmt.Errorf("hookrelay/mongo: count pending: %w", err)
	}
	return count, nil
}

// logModel is the BSON representation of a single attempt record.
type logModel struct {
	DeliveryID     string            `bson:"delivery_id"`
	Attempt        int               `bson:"attempt"`
	RequestHeaders map[string]string `bson:"request_headers,omitempty"`
	RequestBody    string            `bson:"request_body,omitempty"`
	ResponseStatus int               `bson:"response_status"`
	ResponseBody   string            `bson:"response_body,omitempty"`
	Error          string            `bson:"error,omitempty"`
	DurationMs     int               `bson:"duration_ms"`
	CreatedAt      time.Time         `bson:"created_at"`
}

func (s *Store) AppendLog(ctx context.Context, l *delivery.Log) error {
	m := &logModel{
		DeliveryID:     l.DeliveryID.String(),
		Attempt:        l.Attempt,
		RequestHeaders: l.RequestHeaders,
		RequestBody:    l.RequestBody,
		ResponseStatus: l.ResponseStatus,
		ResponseBody:   l.ResponseBody,
		Error:          l.Error,
		DurationMs:     l.DurationMs,
		CreatedAt:      l.CreatedAt,
	}
	if _, err := s.db.Collection(colLogs).InsertOne(ctx, m); err != nil {
		return fmt.Errorf("hookrelay/mongo: append log: %w", err)
	}
	return nil
}

func (s *Store) ListLogs(ctx context.Context, delID id.ID) ([]*delivery.Log, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "attempt", Value: 1}})
	cur, err := s.db.Collection(colLogs).Find(ctx, bson.M{"delivery_id": delID.String()}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/mongo: list logs: %w", err)
	}
	defer cur.Close(ctx)

	var logs []*delivery.Log
	for cur.Next(ctx) {
		var m logModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("hookrelay/mongo: decode log: %w", err)
		}
		logDelID, err := id.ParseDeliveryID(m.DeliveryID)
		if err != nil {
			return nil, fmt.Errorf("parse delivery ID %q: %w", m.DeliveryID, err)
		}
		logs = append(logs, &delivery.Log{
			DeliveryID:     logDelID,
			Attempt:        m.Attempt,
			RequestHeaders: m.RequestHeaders,
			RequestBody:    m.RequestBody,
			ResponseStatus: m.ResponseStatus,
			ResponseBody:   m.ResponseBody,
			Error:          m.Error,
			DurationMs:     m.DurationMs,
			CreatedAt:      m.CreatedAt,
		})
	}
	return logs, cur.Err()
}
