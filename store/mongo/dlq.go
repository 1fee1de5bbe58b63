package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/dlq"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

// dlqEntryModel is the BSON representation.
type dlqEntryModel struct {
	ID             string     `bson:"_id"`
	DeliveryID     string     `bson:"delivery_id"`
	EventID        string     `bson:"event_id"`
	EndpointID     string     `bson:"endpoint_id"`
	EventType      string     `bson:"event_type"`
	OrganizationID string     `bson:"organization_id"`
	URL            string     `bson:"url"`
	Payload        []byte     `bson:"payload,omitempty"`
	Reason         string     `bson:"reason"`
	Attempts       int        `bson:"attempts"`
	LastStatusCode int        `bson:"last_status_code"`
	RedrivenAt     *time.Time `bson:"redriven_at,omitempty"`
	FailedAt       time.Time  `bson:"failed_at"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
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
		Payload:        []byte(e.Payload),
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
		Payload:        json.RawMessage(m.Payload),
		Reason:         m.Reason,
		Attempts:       m.Attempts,
		LastStatusCode: m.LastStatusCode,
		RedrivenAt:     m.RedrivenAt,
		FailedAt:       m.FailedAt,
	}, nil
}

func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	if _, err := s.db.Collection(colDLQ).InsertOne(ctx, toDLQEntryModel(entry)); err != nil {
		return fmt.Errorf("hookrelay/mongo: push dlq: %w", err)
	}
	return nil
}

func (s *Store) GetDLQ(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	var m dlqEntryModel
	err := s.db.Collection(colDLQ).FindOne(ctx, bson.M{"_id": dlqID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, hookrelay.ErrDLQNotFound
		}
		return nil, fmt.Errorf("hookrelay/mongo: get dlq: %w", err)
	}
	return fromDLQEntryModel(&m)
}

func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	filter := bson.M{}
	if opts.OrganizationID != "" {
		filter["organization_id"] = opts.OrganizationID
	}
	if opts.EndpointID != nil {
		filter["endpoint_id"] = opts.EndpointID.String()
	}
	if opts.NotRedriven {
		filter["redriven_at"] = nil
	}
	if opts.From != nil || opts.To != nil {
		failed := bson.M{}
		if opts.From != nil {
			failed["$gte"] = *opts.From
		}
		if opts.To != nil {
			failed["$lte"] = *opts.To
		}
		filter["failed_at"] = failed
	}

	findOpts := listFindOpts(opts.Offset, opts.Limit, bson.D{{Key: "failed_at", Value: -1}})
	cur, err := s.db.Collection(colDLQ).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/mongo: list dlq: %w", err)
	}
	defer cur.Close(ctx)

	var result []*dlq.Entry
	for cur.Next(ctx) {
		var m dlqEntryModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("hookrelay/mongo: decode dlq entry: %w", err)
		}
		entry, err := fromDLQEntryModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, cur.Err()
}

// MarkRedriven sets RedrivenAt exactly once: the redriven_at nil filter is
// the compare-and-set, so a concurrent second caller matches zero documents.
func (s *Store) MarkRedriven(ctx context.Context, dlqID id.ID, at time.Time) error {
	res, err := s.db.Collection(colDLQ).UpdateOne(ctx,
		bson.M{"_id": dlqID.String(), "redriven_at": nil},
		bson.M{"$set": bson.M{"redriven_at": at, "updated_at": now()}},
	)
	if err != nil {
		return fmt.Errorf("hookrelay/mongo: mark redriven: %w", err)
	}
	if res.MatchedCount == 0 {
		n, err := s.db.Collection(colDLQ).CountDocuments(ctx, bson.M{"_id": dlqID.String()})
		if err != nil {
			return fmt.Errorf("hookrelay/mongo: mark redriven check: %w", err)
		}
		if n == 0 {
			return hookrelay.ErrDLQNotFound
		}
		return hookrelay.ErrAlreadyRedriven
	}
	return nil
}

func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Collection(colDLQ).DeleteMany(ctx, bson.M{"failed_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("hookrelay/mongo: purge dlq: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	n, err := s.db.Collection(colDLQ).CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("hookrelay/mongo: count dlq: %w", err)
	}
	return n, nil
}
