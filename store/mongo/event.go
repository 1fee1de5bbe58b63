package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/event"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

// eventModel is the BSON representation. The idempotency key is omitted
// when empty so the sparse unique index ignores keyless events.
type eventModel struct {
	ID             string    `bson:"_id"`
	Type           string    `bson:"type"`
	OrganizationID string    `bson:"organization_id"`
	FormID         string    `bson:"form_id"`
	SubmissionID   string    `bson:"submission_id,omitempty"`
	PartialID      string    `bson:"partial_id,omitempty"`
	Snapshot       []byte    `bson:"snapshot,omitempty"`
	IdempotencyKey string    `bson:"idempotency_key,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func toEventModel(evt *event.Event) *eventModel {
	return &eventModel{
		ID:             evt.ID.String(),
		Type:           evt.Type,
		OrganizationID: evt.OrganizationID,
		FormID:         evt.FormID,
		SubmissionID:   evt.SubmissionID,
		PartialID:      evt.PartialID,
		Snapshot:       []byte(evt.Snapshot),
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
		Snapshot:       json.RawMessage(m.Snapshot),
		IdempotencyKey: m.IdempotencyKey,
	}, nil
}

func (s *Store) CreateEvent(ctx context.Context, evt *event.Event) error {
	m := toEventModel(evt)
	if _, err := s.db.Collection(colEvents).InsertOne(ctx, m); err != nil {
		if isDuplicateKey(err) {
			return hookrelay.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("hookrelay/mongo: create event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, evtID id.ID) (*event.Event, error) {
	var m eventModel
	err := s.db.Collection(colEvents).FindOne(ctx, bson.M{"_id": evtID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, hookrelay.ErrEventNotFound
		}
		return nil, fmt.Errorf("hookrelay/mongo: get event: %w", err)
	}
	return fromEventModel(&m)
}

func (s *Store) ListEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	filter := bson.M{}
	if opts.Type != "" {
		filter["type"] = opts.Type
	}
	if opts.OrganizationID != "" {
		filter["organization_id"] = opts.OrganizationID
	}
	if opts.From != nil || opts.To != nil {
		created := bson.M{}
		if opts.From != nil {
			created["$gte"] = *opts.From
		}
		if opts.To != nil {
			created["$lte"] = *opts.To
		}
		filter["created_at"] = created
	}

	findOpts := listFindOpts(opts.Offset, opts.Limit, bson.D{{Key: "created_at", Value: -1}})
	cur, err := s.db.Collection(colEvents).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/mongo: list events: %w", err)
	}
	defer cur.Close(ctx)

	var result []*event.Event
	for cur.Next(ctx) {
		var m eventModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("hookrelay/mongo: decode event: %w", err)
		}
		evt, err := fromEventModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, evt)
	}
	return result, cur.Err()
}
