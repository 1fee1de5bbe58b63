package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/endpoint"
	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
)

// endpointModel is the BSON representation. Counters live in the same
// document and are only ever touched through $inc, so UpdateEndpoint
// must never $set them.
type endpointModel struct {
	ID                   string            `bson:"_id"`
	OrganizationID       string            `bson:"organization_id"`
	URL                  string            `bson:"url"`
	Description          string            `bson:"description"`
	Secret               string            `bson:"secret"`
	Events               []string          `bson:"events"`
	IncludePartials      bool              `bson:"include_partials"`
	Active               bool              `bson:"active"`
	RetryEnabled         bool              `bson:"retry_enabled"`
	MaxRetries           int               `bson:"max_retries"`
	Headers              map[string]string `bson:"headers,omitempty"`
	TotalDeliveries      int64             `bson:"total_deliveries"`
	SuccessfulDeliveries int64             `bson:"successful_deliveries"`
	FailedDeliveries     int64             `bson:"failed_deliveries"`
	CreatedAt            time.Time         `bson:"created_at"`
	UpdatedAt            time.Time         `bson:"updated_at"`
}

func (s *Store) toEndpointModel(ep *endpoint.Endpoint) (*endpointModel, error) {
	sealed, err := s.sealSecret(ep.Secret)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/mongo: seal secret: %w", err)
	}
	return &endpointModel{
		ID:                   ep.ID.String(),
		OrganizationID:       ep.OrganizationID,
		URL:                  ep.URL,
		Description:          ep.Description,
		Secret:               sealed,
		Events:               ep.Events,
		IncludePartials:      ep.IncludePartials,
		Active:               ep.Active,
		RetryEnabled:         ep.RetryEnabled,
		MaxRetries:           ep.MaxRetries,
		Headers:              ep.Headers,
		TotalDeliveries:      ep.TotalDeliveries,
		SuccessfulDeliveries: ep.SuccessfulDeliveries,
		FailedDeliveries:     ep.FailedDeliveries,
		CreatedAt:            ep.CreatedAt,
		UpdatedAt:            ep.UpdatedAt,
	}, nil
}

func (s *Store) fromEndpointModel(m *endpointModel) (*endpoint.Endpoint, error) {
	epID, err := id.ParseEndpointID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint ID %q: %w", m.ID, err)
	}
	secret, err := s.openSecret(m.Secret)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/mongo: open secret: %w", err)
	}
	return &endpoint.Endpoint{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                   epID,
		OrganizationID:       m.OrganizationID,
		URL:                  m.URL,
		Description:          m.Description,
		Secret:               secret,
		Events:               m.Events,
		IncludePartials:      m.IncludePartials,
		Active:               m.Active,
		RetryEnabled:         m.RetryEnabled,
		MaxRetries:           m.MaxRetries,
		Headers:              m.Headers,
		TotalDeliveries:      m.TotalDeliveries,
		SuccessfulDeliveries: m.SuccessfulDeliveries,
		FailedDeliveries:     m.FailedDeliveries,
	}, nil
}

func (s *Store) CreateEndpoint(ctx context.Context, ep *endpoint.Endpoint) error {
	m, err := s.toEndpointModel(ep)
	if err != nil {
		return err
	}
	if _, err := s.db.Collection(colEndpoints).InsertOne(ctx, m); err != nil {
		return fmt.Errorf("hookrelay/mongo: create endpoint: %w", err)
	}
	return nil
}

func (s *Store) GetEndpoint(ctx context.Context, epID id.ID) (*endpoint.Endpoint, error) {
	var m endpointModel
	err := s.db.Collection(colEndpoints).FindOne(ctx, bson.M{"_id": epID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, hookrelay.ErrEndpointNotFound
		}
		return nil, fmt.Errorf("hookrelay/mongo: get endpoint: %w", err)
	}
	return s.fromEndpointModel(&m)
}

func (s *Store) UpdateEndpoint(ctx context.Context, ep *endpoint.Endpoint) error {
	m, err := s.toEndpointModel(ep)
	if err != nil {
		return err
	}
	update := bson.M{"$set": bson.M{
		"url":              m.URL,
		"description":      m.Description,
		"secret":           m.Secret,
		"events":           m.Events,
		"include_partials": m.IncludePartials,
		"active":           m.Active,
		"retry_enabled":    m.RetryEnabled,
		"max_retries":      m.MaxRetries,
		"headers":          m.Headers,
		"updated_at":       now(),
	}}
	res, err := s.db.Collection(colEndpoints).UpdateOne(ctx, bson.M{"_id": m.ID}, update)
	if err != nil {
		return fmt.Errorf("hookrelay/mongo: update endpoint: %w", err)
	}
	if res.MatchedCount == 0 {
		return hookrelay.ErrEndpointNotFound
	}
	return nil
}

func (s *Store) DeleteEndpoint(ctx context.Context, epID id.ID) error {
	res, err := s.db.Collection(colEndpoints).DeleteOne(ctx, bson.M{"_id": epID.String()})
	if err != nil {
		return fmt.Errorf("hookrelay/mongo: delete endpoint: %w", err)
	}
	if res.DeletedCount == 0 {
		return hookrelay.ErrEndpointNotFound
	}
	return nil
}

func (s *Store) ListEndpoints(ctx context.Context, organizationID string, opts endpoint.ListOpts) ([]*endpoint.Endpoint, error) {
	filter := bson.M{"organization_id": organizationID}
	if opts.ActiveOnly {
		filter["active"] = true
	}

	findOpts := listFindOpts(opts.Offset, opts.Limit, bson.D{{Key: "created_at", Value: -1}})
	cur, err := s.db.Collection(colEndpoints).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/mongo: list endpoints: %w", err)
	}
	defer cur.Close(ctx)

	var result []*endpoint.Endpoint
	for cur.Next(ctx) {
		var m endpointModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("hookrelay/mongo: decode endpoint: %w", err)
		}
		ep, err := s.fromEndpointModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, ep)
	}
	return result, cur.Err()
}

func (s *Store) Resolve(ctx context.Context, organizationID string, eventType string) ([]*endpoint.Endpoint, error) {
	filter := bson.M{"organization_id": organizationID, "active": true}
	cur, err := s.db.Collection(colEndpoints).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/mongo: resolve: %w", err)
	}
	defer cur.Close(ctx)

	var result []*endpoint.Endpoint
	for cur.Next(ctx) {
		var m endpointModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("hookrelay/mongo: decode endpoint: %w", err)
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
	return result, cur.Err()
}

func (s *Store) SetActive(ctx context.Context, epID id.ID, active bool) error {
	update := bson.M{"$set": bson.M{"active": active, "updated_at": now()}}
	res, err := s.db.Collection(colEndpoints).UpdateOne(ctx, bson.M{"_id": epID.String()}, update)
	if err != nil {
		return fmt.Errorf("hookrelay/mongo: set active: %w", err)
	}
	if res.MatchedCount == 0 {
		return hookrelay.ErrEndpointNotFound
	}
	return nil
}

func (s *Store) IncrementStats(ctx context.Context, epID id.ID, delta endpoint.StatsDelta) error {
	inc := bson.M{}
	if delta.Total != 0 {
		inc["total_deliveries"] = delta.Total
	}
	if delta.Successful != 0 {
		inc["successful_deliveries"] = delta.Successful
	}
	if delta.Failed != 0 {
		inc["failed_deliveries"] = delta.Failed
	}
	if len(inc) == 0 {
		return nil
	}
	_, err := s.db.Collection(colEndpoints).UpdateOne(ctx, bson.M{"_id": epID.String()}, bson.M{"$inc": inc})
	if err != nil {
		return fmt.Errorf("hookrelay/mongo: increment stats: %w", err)
	}
	return nil
}
