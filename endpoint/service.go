package endpoint

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/formlake/hookrelay/id"
	"github.com/formlake/hookrelay/internal/entity"
	"github.com/formlake/hookrelay/signature"
)

// DefaultMaxRetries is applied when an endpoint is created without an
// explicit retry budget.
const DefaultMaxRetries = 7

// Service provides endpoint management operations.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a new endpoint service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
	}
}

// Create registers a new webhook endpoint. A missing secret is generated;
// retries default to enabled with DefaultMaxRetries attempts.
func (svc *Service) Create(ctx context.Context, in Input) (*Endpoint, error) {
	if _, err := url.ParseRequestURI(in.URL); err != nil {
		return nil, &ValidationError{Field: "url", Message: "invalid URL"}
	}

	if in.OrganizationID == "" {
		return nil, &ValidationError{Field: "organization_id", Message: "required"}
	}

	secret := in.Secret
	if secret == "" {
		secret = signature.GenerateSecret()
	}

	ep := &Endpoint{
		Entity:         entity.New(),
		ID:             id.NewEndpointID(),
		OrganizationID: in.OrganizationID,
		URL:            in.URL,
		Description:    in.Description,
		Secret:         secret,
		Events:         in.Events,
		Active:         true,
		RetryEnabled:   true,
		MaxRetries:     DefaultMaxRetries,
		Headers:        in.Headers,
	}
	if in.IncludePartials != nil {
		ep.IncludePartials = *in.IncludePartials
	}
	if in.RetryEnabled != nil {
		ep.RetryEnabled = *in.RetryEnabled
	}
	if in.MaxRetries != nil && *in.MaxRetries > 0 {
		ep.MaxRetries = *in.MaxRetries
	}

	if err := svc.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}

	return ep, nil
}

// Get returns an endpoint by ID.
func (svc *Service) Get(ctx context.Context, epID id.ID) (*Endpoint, error) {
	return svc.store.GetEndpoint(ctx, epID)
}

// Update modifies an existing endpoint. Zero-valued input fields are left
// unchanged.
func (svc *Service) Update(ctx context.Context, epID id.ID, in Input) (*Endpoint, error) {
	ep, err := svc.store.GetEndpoint(ctx, epID)
	if err != nil {
		return nil, err
	}

	if in.URL != "" {
		if _, err := url.ParseRequestURI(in.URL); err != nil {
			return nil, &ValidationError{Field: "url", Message: "invalid URL"}
		}
		ep.URL = in.URL
	}
	if in.Description != "" {
		ep.Description = in.Description
	}
	if in.Events != nil {
		ep.Events = in.Events
	}
	if in.Headers != nil {
		ep.Headers = in.Headers
	}
	if in.IncludePartials != nil {
		ep.IncludePartials = *in.IncludePartials
	}
	if in.RetryEnabled != nil {
		ep.RetryEnabled = *in.RetryEnabled
	}
	if in.MaxRetries != nil && *in.MaxRetries > 0 {
		ep.MaxRetries = *in.MaxRetries
	}
	ep.Touch()

	if err := svc.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, err
	}

	return ep, nil
}

// Delete removes an endpoint.
func (svc *Service) Delete(ctx context.Context, epID id.ID) error {
	return svc.store.DeleteEndpoint(ctx, epID)
}

// List returns endpoints for an organization.
func (svc *Service) List(ctx context.Context, organizationID string, opts ListOpts) ([]*Endpoint, error) {
	return svc.store.ListEndpoints(ctx, organizationID, opts)
}

// SetActive activates or deactivates an endpoint.
func (svc *Service) SetActive(ctx context.Context, epID id.ID, active bool) error {
	return svc.store.SetActive(ctx, epID, active)
}

// RotateSecret generates a new signing secret for an endpoint.
func (svc *Service) RotateSecret(ctx context.Context, epID id.ID) (string, error) {
	ep, err := svc.store.GetEndpoint(ctx, epID)
	if err != nil {
		return "", err
	}

	ep.Secret = signature.GenerateSecret()
	ep.Touch()
	if err := svc.store.UpdateEndpoint(ctx, ep); err != nil {
		return "", err
	}

	return ep.Secret, nil
}

// ValidationError indicates invalid input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "endpoint validation: " + e.Field + ": " + e.Message
}
