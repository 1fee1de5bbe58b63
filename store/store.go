// Package store defines the composite Store interface for hookrelay
// persistence.
//
// Each subsystem defines its own store interface next to its types; the
// aggregate Store composes them all, so a backend implements one interface
// and every service can be handed the same value.
package store

import (
	"context"

	"github.com/formlake/hookrelay/delivery"
	"github.com/formlake/hookrelay/dlq"
	"github.com/formlake/hookrelay/endpoint"
	"github.com/formlake/hookrelay/event"
)

// Store is the aggregate persistence interface.
type Store interface {
	endpoint.Store
	event.Store
	delivery.Store
	dlq.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
