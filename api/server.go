// Package api exposes the relay's management surface over HTTP: endpoint
// CRUD, delivery inspection and retry, and dead letter operations.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/formlake/hookrelay"
)

// Config holds HTTP server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server serves the management API for a Relay.
type Server struct {
	cfg    Config
	relay  *hookrelay.Relay
	router *chi.Mux
	logger *slog.Logger
	http   *http.Server
}

// NewServer builds the router and handlers around a relay.
func NewServer(cfg Config, relay *hookrelay.Relay, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		relay:  relay,
		logger: logger,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	epHandler := newEndpointHandler(s.relay)
	dlvHandler := newDeliveryHandler(s.relay)
	dlqHandler := newDLQHandler(s.relay.DLQ())

	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/endpoints", epHandler.create)
		r.Get("/endpoints", epHandler.list)
		r.Get("/endpoints/{id}", epHandler.get)
		r.Put("/endpoints/{id}", epHandler.update)
		r.Delete("/endpoints/{id}", epHandler.delete)
		r.Post("/endpoints/{id}/activate", epHandler.activate)
		r.Post("/endpoints/{id}/deactivate", epHandler.deactivate)
		r.Post("/endpoints/{id}/rotate-secret", epHandler.rotateSecret)
		r.Post("/endpoints/{id}/test", epHandler.testDelivery)
		r.Get("/endpoints/{id}/deliveries", dlvHandler.listByEndpoint)

		r.Get("/deliveries/{id}", dlvHandler.get)
		r.Get("/deliveries/{id}/logs", dlvHandler.listLogs)
		r.Post("/deliveries/{id}/retry", dlvHandler.retry)

		r.Get("/dlq", dlqHandler.list)
		r.Get("/dlq/{id}", dlqHandler.get)
		r.Post("/dlq/{id}/redrive", dlqHandler.redrive)
		r.Post("/dlq/redrive", dlqHandler.redriveBulk)
		r.Delete("/dlq", dlqHandler.purge)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.Store().Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("starting HTTP server", "addr", s.cfg.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
