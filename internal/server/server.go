// Package server is the HTTP frontdoor: chat over JSON, SSE and WebSocket,
// plus read-only status and interaction history.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/tjfontaine/assistd/internal/config"
	"github.com/tjfontaine/assistd/internal/domain"
	"github.com/tjfontaine/assistd/internal/lifecycle"
	"github.com/tjfontaine/assistd/internal/provider"
	"github.com/tjfontaine/assistd/internal/storage"
	"github.com/tjfontaine/assistd/internal/stream"
	"github.com/tjfontaine/assistd/internal/wire"
)

// StatusSource reads the persisted lifecycle status.
type StatusSource interface {
	Read() (*lifecycle.Status, error)
}

// Options wires a Server. Provider and Builder are required.
type Options struct {
	Provider domain.Provider
	Builder  *provider.Builder
	// Model supplies the default model and sampling settings.
	Model config.ModelConfig

	Store     storage.InteractionStore
	Status    StatusSource
	Estimator stream.UsageEstimator
	Logger    *slog.Logger

	RequestTimeout time.Duration
	// RateLimit is requests per minute per client IP; zero disables it.
	RateLimit   int
	CORSOrigins []string
}

type Server struct {
	Router *chi.Mux

	provider  domain.Provider
	builder   *provider.Builder
	model     config.ModelConfig
	store     storage.InteractionStore
	status    StatusSource
	estimator stream.UsageEstimator
	upgrader  *websocket.Upgrader
	logger    *slog.Logger

	requestTimeout time.Duration
	http           *http.Server
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := opts.Store
	if store == nil {
		store = storage.Nop{}
	}

	s := &Server{
		Router:         chi.NewRouter(),
		provider:       opts.Provider,
		builder:        opts.Builder,
		model:          opts.Model,
		store:          store,
		status:         opts.Status,
		estimator:      opts.Estimator,
		upgrader:       wire.NewUpgrader(opts.CORSOrigins),
		logger:         logger,
		requestTimeout: opts.RequestTimeout,
	}
	if s.builder == nil {
		s.builder = provider.NewBuilder(nil)
	}

	r := s.Router
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(CORSMiddleware(opts.CORSOrigins))
	r.Use(RateLimitMiddleware(opts.RateLimit))
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware("assistd"))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Get("/chat/ws", s.handleChatWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(TimeoutMiddleware(opts.RequestTimeout))
			r.Get("/status", s.handleStatus)
			r.Get("/interactions", s.handleListInteractions)
			r.Get("/interactions/{id}", s.handleGetInteraction)
		})
	})

	s.http = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve accepts connections on ln until Shutdown. The listener is bound by
// the lifecycle controller so readiness is only announced once it exists.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("serving", slog.String("addr", ln.Addr().String()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
