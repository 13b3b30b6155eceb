// Package server exposes the session lifecycle over REST and streams
// per-session agent events over WebSocket. It is a thin façade: every
// handler delegates to the agent.Manager and maps its errors to status
// codes.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/openloop-ai/openloop/pkg/agent"
	"github.com/openloop-ai/openloop/pkg/logger"
)

// Server wires the HTTP surface to the agent runtime.
type Server struct {
	manager  *agent.Manager
	broker   *agent.Broker
	upgrader websocket.Upgrader
	http     *http.Server
}

func New(addr string, manager *agent.Manager, broker *agent.Broker) *Server {
	s := &Server{
		manager: manager,
		broker:  broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed so tests can mount it on httptest.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/agent/sessions", func(r chi.Router) {
		r.Post("/", s.handleStart)
		r.Get("/{sessionID}", s.handleGet)
		r.Post("/{sessionID}/pause", s.handlePause)
		r.Post("/{sessionID}/resume", s.handleResume)
		r.Post("/{sessionID}/continue", s.handleContinue)
		r.Delete("/{sessionID}", s.handleAbort)
	})

	r.Get("/agent/{sessionID}", s.handleSubscribe)
	return r
}

// Start blocks serving until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
