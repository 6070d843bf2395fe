// Package server provides the HTTP and websocket surface of the agentdeck
// daemon. Clients hold a single websocket for the session protocol; a small
// REST surface covers cross-session messaging, settings and observability.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/permission"
	"github.com/agentdeck/agentdeck/internal/storage"
)

// Server is the HTTP server.
type Server struct {
	cfg      *config.Config
	router   *chi.Mux
	httpSrv  *http.Server
	hub      *Hub
	orch     *orchestrator.Orchestrator
	store    *storage.Store
	global   *permission.GlobalAllowlist
	bus      *event.Bus
	upgrader websocket.Upgrader
}

// New creates a Server. The hub must be the same one wired into the
// orchestrator as its transport.
func New(cfg *config.Config, hub *Hub, orch *orchestrator.Orchestrator, store *storage.Store, global *permission.GlobalAllowlist, bus *event.Bus) *Server {
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		hub:    hub,
		orch:   orch,
		store:  store,
		global: global,
		bus:    bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// originChecker allows any origin when none are configured; browsers are
// the only clients that send one.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE and websocket connections are long-lived.
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops accepting new work and disconnects every client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
