package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Session protocol
	r.Get("/ws", s.handleWS)

	// Event streaming (SSE)
	r.Get("/event", s.handleEvents)

	// Session routes
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Get("/history", s.getHistory)
			r.Post("/message", s.sendToSession)
		})
	})

	// Settings
	r.Route("/settings", func(r chi.Router) {
		r.Get("/allowed-tools", s.getGlobalAllowedTools)
		r.Put("/allowed-tools", s.setGlobalAllowedTools)
	})

	r.Get("/health", s.health)
}
