package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/relays", func(r chi.Router) {
			r.Get("/", s.handleListRelays)
			r.With(s.authMiddleware).Post("/refresh", s.handleRefresh)
			r.With(s.authMiddleware).Post("/detect", s.handleDetect)

			r.Route("/{node}", func(r chi.Router) {
				r.Get("/", s.handleGetRelay)
				r.Get("/history", s.handleRelayHistory)
				r.With(s.authMiddleware).Post("/switch", s.handleSwitchRelay)
			})
		})

		r.With(s.authMiddleware).Post("/auth/ws-ticket", s.handleWSTicket)

		// Auth via ticket, validated in handler.
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
