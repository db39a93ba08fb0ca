package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// WebSocket surfaces (device-facing and observer-facing)
	r.Get("/ws/tablet", s.handleTabletWS)
	r.Get("/ws/dashboard", s.handleDashboardWS)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/stats", s.handleStats)

		r.Route("/tablets", func(r chi.Router) {
			r.Get("/", s.handleListTablets)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTablet)
				r.Post("/command", s.handleSendCommand)
				r.Get("/logs", s.handleTabletCommandLog)
			})
		})

		r.Get("/logs", s.handleCommandLog)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.HealthCheck(r.Context()); err != nil {
			s.logger.Error("health check failed", "error", err)
			writeFailure(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}

	writeSuccess(w, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
