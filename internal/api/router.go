package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/graylift-core/internal/metrics"
)

// defaultAnnouncePath is used when websocket.path is not configured.
const defaultAnnouncePath = "/ws/relay"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))

	r.Route("/api", func(r chi.Router) {
		r.Get("/system", s.handleSystem)

		r.Route("/relays", func(r chi.Router) {
			r.Get("/", s.handleListRelays)
			r.Get("/stats", s.handleRelayStats)
			r.Get("/{id}", s.handleGetRelay)
		})

		r.Route("/elevators", func(r chi.Router) {
			r.Get("/", s.handleListElevators)
			r.Get("/{id}", s.handleGetElevator)
		})

		r.Get("/robots", s.handleListRobots)
		r.Get("/scheduler", s.handleSchedulerStatus)
		r.Get("/audit", s.handleListAudit)
	})

	r.Get("/ws/events", s.handleEventSocket)
	r.Get(s.announcePath(), s.handleRelayAnnounce)

	return r
}

func (s *Server) announcePath() string {
	if s.wsCfg.Path == "" {
		return defaultAnnouncePath
	}
	return s.wsCfg.Path
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
