// Package api exposes the session REST surface mounted under /api/v1.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"roomdj/internal/core"
	httpserver "roomdj/internal/http"
	"roomdj/internal/ratelimit"
	"roomdj/internal/session"
)

// Handler carries the API's dependencies. Metrics may be nil in tests.
type Handler struct {
	registry *session.Registry
	users    core.UserDirectory
	limiter  *ratelimit.Limiter
	metrics  *httpserver.Metrics
	logger   *zap.Logger
}

func NewHandler(registry *session.Registry, users core.UserDirectory, limiter *ratelimit.Limiter,
	metrics *httpserver.Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		users:    users,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger.Named("api"),
	}
}

// Router builds the chi route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.observe)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.createSession)
		r.Get("/", h.listSessions)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.getSession)
			r.Delete("/", h.deleteSession)

			r.Get("/queue", h.getQueue)
			r.Post("/tracks", h.requestTrack)
			r.Post("/queue/{position}/votes", h.vote)
			r.Delete("/queue/{position}", h.removeTrack)

			r.Get("/search", h.searchTracks)

			r.Get("/playback", h.getPlayback)
			r.Put("/playback", h.setPlayback)

			r.Post("/participants", h.join)
			r.Delete("/participants/{username}", h.leave)
		})
	})

	return r
}

// observe times each request per route pattern.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		next.ServeHTTP(w, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		h.metrics.RecordRequestDuration(route, time.Since(start))
	})
}
