package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RouterOptions are the optional parts of the router.
type RouterOptions struct {
	CORSOrigin string
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// Sessions serves GET /ws/sessions/{sessionID} when set.
	Sessions http.HandlerFunc
	// Limiter rate limits the API routes when set.
	Limiter *RateLimiter
	// Middleware is applied to every route after the built-in middleware.
	Middleware []func(http.Handler) http.Handler
}

// NewRouter builds the chi router for h.
func NewRouter(h *Handlers, opts RouterOptions) chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(h.Log))
	if opts.CORSOrigin != "" {
		r.Use(CORS(opts.CORSOrigin))
	}
	for _, mw := range opts.Middleware {
		r.Use(mw)
	}

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.Sessions != nil {
		r.Get("/ws/sessions/{sessionID}", opts.Sessions)
	}
	MountRoutes(r, h, opts.Limiter)
	return r
}

// MountRoutes registers the API routes on r.
func MountRoutes(r chi.Router, h *Handlers, limiter *RateLimiter) {
	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Handler)
		}

		// Workflows and sessions
		r.Get("/workflows", h.ListWorkflows)
		r.Post("/sessions", h.StartSession)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Get("/sessions/{sessionID}/events", h.ReplayEvents)
		r.Post("/sessions/{sessionID}/cancel", h.CancelSession)
		r.Get("/events/stats", h.EventStats)

		// Executor
		r.Get("/executor/status", h.ExecutorStatus)
		r.Get("/executor/tree", h.ExecutorTree)
		r.Get("/executor/stuck", h.StuckTasks)
		r.Post("/executor/cancel", h.CancelAll)
		r.Post("/executor/cleanup", h.CleanupTasks)
		r.Get("/executor/tasks/{taskID}", h.GetTask)
		r.Post("/executor/tasks/{taskID}/cancel", h.CancelTask)

		// Resilience
		r.Get("/resilience", h.ResilienceStatus)
	})
}
