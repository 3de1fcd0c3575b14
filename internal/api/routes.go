package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Get("/sync/status", h.SyncStatus)
			r.Post("/sync/trigger", h.TriggerSync)
			r.Post("/sync/cancel", h.CancelSync)
			r.Get("/sync/events", h.SyncEvents)

			r.Post("/operations", h.EnqueueOperation)
			r.Get("/operations", h.ListOperations)
			r.Delete("/operations", h.ClearOperations)

			r.Get("/dead-letters", h.ListDeadLetters)
			r.Post("/dead-letters/{id}/retry", h.RetryDeadLetter)

			r.Get("/entities/{id}", h.GetEntity)
		})
	})

	return r
}
