package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router. Run
// requests pass through limit when it is not nil; ws is mounted at /ws when
// not nil.
func MountRoutes(r chi.Router, h *Handlers, limit func(http.Handler) http.Handler, ws http.HandlerFunc) {
	r.Get("/health", h.Health)
	if ws != nil {
		r.Get("/ws", ws)
	}

	r.Route("/operations", func(r chi.Router) {
		r.Get("/", h.ListOperations)

		r.Group(func(r chi.Router) {
			if limit != nil {
				r.Use(limit)
			}
			r.Post("/", h.RunOperation)
			r.Post("/{opId}", h.RunOperation)
			r.Post("/{opId}/sync", h.RunOperationSync)
			r.Post("/{opId}/async", h.RunOperationAsync)
		})
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Get("/{id}", h.GetSession)
		r.Delete("/{id}", h.DeleteSession)
	})
}
