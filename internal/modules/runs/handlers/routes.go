package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all run routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", h.HandleStart)
		r.Get("/", h.HandleList)
		r.Get("/{id}", h.HandleGet)
		r.Get("/{id}/evaluations", h.HandleEvaluations)
		r.Post("/{id}/cancel", h.HandleCancel)
		r.Get("/{id}/stream", h.HandleStream)
	})
}
