package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all device routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/device", func(r chi.Router) {
		r.Post("/jobs", h.HandleSubmit)
		r.Get("/jobs/{id}", h.HandleGetJob)
		r.Get("/status", h.HandleStatus)
	})
}
