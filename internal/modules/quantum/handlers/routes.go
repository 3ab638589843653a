package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers batch, feedback and key routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/batches", func(r chi.Router) {
		r.Post("/", h.HandleRunBatch)
	})

	r.Route("/feedback", func(r chi.Router) {
		r.Get("/", h.HandleGetHistory)
		r.Post("/", h.HandleRecordFeedback)
		r.Get("/bias", h.HandleGetBias)
		r.Post("/round", h.HandleRound)
	})

	r.Route("/keys", func(r chi.Router) {
		r.Post("/generate", h.HandleGenerateKeys)
		r.Post("/encrypt", h.HandleEncrypt)
		r.Post("/decrypt", h.HandleDecrypt)
	})
}
