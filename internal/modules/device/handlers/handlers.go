// Package handlers exposes the device service over HTTP. Job submissions
// accept msgpack or JSON bodies; responses are always JSON.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/aristath/qloop/internal/modules/circuit"
	"github.com/aristath/qloop/internal/modules/device"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const maxJobBody = 4 << 20

// Handler handles device HTTP requests
type Handler struct {
	service *device.Service
	log     zerolog.Logger
}

// NewHandler creates a new device handler
func NewHandler(service *device.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "device").Logger(),
	}
}

// HandleSubmit handles POST /api/device/jobs
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJobBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	contentType := circuit.ContentTypeJSON
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && mediaType == circuit.ContentTypeMsgpack {
		contentType = circuit.ContentTypeMsgpack
	}

	var req backend.JobRequest
	if err := circuit.Decode(contentType, body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := h.service.Submit(req)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"data":     job,
		"metadata": metadata(),
	})
}

// HandleGetJob handles GET /api/device/jobs/{id}
func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.Job(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, device.ErrJobNotFound) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":     job,
		"metadata": metadata(),
	})
}

// HandleStatus handles GET /api/device/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":     h.service.Status(),
		"metadata": metadata(),
	})
}

func (h *Handler) writeSubmitError(w http.ResponseWriter, err error) {
	var quota *domain.QuotaExceededError
	switch {
	case errors.As(err, &quota):
		h.writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":     err.Error(),
			"requested": quota.Requested,
			"available": quota.Available,
		})
	case errors.Is(err, device.ErrQueueFull), errors.Is(err, device.ErrClosed):
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrInvalidCircuit):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.log.Warn().Err(err).Msg("Job rejected")
		h.writeError(w, domain.HTTPStatus(err), err.Error())
	}
}

func metadata() map[string]interface{} {
	return map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
