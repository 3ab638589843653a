// Package handlers provides HTTP handlers for optimization runs.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/events"
	"github.com/aristath/qloop/internal/modules/runs"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Handler handles run HTTP requests
type Handler struct {
	service *runs.Service
	bus     *events.Bus
	log     zerolog.Logger
}

// NewHandler creates a new runs handler
func NewHandler(service *runs.Service, bus *events.Bus, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		bus:     bus,
		log:     log.With().Str("handler", "runs").Logger(),
	}
}

// HandleStart handles POST /api/runs
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req runs.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	run, err := h.service.Start(r.Context(), req)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to start run")
		h.writeError(w, domain.HTTPStatus(err), err.Error())
		return
	}

	h.writeJSON(w, http.StatusAccepted, envelope(run))
}

// HandleList handles GET /api/runs
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	list, err := h.service.List(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list runs")
		h.writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	if list == nil {
		list = []*runs.Run{}
	}

	h.writeJSON(w, http.StatusOK, envelope(list))
}

// HandleGet handles GET /api/runs/{id}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(run))
}

// HandleEvaluations handles GET /api/runs/{id}/evaluations
func (h *Handler) HandleEvaluations(w http.ResponseWriter, r *http.Request) {
	evals, err := h.service.Evaluations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(evals))
}

// HandleCancel handles POST /api/runs/{id}/cancel
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.service.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, runs.ErrNotActive):
		h.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.writeLookupError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, envelope(map[string]interface{}{
		"id":        id,
		"cancelled": true,
	}))
}

// HandleStream handles GET /api/runs/{id}/stream. It upgrades to a websocket
// and forwards the run's events until the run finishes or the client leaves.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// Reads are not expected; CloseRead reports the client leaving
	ctx := conn.CloseRead(r.Context())

	eventChan := make(chan *events.Event, 64)
	ids := h.bus.SubscribeAll(func(e *events.Event) {
		if eventRunID(e) != id {
			return
		}
		select {
		case eventChan <- e:
		default:
			h.log.Warn().Str("run_id", id).Msg("Stream channel full, dropping event")
		}
	})
	defer h.bus.Unsubscribe(ids...)

	// Re-read after subscribing so a run finishing in between is not missed
	if run, err = h.service.Get(ctx, id); err != nil {
		return
	}
	if err := writeMessage(ctx, conn, map[string]interface{}{"type": "snapshot", "data": run}); err != nil {
		return
	}
	if run.Finished() {
		conn.Close(websocket.StatusNormalClosure, "run finished")
		return
	}

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-eventChan:
			if err := writeMessage(ctx, conn, e); err != nil {
				h.log.Debug().Err(err).Msg("Stream write failed")
				return
			}
			if e.Type == events.RunFinished {
				conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
		case <-heartbeat.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		}
	}
}

func eventRunID(e *events.Event) string {
	switch d := e.Data.(type) {
	case *events.RunStartedData:
		return d.RunID
	case *events.IterationCompletedData:
		return d.RunID
	case *events.RunFinishedData:
		return d.RunID
	}
	return ""
}

func writeMessage(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func envelope(data interface{}) map[string]interface{} {
	return map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, runs.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.log.Error().Err(err).Msg("Run lookup failed")
	h.writeError(w, http.StatusInternalServerError, "Internal error")
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
