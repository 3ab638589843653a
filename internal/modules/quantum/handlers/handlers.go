// Package handlers provides HTTP handlers for one-shot quantum experiments:
// multi-node batches, adaptive feedback rounds and key exchange.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/events"
	"github.com/aristath/qloop/internal/modules/aggregator"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/aristath/qloop/internal/modules/circuit"
	"github.com/aristath/qloop/internal/modules/feedback"
	"github.com/aristath/qloop/internal/modules/keyexchange"
	"github.com/rs/zerolog"
)

// Config holds request defaults
type Config struct {
	DefaultBackend string
	DefaultShots   int
	Batch          aggregator.Config
}

// Handler handles quantum experiment HTTP requests
type Handler struct {
	backends map[string]backend.Backend
	adaptive *feedback.Adaptive
	bus      *events.Bus
	cfg      Config
	log      zerolog.Logger
}

// NewHandler creates a new quantum handler. adaptive and bus may be nil.
func NewHandler(
	backends []backend.Backend,
	adaptive *feedback.Adaptive,
	bus *events.Bus,
	cfg Config,
	log zerolog.Logger,
) *Handler {
	byName := make(map[string]backend.Backend, len(backends))
	for _, b := range backends {
		byName[b.Name()] = b
	}
	if cfg.DefaultBackend == "" && len(backends) > 0 {
		cfg.DefaultBackend = backends[0].Name()
	}
	if cfg.DefaultShots < 1 {
		cfg.DefaultShots = 1024
	}
	return &Handler{
		backends: byName,
		adaptive: adaptive,
		bus:      bus,
		cfg:      cfg,
		log:      log.With().Str("handler", "quantum").Logger(),
	}
}

// BatchRequest represents a request to run one circuit on several nodes
type BatchRequest struct {
	Backend string              `json:"backend"`
	Layout  string              `json:"layout"`
	Params  []float64           `json:"params"`
	Qubits  int                 `json:"qubits"`
	Circuit *circuit.Descriptor `json:"circuit,omitempty"`
	Nodes   int                 `json:"nodes"`
	NodeIDs []string            `json:"node_ids,omitempty"`
	Shots   int                 `json:"shots"`
	Policy  string              `json:"policy"`
	// Entangle appends CX(0, 1) to consecutive node pairs.
	Entangle bool   `json:"entangle"`
	Seed     uint64 `json:"seed,omitempty"`
}

// FeedbackRequest represents one judged action
type FeedbackRequest struct {
	Action   feedback.Action `json:"action"`
	Feedback *int            `json:"feedback"`
}

// KeyRequest represents a request to generate shared keys
type KeyRequest struct {
	Backend string `json:"backend"`
	Shots   int    `json:"shots"`
	// Length, when set, also returns the keys concatenated to that many bits.
	Length int `json:"length,omitempty"`
}

// CipherRequest represents an encrypt or decrypt request
type CipherRequest struct {
	Message    string `json:"message,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Key        string `json:"key"`
}

type nodeView struct {
	Index      int    `json:"index"`
	NodeID     string `json:"node_id"`
	Shots      int    `json:"shots"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// HandleRunBatch handles POST /api/batches
func (h *Handler) HandleRunBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	b, err := h.backend(req.Backend)
	if err != nil {
		h.writeError(w, domain.HTTPStatus(err), err.Error())
		return
	}
	nodes, err := buildNodes(req)
	if err != nil {
		h.writeError(w, domain.HTTPStatus(err), err.Error())
		return
	}

	cfg := h.cfg.Batch
	if req.Policy != "" {
		cfg.Policy = aggregator.Policy(req.Policy)
	}
	agg, err := aggregator.New(b, cfg, h.log)
	if err != nil {
		h.writeError(w, domain.HTTPStatus(err), err.Error())
		return
	}

	shots := req.Shots
	if shots == 0 {
		shots = h.cfg.DefaultShots
	}

	batch, err := agg.RunBatch(r.Context(), nodes, shots)
	if err != nil {
		h.log.Warn().Err(err).Int("nodes", len(nodes)).Msg("Batch failed")
		h.writeError(w, domain.HTTPStatus(err), err.Error())
		return
	}

	h.publishBatch(batch)

	views := make([]nodeView, len(batch.Nodes))
	for i, n := range batch.Nodes {
		views[i] = nodeView{
			Index:      n.Index,
			NodeID:     n.NodeID,
			Shots:      n.Shots,
			DurationMs: n.Duration.Milliseconds(),
		}
		if n.Err != nil {
			views[i].Error = n.Err.Error()
		}
	}
	dropped := []string{}
	if batch.Partial != nil {
		dropped = batch.Partial.DroppedIDs()
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"policy":  batch.Policy,
		"merged":  batch.Merged,
		"shots":   batch.Merged.Shots(),
		"nodes":   views,
		"partial": batch.Partial != nil,
		"dropped": dropped,
	}))
}

// HandleRecordFeedback handles POST /api/feedback
func (h *Handler) HandleRecordFeedback(w http.ResponseWriter, r *http.Request) {
	if h.adaptive == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Feedback tracking is not configured")
		return
	}

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Action.Valid() {
		h.writeError(w, http.StatusBadRequest, "Unknown action")
		return
	}
	if req.Feedback == nil {
		h.writeError(w, http.StatusBadRequest, "feedback is required")
		return
	}

	tracker := h.adaptive.Tracker()
	if err := tracker.Record(req.Action, *req.Feedback); err != nil {
		h.writeError(w, domain.HTTPStatus(err), err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, envelope(biasView(tracker)))
}

// HandleGetHistory handles GET /api/feedback
func (h *Handler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	if h.adaptive == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Feedback tracking is not configured")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(h.adaptive.Tracker().History()))
}

// HandleGetBias handles GET /api/feedback/bias
func (h *Handler) HandleGetBias(w http.ResponseWriter, r *http.Request) {
	if h.adaptive == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Feedback tracking is not configured")
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(biasView(h.adaptive.Tracker())))
}

// HandleRound handles POST /api/feedback/round
func (h *Handler) HandleRound(w http.ResponseWriter, r *http.Request) {
	if h.adaptive == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Feedback tracking is not configured")
		return
	}

	result, err := h.adaptive.Round(r.Context())
	if err != nil {
		h.log.Warn().Err(err).Msg("Adaptive round failed")
		h.writeError(w, domain.HTTPStatus(err), err.Error())
		return
	}

	dropped := []string{}
	if result.Partial != nil {
		dropped = result.Partial.DroppedIDs()
	}
	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"round":   result,
		"dropped": dropped,
	}))
}

// HandleGenerateKeys handles POST /api/keys/generate
func (h *Handler) HandleGenerateKeys(w http.ResponseWriter, r *http.Request) {
	var req KeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	b, err := h.backend(req.Backend)
	if err != nil {
		h.writeError(w, domain.HTTPStatus(err), err.Error())
		return
	}
	if req.Shots == 0 {
		req.Shots = 16
	}

	keys, err := keyexchange.Generate(r.Context(), b, req.Shots)
	if err != nil {
		h.writeError(w, domain.HTTPStatus(err), err.Error())
		return
	}

	data := map[string]interface{}{
		"backend": b.Name(),
		"keys":    keys,
	}
	if req.Length > 0 {
		key, err := keyexchange.KeyOfLength(keys, req.Length)
		if err != nil {
			h.writeError(w, domain.HTTPStatus(err), err.Error())
			return
		}
		data["key"] = key
	}
	h.writeJSON(w, http.StatusOK, envelope(data))
}

// HandleEncrypt handles POST /api/keys/encrypt
func (h *Handler) HandleEncrypt(w http.ResponseWriter, r *http.Request) {
	var req CipherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	ciphertext, err := keyexchange.Encrypt(req.Message, req.Key)
	if err != nil {
		h.writeError(w, domain.HTTPStatus(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(map[string]string{"ciphertext": ciphertext}))
}

// HandleDecrypt handles POST /api/keys/decrypt
func (h *Handler) HandleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req CipherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	message, err := keyexchange.Decrypt(req.Ciphertext, req.Key)
	if err != nil {
		h.writeError(w, domain.HTTPStatus(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(map[string]string{"message": message}))
}

func (h *Handler) backend(name string) (backend.Backend, error) {
	if name == "" {
		name = h.cfg.DefaultBackend
	}
	b, ok := h.backends[name]
	if !ok {
		return nil, domain.NewConfigurationError("unknown backend %q", name)
	}
	return b, nil
}

func (h *Handler) publishBatch(batch *aggregator.BatchResult) {
	if h.bus == nil {
		return
	}
	data := &events.BatchCompletedData{
		Policy:    string(batch.Policy),
		Total:     len(batch.Nodes),
		Succeeded: len(batch.Nodes),
		Shots:     batch.Merged.Shots(),
	}
	if batch.Partial != nil {
		data.Succeeded = batch.Partial.Succeeded
		data.Dropped = len(batch.Partial.Dropped)
		for _, d := range batch.Partial.Dropped {
			dropped := &events.NodeDroppedData{NodeID: d.NodeID}
			if d.Err != nil {
				dropped.Error = d.Err.Error()
			}
			h.bus.Emit("quantum", dropped)
		}
	}
	h.bus.Emit("quantum", data)
}

func buildNodes(req BatchRequest) ([]aggregator.Node, error) {
	d := req.Circuit
	if d == nil {
		name := req.Layout
		if name == "" {
			name = "single_rotation_x"
		}
		layout, err := circuit.LayoutByName(name)
		if err != nil {
			return nil, domain.NewConfigurationError("%v", err)
		}
		qubits := req.Qubits
		if qubits == 0 {
			qubits = 2
		}
		params := domain.NewParameterVector(req.Params...)
		if len(req.Params) == 0 {
			params = domain.Zeros(layout.ParameterCount(qubits))
		}
		d, err = circuit.Build(layout, params, qubits)
		if err != nil {
			return nil, err
		}
	}

	var nodes []aggregator.Node
	if len(req.NodeIDs) > 0 {
		nodes = make([]aggregator.Node, len(req.NodeIDs))
		for i, id := range req.NodeIDs {
			nodes[i] = aggregator.Node{ID: id, Circuit: d.Clone()}
		}
	} else {
		count := req.Nodes
		if count == 0 {
			count = 1
		}
		if count < 0 {
			return nil, domain.NewConfigurationError("node count must be positive, got %d", count)
		}
		nodes = aggregator.UniformNodes(count, d)
	}

	if req.Seed != 0 {
		for i := range nodes {
			nodes[i].Seed = req.Seed + uint64(i)
		}
	}

	if req.Entangle {
		if len(nodes)%2 != 0 {
			return nil, domain.NewConfigurationError("entangled batches need an even node count, got %d", len(nodes))
		}
		for i := 0; i < len(nodes); i += 2 {
			a, b, err := aggregator.Entangle(nodes[i], nodes[i+1])
			if err != nil {
				return nil, err
			}
			nodes[i], nodes[i+1] = a, b
		}
	}
	return nodes, nil
}

func biasView(t *feedback.Tracker) map[string]interface{} {
	return map[string]interface{}{
		"bias":        t.CurrentBias(),
		"experiences": t.Len(),
	}
}

func envelope(data interface{}) map[string]interface{} {
	return map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
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
