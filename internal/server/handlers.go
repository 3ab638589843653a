package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aristath/qloop/internal/config"
	"github.com/aristath/qloop/internal/modules/aggregator"
)

// handleHealth handles health check requests. It reports 503 when the runs
// database stops answering.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := map[string]interface{}{
		"status":  "healthy",
		"version": "1.0.0",
		"service": "qloop",
	}
	status := http.StatusOK
	if err := s.container.RunsDB.HealthCheck(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Health check failed")
		response["status"] = "unhealthy"
		response["error"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func aggregatorConfig(cfg *config.Config) aggregator.Config {
	return aggregator.Config{
		Policy:      aggregator.Policy(cfg.Batch.Policy),
		Concurrency: cfg.Batch.Concurrency,
	}
}
