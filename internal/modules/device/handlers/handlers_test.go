package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/aristath/qloop/internal/modules/circuit"
	"github.com/aristath/qloop/internal/modules/device"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestHandler(t *testing.T, credits int64) (chi.Router, *device.Service) {
	t.Helper()
	return setupTestHandlerWith(t, credits, backend.SimulatorConfig{Seed: 21})
}

func setupTestHandlerWith(t *testing.T, credits int64, simCfg backend.SimulatorConfig) (chi.Router, *device.Service) {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)

	sim, err := backend.NewSimulator(simCfg, logger)
	require.NoError(t, err)
	svc, err := device.NewService(sim, backend.NewCreditPool(credits), device.Config{
		Workers:        2,
		QueueSize:      8,
		CreditsPerShot: 1,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	router := chi.NewRouter()
	router.Route("/api", func(r chi.Router) {
		NewHandler(svc, logger).RegisterRoutes(r)
	})
	return router, svc
}

func flipCircuit(t *testing.T) *circuit.Descriptor {
	t.Helper()
	d, err := circuit.Build(circuit.SingleRotation{Axis: circuit.AxisX}, domain.NewParameterVector(3.14159), 2)
	require.NoError(t, err)
	return d
}

func submit(t *testing.T, router chi.Router, contentType string, req backend.JobRequest) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	body, err := circuit.Encode(contentType, req)
	require.NoError(t, err)

	httpReq := httptest.NewRequest("POST", "/api/device/jobs", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)

	var response map[string]interface{}
	_ = json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&response)
	return w, response
}

func TestHandleSubmit_JSONAndMsgpack(t *testing.T) {
	router, _ := setupTestHandler(t, 1000)

	for _, ct := range []string{circuit.ContentTypeJSON, circuit.ContentTypeMsgpack} {
		t.Run(ct, func(t *testing.T) {
			w, response := submit(t, router, ct, backend.JobRequest{Circuit: flipCircuit(t), Shots: 20})
			require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

			data := response["data"].(map[string]interface{})
			id := data["id"].(string)
			assert.Equal(t, float64(20), data["cost"])

			req := httptest.NewRequest("GET", "/api/device/jobs/"+id, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestHandleSubmit_Errors(t *testing.T) {
	router, _ := setupTestHandler(t, 10)

	w, _ := submit(t, router, circuit.ContentTypeJSON, backend.JobRequest{Circuit: &circuit.Descriptor{}, Shots: 1})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, response := submit(t, router, circuit.ContentTypeJSON, backend.JobRequest{Circuit: flipCircuit(t), Shots: 50})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, float64(50), response["requested"])
	assert.Equal(t, float64(10), response["available"])

	req := httptest.NewRequest("POST", "/api/device/jobs", bytes.NewReader([]byte("{broken")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest("GET", "/api/device/jobs/nope", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStatus(t *testing.T) {
	router, _ := setupTestHandler(t, 500)

	req := httptest.NewRequest("GET", "/api/device/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	data := response["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["workers"])
	assert.Equal(t, float64(8), data["queue_capacity"])
	credits := data["credits"].(map[string]interface{})
	assert.Equal(t, float64(500), credits["balance"])
}

func TestRemoteDevice_AgainstDeviceService(t *testing.T) {
	router, svc := setupTestHandler(t, 1000)
	srv := httptest.NewServer(router)
	defer srv.Close()

	clientCredits := backend.NewCreditPool(5000)
	remote, err := backend.NewRemoteDevice(backend.RemoteConfig{
		BaseURL:        srv.URL,
		ClientID:       "e2e",
		Timeout:        5 * time.Second,
		PollInterval:   2 * time.Millisecond,
		CreditsPerShot: 1,
	}, clientCredits, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dist, err := remote.Execute(ctx, backend.ExecutionRequest{Circuit: flipCircuit(t), Shots: 200, Seed: 9})
	require.NoError(t, err)
	assert.Equal(t, 200, dist.Shots())
	assert.Equal(t, "01", dist.MostLikely())

	assert.Equal(t, int64(200), clientCredits.Spent())
	assert.Equal(t, int64(200), svc.Status().Credits.Spent)

	// The device's own quota surfaces as a typed error on the client
	_, err = remote.Execute(ctx, backend.ExecutionRequest{Circuit: flipCircuit(t), Shots: 801})
	var quota *domain.QuotaExceededError
	require.True(t, errors.As(err, &quota))
	assert.Equal(t, int64(800), quota.Available)
	assert.Equal(t, int64(200), clientCredits.Spent(), "client refunds rejected jobs")
}

func TestRemoteDevice_DeviceRejectionIsNotRetried(t *testing.T) {
	router, svc := setupTestHandlerWith(t, 1000, backend.SimulatorConfig{Seed: 21, MaxQubits: 2})
	srv := httptest.NewServer(router)
	defer srv.Close()

	clientCredits := backend.NewCreditPool(1000)
	remote, err := backend.NewRemoteDevice(backend.RemoteConfig{
		BaseURL:        srv.URL,
		Timeout:        5 * time.Second,
		PollInterval:   2 * time.Millisecond,
		CreditsPerShot: 1,
		Retry: backend.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		},
	}, clientCredits, zerolog.Nop())
	require.NoError(t, err)

	wide, err := circuit.Build(circuit.RXRYLayer{}, domain.Zeros(6), 3)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = remote.Execute(ctx, backend.ExecutionRequest{Circuit: wide, Shots: 50})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConfiguration), "got %v", err)
	assert.False(t, errors.Is(err, domain.ErrBackendUnavailable))
	assert.False(t, domain.IsRetryable(err))

	assert.Equal(t, int64(1), svc.Status().Failed, "the job was submitted once")
	assert.Equal(t, int64(0), clientCredits.Spent())
	assert.Equal(t, int64(1), remote.Stats().Submitted)
}
