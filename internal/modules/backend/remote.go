package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/circuit"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// RemoteName identifies the remote device backend.
const RemoteName = "remote"

// RemoteConfig configures a RemoteDevice.
type RemoteConfig struct {
	BaseURL        string
	ClientID       string
	Timeout        time.Duration
	PollInterval   time.Duration
	CreditsPerShot int64
	Retry          RetryPolicy
}

// RemoteStats counts remote activity since the device was created.
type RemoteStats struct {
	Submitted int64         `json:"submitted"`
	Completed int64         `json:"completed"`
	Failed    int64         `json:"failed"`
	Retries   int64         `json:"retries"`
	LastWait  time.Duration `json:"last_wait"`
	TotalWait time.Duration `json:"total_wait"`
	Credits   int64         `json:"credits_spent"`
	InFlight  int64         `json:"in_flight"`
}

// RemoteDevice submits circuits to a device service over HTTP and waits for
// the results. Every call reserves credits from the pool up front and refunds
// them if the job never completed.
type RemoteDevice struct {
	baseURL string
	cfg     RemoteConfig
	client  *http.Client
	credits *CreditPool
	log     zerolog.Logger

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64
	inFlight  atomic.Int64
	lastWait  atomic.Int64
	totalWait atomic.Int64
}

// NewRemoteDevice creates a remote backend. credits may be nil when the device
// is not metered on the client side.
func NewRemoteDevice(cfg RemoteConfig, credits *CreditPool, log zerolog.Logger) (*RemoteDevice, error) {
	if cfg.BaseURL == "" {
		return nil, domain.NewConfigurationError("remote device URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.CreditsPerShot < 0 {
		return nil, domain.NewConfigurationError("credits per shot must not be negative")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	return &RemoteDevice{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cfg:     cfg,
		client:  &http.Client{},
		credits: credits,
		log:     log.With().Str("client", "remote-device").Logger(),
	}, nil
}

// Name implements Backend.
func (r *RemoteDevice) Name() string {
	return RemoteName
}

// Execute implements Backend. Transient failures are retried under the retry
// policy; each attempt is bounded by the configured timeout.
func (r *RemoteDevice) Execute(ctx context.Context, req ExecutionRequest) (*Distribution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var reservation *Reservation
	if r.credits != nil {
		res, err := r.credits.Reserve(int64(req.Shots) * r.cfg.CreditsPerShot)
		if err != nil {
			return nil, err
		}
		reservation = res
	}

	r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	start := time.Now()

	attempts := 0
	operation := func() (*Distribution, error) {
		attempts++
		if err := ctx.Err(); err != nil {
			return nil, backoff.Permanent(err)
		}
		dist, err := r.attempt(ctx, req)
		if err == nil {
			return dist, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if !domain.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	dist, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(r.cfg.Retry.backOff()),
		backoff.WithMaxTries(uint(r.cfg.Retry.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.retries.Add(1)
			r.log.Warn().
				Err(err).
				Int("attempt", attempts).
				Dur("backoff", wait).
				Msg("Remote execution failed, retrying")
		}),
	)

	wait := time.Since(start)
	r.lastWait.Store(int64(wait))
	r.totalWait.Add(int64(wait))

	if err != nil {
		r.failed.Add(1)
		if reservation != nil {
			reservation.Release()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if domain.IsRetryable(err) {
			return nil, &domain.BackendUnavailableError{Backend: r.baseURL, Attempts: attempts, Cause: err}
		}
		return nil, err
	}

	r.completed.Add(1)
	if reservation != nil {
		reservation.Commit()
	}
	r.log.Debug().
		Int("shots", req.Shots).
		Int("attempts", attempts).
		Dur("wait", wait).
		Msg("Remote execution completed")
	return dist, nil
}

// attempt submits one job and polls it to completion within the timeout.
func (r *RemoteDevice) attempt(ctx context.Context, req ExecutionRequest) (*Distribution, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	job, err := r.submit(attemptCtx, req)
	if err != nil {
		return nil, err
	}
	r.submitted.Add(1)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for !job.Status.Done() {
		r.log.Debug().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Int("queue_position", job.QueuePosition).
			Msg("Waiting for device job")
		select {
		case <-attemptCtx.Done():
			return nil, &domain.TransientError{Cause: fmt.Errorf("job %s: %w", job.ID, attemptCtx.Err())}
		case <-ticker.C:
		}
		job, err = r.poll(attemptCtx, job.ID)
		if err != nil {
			return nil, err
		}
	}

	if job.Status == JobFailed {
		return nil, jobFailure(job)
	}
	return NewDistribution(job.Counts)
}

func (r *RemoteDevice) submit(ctx context.Context, req ExecutionRequest) (*JobView, error) {
	body, err := circuit.Encode(circuit.ContentTypeMsgpack, JobRequest{
		Circuit: req.Circuit,
		Shots:   req.Shots,
		Seed:    req.Seed,
		Client:  r.cfg.ClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/device/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", circuit.ContentTypeMsgpack)
	return r.do(httpReq)
}

func (r *RemoteDevice) poll(ctx context.Context, id string) (*JobView, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/device/jobs/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return r.do(httpReq)
}

// do sends a request and maps the response to a job view or a typed error.
func (r *RemoteDevice) do(req *http.Request) (*JobView, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &domain.TransientError{Cause: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransientError{Cause: fmt.Errorf("failed to read response: %w", err)}
	}

	var env jobEnvelope
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil && resp.StatusCode < 300 {
			return nil, &domain.TransientError{Cause: fmt.Errorf("failed to parse response: %w", err)}
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		if env.Data == nil {
			return nil, &domain.TransientError{Cause: errors.New("response carried no job")}
		}
		return env.Data, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, domain.NewInvalidCircuitError(fmt.Sprintf("device rejected circuit: %s", env.Error))
	case resp.StatusCode == http.StatusPaymentRequired:
		return nil, &domain.QuotaExceededError{Requested: env.Requested, Available: env.Available}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &domain.TransientError{Cause: fmt.Errorf("device returned status %d: %s", resp.StatusCode, env.Error)}
	default:
		return nil, fmt.Errorf("device returned status %d: %s", resp.StatusCode, env.Error)
	}
}

// Stats returns a snapshot of the device counters.
func (r *RemoteDevice) Stats() RemoteStats {
	stats := RemoteStats{
		Submitted: r.submitted.Load(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		Retries:   r.retries.Load(),
		InFlight:  r.inFlight.Load(),
		LastWait:  time.Duration(r.lastWait.Load()),
		TotalWait: time.Duration(r.totalWait.Load()),
	}
	if r.credits != nil {
		stats.Credits = r.credits.Spent()
	}
	return stats
}
