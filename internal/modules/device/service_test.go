package device

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/aristath/qloop/internal/modules/circuit"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testCircuit(t *testing.T) *circuit.Descriptor {
	t.Helper()
	d, err := circuit.Build(circuit.SingleRotation{Axis: circuit.AxisX}, domain.NewParameterVector(3.14159), 2)
	require.NoError(t, err)
	return d
}

func newTestService(t *testing.T, executor backend.Backend, credits int64, cfg Config) *Service {
	t.Helper()
	if executor == nil {
		sim, err := backend.NewSimulator(backend.SimulatorConfig{Seed: 5}, zerolog.Nop())
		require.NoError(t, err)
		executor = sim
	}
	svc, err := NewService(executor, backend.NewCreditPool(credits), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func waitDone(t *testing.T, svc *Service, id string) backend.JobView {
	t.Helper()
	var view backend.JobView
	require.Eventually(t, func() bool {
		var err error
		view, err = svc.Job(id)
		return err == nil && view.Status.Done()
	}, 5*time.Second, 5*time.Millisecond)
	return view
}

func TestService_CompletesJobAndChargesCredits(t *testing.T) {
	svc := newTestService(t, nil, 1000, Config{Workers: 2, QueueSize: 4, CreditsPerShot: 2})

	view, err := svc.Submit(backend.JobRequest{Circuit: testCircuit(t), Shots: 100, Client: "test"})
	require.NoError(t, err)
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, int64(200), view.Cost)

	done := waitDone(t, svc, view.ID)
	assert.Equal(t, backend.JobCompleted, done.Status)
	assert.Equal(t, 0, done.QueuePosition)
	assert.NotEmpty(t, done.FinishedAt)

	total := 0
	for _, c := range done.Counts {
		total += c
	}
	assert.Equal(t, 100, total)

	status := svc.Status()
	assert.Equal(t, int64(1), status.Completed)
	assert.Equal(t, int64(800), status.Credits.Balance)
	assert.Equal(t, int64(200), status.Credits.Spent)
	assert.Zero(t, status.Credits.Reserved)
}

func TestService_FailedJobRefundsCredits(t *testing.T) {
	broken := backend.Func{ID: "broken", Fn: func(context.Context, backend.ExecutionRequest) (*backend.Distribution, error) {
		return nil, errors.New("qubit decohered")
	}}
	svc := newTestService(t, broken, 100, Config{Workers: 1, QueueSize: 1, CreditsPerShot: 1})

	view, err := svc.Submit(backend.JobRequest{Circuit: testCircuit(t), Shots: 50})
	require.NoError(t, err)

	done := waitDone(t, svc, view.ID)
	assert.Equal(t, backend.JobFailed, done.Status)
	assert.Contains(t, done.Error, "decohered")
	assert.Equal(t, backend.FailureTransient, done.ErrorKind)

	status := svc.Status()
	assert.Equal(t, int64(1), status.Failed)
	assert.Equal(t, int64(100), status.Credits.Balance)
	assert.Zero(t, status.Credits.Spent)
}

func TestService_FailedJobReportsKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want backend.FailureKind
	}{
		{"configuration", domain.NewConfigurationError("circuit has 5 qubits, simulator supports 2"), backend.FailureConfiguration},
		{"invalid circuit", domain.NewInvalidCircuitError("gate targets qubit 3 of 2"), backend.FailureInvalidCircuit},
		{"degenerate", &domain.DegenerateDistributionError{Reason: "no shots"}, backend.FailureDegenerate},
		{"wrapped configuration", fmt.Errorf("execute: %w", domain.NewConfigurationError("bad")), backend.FailureConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failing := backend.Func{ID: "failing", Fn: func(context.Context, backend.ExecutionRequest) (*backend.Distribution, error) {
				return nil, tt.err
			}}
			svc := newTestService(t, failing, 100, Config{Workers: 1, QueueSize: 1, CreditsPerShot: 1})

			view, err := svc.Submit(backend.JobRequest{Circuit: testCircuit(t), Shots: 10})
			require.NoError(t, err)
			done := waitDone(t, svc, view.ID)
			assert.Equal(t, backend.JobFailed, done.Status)
			assert.Equal(t, tt.want, done.ErrorKind)
		})
	}
}

func TestService_SubmitRejections(t *testing.T) {
	release := make(chan struct{})
	blocking := backend.Func{ID: "blocking", Fn: func(ctx context.Context, _ backend.ExecutionRequest) (*backend.Distribution, error) {
		select {
		case <-release:
			return backend.NewDistribution(map[string]int{"00": 1})
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	svc := newTestService(t, blocking, 30, Config{Workers: 1, QueueSize: 1, CreditsPerShot: 1})
	defer close(release)

	_, err := svc.Submit(backend.JobRequest{Circuit: testCircuit(t), Shots: 0})
	assert.True(t, errors.Is(err, domain.ErrConfiguration))

	_, err = svc.Submit(backend.JobRequest{Circuit: &circuit.Descriptor{}, Shots: 1})
	assert.True(t, errors.Is(err, domain.ErrInvalidCircuit))

	_, err = svc.Submit(backend.JobRequest{Circuit: testCircuit(t), Shots: 31})
	var quota *domain.QuotaExceededError
	require.True(t, errors.As(err, &quota))
	assert.Equal(t, int64(31), quota.Requested)
	assert.Equal(t, int64(30), quota.Available)

	// First job occupies the worker, second fills the queue
	first, err := svc.Submit(backend.JobRequest{Circuit: testCircuit(t), Shots: 10})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, _ := svc.Job(first.ID)
		return v.Status == backend.JobRunning
	}, 5*time.Second, time.Millisecond)

	second, err := svc.Submit(backend.JobRequest{Circuit: testCircuit(t), Shots: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, second.QueuePosition)

	_, err = svc.Submit(backend.JobRequest{Circuit: testCircuit(t), Shots: 5})
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, int64(20), svc.Status().Credits.Reserved, "rejected job holds no credits")

	_, err = svc.Job("missing")
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestService_CloseFailsQueuedJobs(t *testing.T) {
	blocking := backend.Func{ID: "blocking", Fn: func(ctx context.Context, _ backend.ExecutionRequest) (*backend.Distribution, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	svc, err := NewService(blocking, backend.NewCreditPool(100), Config{Workers: 1, QueueSize: 4, CreditsPerShot: 1}, zerolog.Nop())
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		view, err := svc.Submit(backend.JobRequest{Circuit: testCircuit(t), Shots: 10})
		require.NoError(t, err)
		ids = append(ids, view.ID)
	}

	svc.Close()
	svc.Close()

	for _, id := range ids {
		view, err := svc.Job(id)
		require.NoError(t, err)
		assert.Equal(t, backend.JobFailed, view.Status)
	}
	snapshot := svc.Credits().Snapshot()
	assert.Equal(t, int64(100), snapshot.Balance)
	assert.Zero(t, snapshot.Reserved)

	_, err = svc.Submit(backend.JobRequest{Circuit: testCircuit(t), Shots: 1})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestNewService_Validation(t *testing.T) {
	sim, err := backend.NewSimulator(backend.SimulatorConfig{}, zerolog.Nop())
	require.NoError(t, err)
	pool := backend.NewCreditPool(1)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no workers", Config{Workers: 0, QueueSize: 1}},
		{"no queue", Config{Workers: 1, QueueSize: 0}},
		{"negative price", Config{Workers: 1, QueueSize: 1, CreditsPerShot: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewService(sim, pool, tt.cfg, zerolog.Nop())
			assert.True(t, errors.Is(err, domain.ErrConfiguration))
		})
	}

	_, err = NewService(nil, pool, Config{Workers: 1, QueueSize: 1}, zerolog.Nop())
	assert.Error(t, err)
}
