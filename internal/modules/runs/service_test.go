package runs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/events"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/aristath/qloop/internal/modules/optimizer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDefaults() Defaults {
	return Defaults{
		Backend: backend.SimulatorName,
		Layout:  "single_rotation_x",
		Qubits:  2,
		Rule:    "target_miss",
		Shots:   500,
		Settings: Settings{
			MaxIterations:   40,
			StallIterations: 10,
			Tolerance:       1e-4,
			Repeats:         1,
			SimplexSize:     1,
		},
	}
}

func newTestService(t *testing.T, backends ...backend.Backend) (*Service, *events.Bus) {
	t.Helper()
	return newTestServiceWith(t, testDefaults(), backends...)
}

func newTestServiceWith(t *testing.T, defaults Defaults, backends ...backend.Backend) (*Service, *events.Bus) {
	t.Helper()
	if len(backends) == 0 {
		sim, err := backend.NewSimulator(backend.SimulatorConfig{Seed: 3}, zerolog.Nop())
		require.NoError(t, err)
		backends = []backend.Backend{sim}
	}
	bus := events.NewBus(zerolog.Nop())
	repo := NewRepository(setupTestDB(t).Conn(), zerolog.Nop())
	svc := NewService(repo, optimizer.New(zerolog.Nop()), backends, bus, defaults, zerolog.Nop())
	t.Cleanup(svc.Close)
	return svc, bus
}

func waitFor(t *testing.T, svc *Service, id string) *Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, svc.Wait(ctx, id))
	run, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	return run
}

func TestService_RunsOptimizationToCompletion(t *testing.T) {
	svc, bus := newTestService(t)

	var mu sync.Mutex
	seen := map[events.EventType]int{}
	bus.SubscribeAll(func(e *events.Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
	})

	run, err := svc.Start(context.Background(), StartRequest{Target: "01", InitialParams: []float64{0.5}})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, run.Status)

	final := waitFor(t, svc, run.ID)
	assert.True(t, final.Finished())
	assert.NotEqual(t, string(optimizer.StatusFailed), final.Status, final.Error)
	require.NotNil(t, final.BestLoss)
	assert.Less(t, *final.BestLoss, 0.1)
	require.NotNil(t, final.Summary)

	evals, err := svc.Evaluations(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, evals, final.Evaluations)

	// Best-so-far over the stored history never increases
	best := 2.0
	for _, e := range evals {
		if e.Loss != nil && *e.Loss < best {
			best = *e.Loss
		}
	}
	assert.Equal(t, best, *final.BestLoss)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen[events.RunStarted])
	assert.Equal(t, 1, seen[events.RunFinished])
	assert.Positive(t, seen[events.IterationCompleted])
}

func TestService_StartValidation(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name string
		req  StartRequest
	}{
		{"unknown backend", StartRequest{Backend: "qpu", Target: "01"}},
		{"unknown layout", StartRequest{Layout: "spiral", Target: "01"}},
		{"wrong parameter count", StartRequest{Target: "01", InitialParams: []float64{1, 2}}},
		{"layout without parameters", StartRequest{Layout: "bell_pair", Target: "11"}},
		{"bad settings", StartRequest{Target: "01", Settings: &Settings{StallIterations: -1}}},
		{"negative shots", StartRequest{Target: "01", Shots: -5}},
		{"missing target", StartRequest{}},
		{"target wider than register", StartRequest{Target: "011"}},
		{"target not a bitstring", StartRequest{Target: "0a"}},
		{"unknown mode", StartRequest{Objective: &ObjectiveSpec{Mode: "ensemble"}}},
		{"multitask without tasks", StartRequest{Objective: &ObjectiveSpec{Mode: ModeMultiTask}}},
		{"overlapping partition", StartRequest{Objective: &ObjectiveSpec{
			Mode: ModeMultiTask,
			Tasks: []TaskSpec{
				{Name: "a", Layout: "rxry_layer", Qubits: 2, Target: "11"},
				{Name: "b", Layout: "rxry_layer", Qubits: 2, Offset: 2, Target: "00"},
			},
		}}},
		{"unknown aliasing", StartRequest{Objective: &ObjectiveSpec{
			Mode:     ModeMultiTask,
			Aliasing: "sometimes",
			Tasks:    []TaskSpec{{Layout: "rxry_layer", Qubits: 2, Target: "11"}},
		}}},
		{"task target width", StartRequest{Objective: &ObjectiveSpec{
			Mode:  ModeMultiTask,
			Tasks: []TaskSpec{{Layout: "rxry_layer", Qubits: 2, Target: "1"}},
		}}},
		{"transfer rate without base", StartRequest{Objective: &ObjectiveSpec{
			Mode:  ModeMultiTask,
			Tasks: []TaskSpec{{Layout: "rxry_layer", Qubits: 2, Target: "11", TransferRate: 0.1}},
		}}},
		{"shift length", StartRequest{Objective: &ObjectiveSpec{
			Mode:  ModeMultiTask,
			Tasks: []TaskSpec{{Layout: "rxry_layer", Qubits: 2, Target: "11", Shift: []float64{0.1}}},
		}}},
		{"real probability out of range", StartRequest{Objective: &ObjectiveSpec{
			Mode: ModeAdversarial,
			QGAN: &QGANSpec{RealProbability: 1.5},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Start(context.Background(), tt.req)
			assert.True(t, errors.Is(err, domain.ErrConfiguration), "got %v", err)
		})
	}

	list, err := svc.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, list, "rejected requests are not stored")
}

func TestService_Cancel(t *testing.T) {
	release := make(chan struct{})
	slow := backend.Func{ID: "slow", Fn: func(ctx context.Context, _ backend.ExecutionRequest) (*backend.Distribution, error) {
		select {
		case <-release:
			return backend.NewDistribution(map[string]int{"01": 1})
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	svc, _ := newTestService(t, slow)

	run, err := svc.Start(context.Background(), StartRequest{Backend: "slow", Target: "01"})
	require.NoError(t, err)
	assert.Equal(t, 1, svc.Active())

	require.NoError(t, svc.Cancel(context.Background(), run.ID))
	final := waitFor(t, svc, run.ID)
	close(release)

	assert.Equal(t, string(optimizer.StatusCancelled), final.Status)
	assert.NotNil(t, final.FinishedAt)
	assert.Equal(t, 0, svc.Active())

	err = svc.Cancel(context.Background(), run.ID)
	assert.True(t, errors.Is(err, ErrNotActive))
	err = svc.Cancel(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestService_AllEvaluationsFailing(t *testing.T) {
	broken := backend.Func{ID: "broken", Fn: func(context.Context, backend.ExecutionRequest) (*backend.Distribution, error) {
		return nil, &domain.BackendUnavailableError{Backend: "broken", Attempts: 3, Cause: errors.New("down")}
	}}
	svc, _ := newTestService(t, broken)

	run, err := svc.Start(context.Background(), StartRequest{Backend: "broken", Target: "01"})
	require.NoError(t, err)

	final := waitFor(t, svc, run.ID)
	assert.Equal(t, string(optimizer.StatusFailed), final.Status)
	assert.Contains(t, final.Error, "unavailable")
	assert.Nil(t, final.BestLoss)
	assert.Positive(t, final.FailedEvaluations)
}

func TestService_DefaultTarget(t *testing.T) {
	defaults := testDefaults()
	defaults.Target = "01"
	svc, _ := newTestServiceWith(t, defaults)

	run, err := svc.Start(context.Background(), StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, "01", run.Target)

	final := waitFor(t, svc, run.ID)
	assert.NotEqual(t, string(optimizer.StatusFailed), final.Status, final.Error)
	require.NotNil(t, final.BestLoss)

	_, err = svc.Start(context.Background(), StartRequest{Qubits: 3})
	assert.True(t, errors.Is(err, domain.ErrConfiguration), "default target does not fit 3 qubits")
}

func TestService_MultiTaskRun(t *testing.T) {
	svc, _ := newTestService(t)

	t.Run("shared parameters with transfer", func(t *testing.T) {
		spec := &ObjectiveSpec{
			Mode:     ModeMultiTask,
			Aliasing: "shared",
			Tasks: []TaskSpec{
				{Name: "ones", Layout: "rxry_layer", Qubits: 2, Rule: "negative_likelihood", Target: "11",
					TransferBase: []float64{0.3, 1.2, 2.0, 0.7}, TransferRate: 0.5},
				{Name: "zeros", Layout: "rxry_layer", Qubits: 2, Rule: "negative_likelihood", Target: "00",
					TransferBase: []float64{1.1, 0.4, 0.9, 2.5}, TransferRate: 0.5},
			},
		}
		run, err := svc.Start(context.Background(), StartRequest{Objective: spec})
		require.NoError(t, err)
		assert.Equal(t, ModeMultiTask, run.Layout)
		assert.Len(t, run.InitialParams, 4)

		final := waitFor(t, svc, run.ID)
		assert.NotEqual(t, string(optimizer.StatusFailed), final.Status, final.Error)
		require.NotNil(t, final.BestLoss)
		assert.LessOrEqual(t, *final.BestLoss, 0.0)
		assert.GreaterOrEqual(t, *final.BestLoss, -2.0)
		require.NotNil(t, final.Objective)
		assert.Len(t, final.Objective.Tasks, 2)
	})

	t.Run("partitioned modules with shift", func(t *testing.T) {
		spec := &ObjectiveSpec{
			Mode: ModeMultiTask,
			Tasks: []TaskSpec{
				{Name: "module1", Layout: "rxry_layer", Qubits: 2, Target: "11", Weight: 2},
				{Name: "module2", Layout: "rxry_layer", Qubits: 2, Offset: 4, Target: "01",
					Shift: []float64{0.1, 0, 0, 0}},
			},
		}
		run, err := svc.Start(context.Background(), StartRequest{Objective: spec})
		require.NoError(t, err)
		assert.Len(t, run.InitialParams, 8)

		final := waitFor(t, svc, run.ID)
		assert.NotEqual(t, string(optimizer.StatusFailed), final.Status, final.Error)
		require.NotNil(t, final.BestLoss)
		assert.LessOrEqual(t, *final.BestLoss, 3.0)
	})
}

func TestService_AdversarialRun(t *testing.T) {
	svc, _ := newTestService(t)

	run, err := svc.Start(context.Background(), StartRequest{
		Layout: "single_rotation_y",
		Qubits: 1,
		Objective: &ObjectiveSpec{
			Mode: ModeAdversarial,
			QGAN: &QGANSpec{RealProbability: 0.9, TrainEpochs: 20},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "discriminator_score", run.Rule)
	assert.Len(t, run.InitialParams, 1)

	final := waitFor(t, svc, run.ID)
	assert.NotEqual(t, string(optimizer.StatusFailed), final.Status, final.Error)
	require.NotNil(t, final.BestLoss)
	// Scores are probabilities, so losses lie in [-1, 0]
	assert.GreaterOrEqual(t, *final.BestLoss, -1.0)
	assert.LessOrEqual(t, *final.BestLoss, 0.0)
	require.NotNil(t, final.Objective)
	assert.Equal(t, ModeAdversarial, final.Objective.Mode)
}
