package optimizer

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/aristath/qloop/internal/modules/circuit"
	"github.com/aristath/qloop/internal/modules/objective"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quadratic(_ context.Context, p domain.ParameterVector) (float64, error) {
	x, y := p.At(0), p.At(1)
	return (x-1)*(x-1) + (y+2)*(y+2), nil
}

func newOptimizer() *Optimizer {
	return New(zerolog.Nop())
}

func assertBestNonIncreasing(t *testing.T, s *State) {
	t.Helper()
	best := math.Inf(1)
	for _, e := range s.History {
		if !e.Failed() && e.Loss < best {
			best = e.Loss
		}
	}
	assert.Equal(t, best, s.BestLoss)
	for i := 1; i < len(s.Trace); i++ {
		assert.LessOrEqual(t, s.Trace[i].BestLoss, s.Trace[i-1].BestLoss)
	}
}

func TestMinimize_Quadratic(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxIterations = 500
	settings.StallIterations = 30
	settings.Tolerance = 1e-10

	var reports int
	settings.OnIteration = func(IterationReport) { reports++ }

	state, err := newOptimizer().Minimize(context.Background(), quadratic, domain.NewParameterVector(0, 0), settings)
	require.NoError(t, err)

	assert.Contains(t, []Status{StatusConverged, StatusIterationLimit}, state.Status)
	assert.Less(t, state.BestLoss, 1e-3)
	assert.InDelta(t, 1, state.Best.At(0), 0.05)
	assert.InDelta(t, -2, state.Best.At(1), 0.05)
	assert.Equal(t, state.Iterations, reports)
	assert.Equal(t, len(state.History), state.Evaluations)
	for i, e := range state.History {
		assert.Equal(t, i, e.Index)
	}
	assertBestNonIncreasing(t, state)
}

func TestMinimize_IterationLimit(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxIterations = 3
	settings.StallIterations = 0

	state, err := newOptimizer().Minimize(context.Background(), quadratic, domain.NewParameterVector(5, 5), settings)
	require.NoError(t, err)
	assert.Equal(t, StatusIterationLimit, state.Status)
	assert.LessOrEqual(t, state.Iterations, 3)
	assert.Greater(t, state.Iterations, 0)
}

func TestMinimize_EvaluationLimit(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxEvaluations = 5
	settings.StallIterations = 0

	state, err := newOptimizer().Minimize(context.Background(), quadratic, domain.NewParameterVector(5, 5), settings)
	require.NoError(t, err)
	assert.Equal(t, StatusEvaluationLimit, state.Status)
	assert.LessOrEqual(t, state.Evaluations, 6)
}

func TestMinimize_StallStopsFlatObjective(t *testing.T) {
	flat := func(context.Context, domain.ParameterVector) (float64, error) { return 0.5, nil }
	settings := DefaultSettings()
	settings.MaxIterations = 1000
	settings.StallIterations = 5

	initial := domain.NewParameterVector(0.1, 0.2)
	state, err := newOptimizer().Minimize(context.Background(), flat, initial, settings)
	require.NoError(t, err)
	assert.Equal(t, StatusConverged, state.Status)
	assert.Less(t, state.Iterations, 1000)
	assert.True(t, state.Best.Equal(state.History[0].Params), "ties keep the earliest point")
}

func TestMinimize_AllEvaluationsFail(t *testing.T) {
	cause := &domain.BackendUnavailableError{Backend: "remote", Attempts: 3, Cause: errors.New("down")}
	failing := func(context.Context, domain.ParameterVector) (float64, error) { return 0, cause }

	state, err := newOptimizer().Minimize(context.Background(), failing, domain.NewParameterVector(1), DefaultSettings())
	require.Error(t, err)
	require.NotNil(t, state)

	var failed *domain.OptimizationFailedError
	require.True(t, errors.As(err, &failed))
	assert.True(t, errors.Is(err, domain.ErrBackendUnavailable))
	assert.Equal(t, StatusFailed, state.Status)
	assert.False(t, state.HasBest)
	assert.Equal(t, 0, failed.Iteration)
	assert.Len(t, state.History, initialAttempts)
	assert.Equal(t, state.Evaluations, state.Failed)
}

func TestMinimize_RetriesFailedStartingPoint(t *testing.T) {
	var calls atomic.Int32
	firstFails := func(_ context.Context, p domain.ParameterVector) (float64, error) {
		if calls.Add(1) == 1 {
			return 0, &domain.TransientError{Cause: errors.New("connection reset")}
		}
		x := p.At(0)
		return x * x, nil
	}
	settings := DefaultSettings()
	settings.MaxIterations = 50

	state, err := newOptimizer().Minimize(context.Background(), firstFails, domain.NewParameterVector(2), settings)
	require.NoError(t, err)
	assert.True(t, state.HasBest)
	assert.Less(t, state.BestLoss, 0.01)
	assert.True(t, state.History[0].Failed())
	assert.True(t, state.History[1].Params.Equal(state.History[0].Params))
	assert.Equal(t, 1, state.Failed)
}

func TestMinimize_FatalErrorsStopWithoutRetry(t *testing.T) {
	tests := []struct {
		name     string
		failOn   int32
		err      error
		sentinel error
	}{
		{"configuration at start", 1, domain.NewConfigurationError("target width 3 does not match 2 measured bits"), domain.ErrConfiguration},
		{"invalid circuit mid run", 6, domain.NewInvalidCircuitError("gate targets qubit 4 of 2"), domain.ErrInvalidCircuit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			obj := func(ctx context.Context, p domain.ParameterVector) (float64, error) {
				if calls.Add(1) >= tt.failOn {
					return 0, tt.err
				}
				return quadratic(ctx, p)
			}

			state, err := newOptimizer().Minimize(context.Background(), obj, domain.NewParameterVector(0, 0), DefaultSettings())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.False(t, errors.Is(err, domain.ErrOptimizationFailed))
			assert.Equal(t, StatusFailed, state.Status)
			assert.Equal(t, tt.failOn, calls.Load())
			assert.Equal(t, int(tt.failOn), state.Evaluations)
		})
	}
}

func TestMinimize_EvaluationBudgetSpentOnStart(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxEvaluations = 1

	state, err := newOptimizer().Minimize(context.Background(), quadratic, domain.NewParameterVector(5, 5), settings)
	require.NoError(t, err)
	assert.Equal(t, StatusEvaluationLimit, state.Status)
	assert.Equal(t, 1, state.Evaluations)
	assert.True(t, state.HasBest)
}

func TestMinimize_ToleratesIntermittentFailures(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, p domain.ParameterVector) (float64, error) {
		if calls.Add(1)%4 == 0 {
			return 0, &domain.TransientError{Cause: errors.New("blip")}
		}
		return quadratic(ctx, p)
	}
	settings := DefaultSettings()
	settings.MaxIterations = 200

	state, err := newOptimizer().Minimize(context.Background(), flaky, domain.NewParameterVector(0, 0), settings)
	require.NoError(t, err)
	assert.Greater(t, state.Failed, 0)
	assert.True(t, state.HasBest)
	assertBestNonIncreasing(t, state)

	for _, e := range state.History {
		if e.Failed() {
			assert.Error(t, e.Err)
		}
	}
}

func TestMinimize_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	obj := func(ctx context.Context, p domain.ParameterVector) (float64, error) {
		if calls.Add(1) == 10 {
			cancel()
		}
		return quadratic(ctx, p)
	}

	state, err := newOptimizer().Minimize(ctx, obj, domain.NewParameterVector(3, 3), DefaultSettings())
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsCancelled(err))
	require.NotNil(t, state)
	assert.Equal(t, StatusCancelled, state.Status)
	assert.LessOrEqual(t, state.Evaluations, 10)
}

func TestMinimize_RepeatsAverageConcurrentEvaluations(t *testing.T) {
	var counted atomic.Int32
	noisy := func(ctx context.Context, p domain.ParameterVector) (float64, error) {
		counted.Add(1)
		return quadratic(ctx, p)
	}
	settings := DefaultSettings()
	settings.MaxIterations = 5
	settings.Repeats = 3

	state, err := newOptimizer().Minimize(context.Background(), noisy, domain.NewParameterVector(0, 0), settings)
	require.NoError(t, err)
	assert.Equal(t, int32(state.Evaluations*3), counted.Load())
}

func TestMinimize_Validation(t *testing.T) {
	o := newOptimizer()

	_, err := o.Minimize(context.Background(), nil, domain.NewParameterVector(1), DefaultSettings())
	assert.True(t, errors.Is(err, domain.ErrConfiguration))

	_, err = o.Minimize(context.Background(), quadratic, domain.NewParameterVector(), DefaultSettings())
	assert.True(t, errors.Is(err, domain.ErrConfiguration))

	bad := DefaultSettings()
	bad.MaxIterations = 0
	_, err = o.Minimize(context.Background(), quadratic, domain.NewParameterVector(1, 1), bad)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestMinimize_FindsRotationThatFlipsQubit(t *testing.T) {
	sim, err := backend.NewSimulator(backend.SimulatorConfig{Seed: 8}, zerolog.Nop())
	require.NoError(t, err)
	eval, err := objective.NewEvaluator(sim,
		objective.LayoutBuilder(circuit.SingleRotation{Axis: circuit.AxisX, Target: 0}, 2),
		objective.TargetMiss{Target: "01"}, 1000, zerolog.Nop())
	require.NoError(t, err)

	settings := DefaultSettings()
	settings.MaxIterations = 60
	settings.SimplexSize = 1

	state, err := newOptimizer().Minimize(context.Background(), eval.Loss, domain.NewParameterVector(0.5), settings)
	require.NoError(t, err)
	assert.Less(t, state.BestLoss, 0.1)
	assertBestNonIncreasing(t, state)
}
