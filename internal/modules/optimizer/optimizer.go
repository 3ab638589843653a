package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aristath/qloop/internal/domain"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// initialAttempts bounds the evaluations spent on the starting point.
const initialAttempts = 3

// Optimizer minimizes objectives with Nelder-Mead. Iterations are strictly
// sequential; only the repeats of a single point run concurrently.
type Optimizer struct {
	log zerolog.Logger
}

// New creates an optimizer.
func New(log zerolog.Logger) *Optimizer {
	return &Optimizer{
		log: log.With().Str("component", "optimizer").Logger(),
	}
}

// Minimize searches for the parameters with the lowest loss starting from
// initial. The returned state is always populated; on failure or cancellation
// it holds the partial history alongside the error.
func (o *Optimizer) Minimize(ctx context.Context, objective Objective, initial domain.ParameterVector, settings Settings) (*State, error) {
	if objective == nil {
		return nil, domain.NewConfigurationError("objective is required")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if initial.Len() == 0 {
		return nil, domain.NewConfigurationError("nothing to optimize: initial parameter vector is empty")
	}

	r := &run{
		ctx:       ctx,
		objective: objective,
		settings:  settings,
		repeats:   max(settings.Repeats, 1),
		state:     newState(initial),
		log:       o.log,
	}

	gs := &optimize.Settings{
		MajorIterations: settings.MaxIterations,
		FuncEvaluations: settings.MaxEvaluations,
		Recorder:        r,
		Converger:       neverConverge{},
	}
	if settings.StallIterations > 0 {
		gs.Converger = &optimize.FunctionConverge{
			Absolute:   math.Max(settings.Tolerance, 1e-12),
			Iterations: settings.StallIterations,
		}
	}
	method := &optimize.NelderMead{SimplexSize: settings.SimplexSize}

	o.log.Info().
		Int("params", initial.Len()).
		Int("max_iterations", settings.MaxIterations).
		Int("stall_iterations", settings.StallIterations).
		Int("repeats", r.repeats).
		Msg("Starting optimization")

	start := time.Now()
	var (
		result  *optimize.Result
		err     error
		limited bool
	)
	if initLoss, ok := r.evaluateInitial(initial.Values()); ok {
		// gonum counts only its own calls, so the initial point's attempts
		// come off the budget here.
		remaining := settings.MaxEvaluations - r.state.Evaluations
		if settings.MaxEvaluations > 0 && remaining <= 0 {
			limited = true
		} else {
			if settings.MaxEvaluations > 0 {
				gs.FuncEvaluations = remaining
			}
			gs.InitValues = &optimize.Location{F: initLoss}
			result, err = optimize.Minimize(optimize.Problem{Func: r.evaluate}, initial.Values(), gs, method)
		}
	}
	state := r.state

	switch {
	case r.abortErr != nil:
		state.Status = r.abortStatus
		state.Err = r.abortErr
	case limited:
		state.Status = StatusEvaluationLimit
	case err != nil:
		state.Status = StatusFailed
		state.Err = fmt.Errorf("optimization failed: %w", err)
	case !state.HasBest:
		state.Status = StatusFailed
		state.Err = &domain.OptimizationFailedError{Iteration: state.Iterations, Failed: state.Failed, Cause: r.lastErr}
	default:
		state.Status = statusFrom(result.Status)
	}

	event := o.log.Info()
	if state.Err != nil {
		event = o.log.Warn().Err(state.Err)
	}
	event.
		Str("status", string(state.Status)).
		Int("iterations", state.Iterations).
		Int("evaluations", state.Evaluations).
		Int("failed", state.Failed).
		Float64("best_loss", finiteOr(state.BestLoss, -1)).
		Dur("elapsed", time.Since(start)).
		Msg("Optimization finished")

	return state, state.Err
}

func statusFrom(s optimize.Status) Status {
	switch s {
	case optimize.IterationLimit:
		return StatusIterationLimit
	case optimize.FunctionEvaluationLimit:
		return StatusEvaluationLimit
	default:
		return StatusConverged
	}
}

// run is the per-call state shared between the objective wrapper and the
// recorder. gonum calls the objective from its method goroutine and the
// recorder from the Minimize goroutine; its task channels order the two, so
// the fields need no lock. NelderMead hands out one task at a time.
type run struct {
	ctx       context.Context
	objective Objective
	settings  Settings
	repeats   int
	state     *State
	log       zerolog.Logger

	lastErr      error
	evalsAtIter  int
	failedAtIter int
	abortErr     error
	abortStatus  Status
}

// evaluate adapts the objective to gonum. Failures are recorded and reported
// to the method as +Inf so the simplex moves away from them.
func (r *run) evaluate(x []float64) float64 {
	if r.ctx.Err() != nil || r.abortErr != nil {
		return math.Inf(1)
	}
	params := domain.NewParameterVector(x...)
	start := time.Now()
	loss, err := r.evaluatePoint(params)
	if r.ctx.Err() != nil {
		return math.Inf(1)
	}
	if err == nil && (math.IsNaN(loss) || math.IsInf(loss, 0)) {
		err = &domain.DegenerateDistributionError{Reason: fmt.Sprintf("objective returned %g", loss)}
	}
	r.state.record(Evaluation{
		Iteration: r.state.Iterations,
		Params:    params,
		Loss:      loss,
		Err:       err,
		Duration:  time.Since(start),
	})
	if err != nil {
		r.lastErr = err
		if isFatal(err) {
			r.abort(StatusFailed, err)
			r.log.Error().Err(err).Str("params", params.String()).Msg("Evaluation rejected, stopping")
			return math.Inf(1)
		}
		r.log.Warn().Err(err).Str("params", params.String()).Msg("Evaluation failed")
		return math.Inf(1)
	}
	return loss
}

// evaluateInitial evaluates the starting point before gonum sees it, since
// gonum gives up on an infinite initial value. Failed attempts are retried on
// the same point; iteration 0 fails as a whole when none succeeds.
func (r *run) evaluateInitial(x []float64) (float64, bool) {
	budget := r.settings.MaxEvaluations
	for attempt := 0; attempt < initialAttempts; attempt++ {
		if budget > 0 && r.state.Evaluations >= budget {
			break
		}
		loss := r.evaluate(x)
		if r.abortErr != nil {
			return 0, false
		}
		if err := r.ctx.Err(); err != nil {
			r.abort(StatusCancelled, err)
			return 0, false
		}
		if !math.IsInf(loss, 1) {
			r.evalsAtIter, r.failedAtIter = r.state.Evaluations, r.state.Failed
			return loss, true
		}
	}
	r.abort(StatusFailed, &domain.OptimizationFailedError{
		Iteration: 0,
		Failed:    r.state.Failed,
		Cause:     r.lastErr,
	})
	return 0, false
}

// isFatal reports errors that no other point or attempt can fix.
func isFatal(err error) bool {
	return errors.Is(err, domain.ErrConfiguration) || errors.Is(err, domain.ErrInvalidCircuit)
}

func (r *run) evaluatePoint(params domain.ParameterVector) (float64, error) {
	if r.repeats == 1 {
		return r.objective(r.ctx, params)
	}
	losses := make([]float64, r.repeats)
	g, gctx := errgroup.WithContext(r.ctx)
	for i := range losses {
		g.Go(func() error {
			loss, err := r.objective(gctx, params)
			if err != nil {
				return err
			}
			losses[i] = loss
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return stat.Mean(losses, nil), nil
}

// Init implements optimize.Recorder.
func (r *run) Init() error {
	return nil
}

// Record implements optimize.Recorder. It stops the run on cancellation and
// when an entire iteration produced nothing but failures.
func (r *run) Record(_ *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if r.abortErr != nil {
		return r.abortErr
	}
	if err := r.ctx.Err(); err != nil {
		return r.abort(StatusCancelled, err)
	}
	if op != optimize.MajorIteration {
		return nil
	}

	s := r.state
	s.Iterations++
	evals := s.Evaluations - r.evalsAtIter
	failed := s.Failed - r.failedAtIter
	r.evalsAtIter, r.failedAtIter = s.Evaluations, s.Failed

	if evals > 0 && failed == evals {
		return r.abort(StatusFailed, &domain.OptimizationFailedError{
			Iteration: s.Iterations,
			Failed:    failed,
			Cause:     r.lastErr,
		})
	}

	if s.HasBest {
		s.Trace = append(s.Trace, TracePoint{Iteration: s.Iterations, Evaluations: s.Evaluations, BestLoss: s.BestLoss})
	}
	r.log.Debug().
		Int("iteration", s.Iterations).
		Int("evaluations", evals).
		Int("failed", failed).
		Float64("best_loss", finiteOr(s.BestLoss, -1)).
		Msg("Iteration completed")

	if r.settings.OnIteration != nil {
		r.settings.OnIteration(IterationReport{
			Iteration:   s.Iterations,
			Evaluations: s.Evaluations,
			Failed:      s.Failed,
			BestLoss:    s.BestLoss,
			Best:        s.Best,
		})
	}
	return nil
}

func (r *run) abort(status Status, err error) error {
	if r.abortErr == nil {
		r.abortStatus = status
		r.abortErr = err
	}
	return r.abortErr
}

// neverConverge disables gonum's default function convergence check.
type neverConverge struct{}

func (neverConverge) Init(int) {}

func (neverConverge) Converged(*optimize.Location) optimize.Status {
	return optimize.NotTerminated
}

func finiteOr(v, fallback float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return fallback
	}
	return v
}

// IsCancelled reports whether err came from context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
