// Package optimizer drives a derivative-free minimization of a noisy
// objective and records every evaluation it makes.
package optimizer

import (
	"context"
	"math"
	"time"

	"github.com/aristath/qloop/internal/domain"
)

// Objective evaluates one parameter vector. Evaluator.Loss satisfies it.
type Objective func(ctx context.Context, params domain.ParameterVector) (float64, error)

// Status is why an optimization stopped.
type Status string

const (
	StatusRunning         Status = "running"
	StatusIterationLimit  Status = "iteration_limit"
	StatusConverged       Status = "converged"
	StatusEvaluationLimit Status = "evaluation_limit"
	StatusCancelled       Status = "cancelled"
	StatusFailed          Status = "failed"
)

// Settings bound an optimization.
type Settings struct {
	// MaxIterations caps the optimizer's major iterations.
	MaxIterations int
	// StallIterations stops the run after this many iterations without an
	// improvement larger than Tolerance. Zero disables stall detection.
	StallIterations int
	Tolerance       float64
	// MaxEvaluations caps objective calls (0 = unlimited).
	MaxEvaluations int
	// Repeats evaluates each point this many times concurrently and averages
	// the losses to damp shot noise.
	Repeats int
	// SimplexSize is the initial simplex edge length.
	SimplexSize float64
	// OnIteration, when set, is called synchronously after every iteration.
	OnIteration func(IterationReport)
}

// DefaultSettings mirrors the service defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations:   100,
		StallIterations: 20,
		Tolerance:       1e-4,
		Repeats:         1,
		SimplexSize:     0.5,
	}
}

// Validate checks settings ranges.
func (s Settings) Validate() error {
	if s.MaxIterations < 1 {
		return domain.NewConfigurationError("max iterations must be at least 1, got %d", s.MaxIterations)
	}
	if s.StallIterations < 0 {
		return domain.NewConfigurationError("stall iterations must not be negative, got %d", s.StallIterations)
	}
	if s.Tolerance < 0 || math.IsNaN(s.Tolerance) {
		return domain.NewConfigurationError("tolerance must not be negative, got %g", s.Tolerance)
	}
	if s.MaxEvaluations < 0 {
		return domain.NewConfigurationError("max evaluations must not be negative, got %d", s.MaxEvaluations)
	}
	if s.Repeats < 0 {
		return domain.NewConfigurationError("repeats must not be negative, got %d", s.Repeats)
	}
	return nil
}

// Evaluation is one objective call in the order it happened.
type Evaluation struct {
	Index     int
	Iteration int
	Params    domain.ParameterVector
	Loss      float64
	Err       error
	Duration  time.Duration
}

// Failed reports whether the evaluation produced no loss.
func (e Evaluation) Failed() bool {
	return e.Err != nil
}

// TracePoint is the best loss known at the end of an iteration.
type TracePoint struct {
	Iteration   int
	Evaluations int
	BestLoss    float64
}

// IterationReport is passed to Settings.OnIteration.
type IterationReport struct {
	Iteration   int
	Evaluations int
	Failed      int
	BestLoss    float64
	Best        domain.ParameterVector
}

// State is the record of an optimization run. It is owned by the run that
// produced it and returned populated even when the run fails.
type State struct {
	Best        domain.ParameterVector
	BestLoss    float64
	HasBest     bool
	Iterations  int
	Evaluations int
	Failed      int
	History     []Evaluation
	Trace       []TracePoint
	Status      Status
	Err         error
}

func newState(initial domain.ParameterVector) *State {
	return &State{
		Best:     initial,
		BestLoss: math.Inf(1),
		Status:   StatusRunning,
	}
}

// record appends an evaluation and updates the best point on strict
// improvement only, so ties keep the earlier point.
func (s *State) record(e Evaluation) {
	e.Index = len(s.History)
	s.History = append(s.History, e)
	s.Evaluations++
	if e.Failed() {
		s.Failed++
		return
	}
	if e.Loss < s.BestLoss {
		s.Best = e.Params
		s.BestLoss = e.Loss
		s.HasBest = true
	}
}
