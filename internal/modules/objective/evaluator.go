package objective

import (
	"context"
	"fmt"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/aristath/qloop/internal/modules/circuit"
	"github.com/rs/zerolog"
)

// Builder produces the circuit for a parameter vector.
type Builder func(params domain.ParameterVector) (*circuit.Descriptor, error)

// LayoutBuilder binds a layout and qubit count into a Builder.
func LayoutBuilder(layout circuit.Layout, qubits int) Builder {
	return func(params domain.ParameterVector) (*circuit.Descriptor, error) {
		return circuit.Build(layout, params, qubits)
	}
}

// Evaluator runs build -> execute -> loss for one parameter vector.
type Evaluator struct {
	backend backend.Backend
	build   Builder
	rule    LossRule
	shots   int
	log     zerolog.Logger
}

// NewEvaluator creates an evaluator. The backend is injected so tests and
// callers decide where circuits run.
func NewEvaluator(b backend.Backend, build Builder, rule LossRule, shots int, log zerolog.Logger) (*Evaluator, error) {
	if b == nil {
		return nil, domain.NewConfigurationError("evaluator needs a backend")
	}
	if build == nil || rule == nil {
		return nil, domain.NewConfigurationError("evaluator needs a builder and a loss rule")
	}
	if shots < 1 {
		return nil, domain.NewConfigurationError("shot count must be at least 1, got %d", shots)
	}
	return &Evaluator{
		backend: b,
		build:   build,
		rule:    rule,
		shots:   shots,
		log:     log.With().Str("component", "evaluator").Logger(),
	}, nil
}

// Loss evaluates params. Its signature matches the optimizer's objective.
func (e *Evaluator) Loss(ctx context.Context, params domain.ParameterVector) (float64, error) {
	dist, err := e.Distribution(ctx, params)
	if err != nil {
		return 0, err
	}
	loss, err := e.rule.Loss(dist)
	if err != nil {
		return 0, fmt.Errorf("failed to compute loss: %w", err)
	}
	e.log.Debug().
		Str("params", params.String()).
		Float64("loss", loss).
		Msg("Evaluated parameters")
	return loss, nil
}

// Distribution builds and executes the circuit for params.
func (e *Evaluator) Distribution(ctx context.Context, params domain.ParameterVector) (*backend.Distribution, error) {
	d, err := e.build(params)
	if err != nil {
		return nil, err
	}
	dist, err := e.backend.Execute(ctx, backend.ExecutionRequest{
		Circuit: d,
		Shots:   e.shots,
		Backend: e.backend.Name(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute circuit on %s: %w", e.backend.Name(), err)
	}
	return dist, nil
}
