package objective

import (
	"context"
	"fmt"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/aristath/qloop/internal/modules/circuit"
	"golang.org/x/sync/errgroup"
)

// ParamAdapter derives the parameters a task runs with from the shared vector.
type ParamAdapter func(params domain.ParameterVector) (domain.ParameterVector, error)

// Identity passes parameters through.
func Identity() ParamAdapter {
	return func(p domain.ParameterVector) (domain.ParameterVector, error) {
		return p, nil
	}
}

// Shift adds a fixed offset, e.g. an external input nudging the model.
func Shift(offset domain.ParameterVector) ParamAdapter {
	return func(p domain.ParameterVector) (domain.ParameterVector, error) {
		return p.Add(offset)
	}
}

// Transfer moves rate of the way from base towards the shared parameters.
func Transfer(base domain.ParameterVector, rate float64) ParamAdapter {
	return func(p domain.ParameterVector) (domain.ParameterVector, error) {
		return p.Transfer(base, rate)
	}
}

// SliceOf selects the parameters a sub-circuit owns.
func SliceOf(slice circuit.ParameterSlice) ParamAdapter {
	return func(p domain.ParameterVector) (domain.ParameterVector, error) {
		return p.Slice(slice.Offset, slice.Length)
	}
}

// Chain applies adapters left to right.
func Chain(adapters ...ParamAdapter) ParamAdapter {
	return func(p domain.ParameterVector) (domain.ParameterVector, error) {
		var err error
		for _, a := range adapters {
			if p, err = a(p); err != nil {
				return domain.ParameterVector{}, err
			}
		}
		return p, nil
	}
}

// Task is one term of a multi-task objective.
type Task struct {
	Name   string
	Adapt  ParamAdapter
	Build  Builder
	Rule   LossRule
	Weight float64
}

// TaskLoss is the outcome of one task evaluation.
type TaskLoss struct {
	Name string  `json:"name"`
	Loss float64 `json:"loss"`
}

// MultiTask sums weighted task losses. Tasks execute concurrently; the sum is
// taken in task order so the result is reproducible.
type MultiTask struct {
	backend backend.Backend
	tasks   []Task
	shots   int
}

// NewMultiTask validates the tasks. A zero weight means 1.
func NewMultiTask(b backend.Backend, shots int, tasks ...Task) (*MultiTask, error) {
	if b == nil {
		return nil, domain.NewConfigurationError("multi-task objective needs a backend")
	}
	if shots < 1 {
		return nil, domain.NewConfigurationError("shot count must be at least 1, got %d", shots)
	}
	if len(tasks) == 0 {
		return nil, domain.NewConfigurationError("multi-task objective needs at least one task")
	}
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		if t.Build == nil || t.Rule == nil {
			return nil, domain.NewConfigurationError("task %d (%s) needs a builder and a rule", i, t.Name)
		}
		if t.Adapt == nil {
			t.Adapt = Identity()
		}
		if t.Weight == 0 {
			t.Weight = 1
		}
		out[i] = t
	}
	return &MultiTask{backend: b, tasks: out, shots: shots}, nil
}

// Loss implements the optimizer objective.
func (m *MultiTask) Loss(ctx context.Context, params domain.ParameterVector) (float64, error) {
	losses, err := m.Breakdown(ctx, params)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for i, l := range losses {
		total += m.tasks[i].Weight * l.Loss
	}
	return total, nil
}

// Breakdown returns every task's unweighted loss.
func (m *MultiTask) Breakdown(ctx context.Context, params domain.ParameterVector) ([]TaskLoss, error) {
	losses := make([]TaskLoss, len(m.tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range m.tasks {
		g.Go(func() error {
			adapted, err := task.Adapt(params)
			if err != nil {
				return fmt.Errorf("task %s: %w", task.Name, err)
			}
			d, err := task.Build(adapted)
			if err != nil {
				return fmt.Errorf("task %s: %w", task.Name, err)
			}
			dist, err := m.backend.Execute(gctx, backend.ExecutionRequest{Circuit: d, Shots: m.shots, Backend: m.backend.Name()})
			if err != nil {
				return fmt.Errorf("task %s: %w", task.Name, err)
			}
			loss, err := task.Rule.Loss(dist)
			if err != nil {
				return fmt.Errorf("task %s: %w", task.Name, err)
			}
			losses[i] = TaskLoss{Name: task.Name, Loss: loss}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return losses, nil
}
