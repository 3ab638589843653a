// Package backend executes circuit descriptors and returns measurement
// distributions. A local state-vector Simulator and an HTTP RemoteDevice share
// the Backend interface so callers receive the backend they run against
// instead of reaching for a package-level singleton.
package backend

import (
	"context"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/circuit"
)

// Backend turns a circuit and a shot count into a measurement distribution.
type Backend interface {
	Name() string
	Execute(ctx context.Context, req ExecutionRequest) (*Distribution, error)
}

// ExecutionRequest is one submission to a backend.
type ExecutionRequest struct {
	Circuit *circuit.Descriptor
	Shots   int
	// Backend names the intended backend; empty accepts any.
	Backend string
	// Seed fixes the sampling stream; zero lets the backend choose.
	Seed uint64
}

// Validate checks the request before any work is done.
func (r ExecutionRequest) Validate() error {
	if r.Shots < 1 {
		return domain.NewConfigurationError("shot count must be at least 1, got %d", r.Shots)
	}
	return circuit.Validate(r.Circuit)
}

// Func adapts a function to the Backend interface. Tests use it for doubles.
type Func struct {
	ID string
	Fn func(ctx context.Context, req ExecutionRequest) (*Distribution, error)
}

// Name returns the function's identifier.
func (f Func) Name() string { return f.ID }

// Execute calls the wrapped function.
func (f Func) Execute(ctx context.Context, req ExecutionRequest) (*Distribution, error) {
	return f.Fn(ctx, req)
}
