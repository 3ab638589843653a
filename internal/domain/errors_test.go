package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrors_MatchTheirSentinel(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"configuration", NewConfigurationError("need %d params", 4), ErrConfiguration},
		{"invalid circuit", NewInvalidCircuitError("qubit 3 out of range"), ErrInvalidCircuit},
		{"backend unavailable", &BackendUnavailableError{Backend: "remote", Attempts: 3, Cause: cause}, ErrBackendUnavailable},
		{"quota", &QuotaExceededError{Requested: 10, Available: 2}, ErrQuotaExceeded},
		{"degenerate", &DegenerateDistributionError{Reason: "zero shots"}, ErrDegenerateDistribution},
		{"optimization", &OptimizationFailedError{Iteration: 2, Failed: 3, Cause: cause}, ErrOptimizationFailed},
		{"batch", &BatchFailedError{Reason: "all nodes failed", Cause: cause}, ErrBatchFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("context: %w", tt.err)
			assert.True(t, errors.Is(wrapped, tt.target))
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", &TransientError{Cause: errors.New("connection reset")}, true},
		{"wrapped transient", fmt.Errorf("submit: %w", &TransientError{Cause: errors.New("503")}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"configuration", NewConfigurationError("bad"), false},
		{"invalid circuit", NewInvalidCircuitError("bad"), false},
		{"quota", &QuotaExceededError{}, false},
		{"plain", errors.New("unknown"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("root cause")
	err := &BackendUnavailableError{Backend: "remote", Attempts: 3, Cause: cause}
	assert.True(t, errors.Is(err, cause))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 200},
		{NewConfigurationError("bad"), 400},
		{NewInvalidCircuitError("bad"), 422},
		{&QuotaExceededError{Requested: 5, Available: 1}, 402},
		{&BackendUnavailableError{Backend: "remote", Attempts: 3}, 503},
		{&TransientError{Cause: errors.New("reset")}, 503},
		{&BatchFailedError{Reason: "node failed"}, 502},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), 504},
		{errors.New("unexpected"), 500},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "%v", tt.err)
	}
}
