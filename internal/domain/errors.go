package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel targets for errors.Is. Each typed error below matches exactly one.
var (
	ErrConfiguration          = errors.New("configuration error")
	ErrInvalidCircuit         = errors.New("invalid circuit")
	ErrBackendUnavailable     = errors.New("backend unavailable")
	ErrQuotaExceeded          = errors.New("quota exceeded")
	ErrDegenerateDistribution = errors.New("degenerate distribution")
	ErrOptimizationFailed     = errors.New("optimization failed")
	ErrBatchFailed            = errors.New("batch failed")
)

// ConfigurationError reports malformed input: a parameter mismatch, a bad
// option value or an unusable descriptor. Never retried.
type ConfigurationError struct {
	Reason string
}

// NewConfigurationError formats a ConfigurationError.
func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// Is matches ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// InvalidCircuitError reports a structural invariant violation in a circuit.
type InvalidCircuitError struct {
	Violations []string
}

// NewInvalidCircuitError creates an InvalidCircuitError from one or more violations.
func NewInvalidCircuitError(violations ...string) *InvalidCircuitError {
	return &InvalidCircuitError{Violations: violations}
}

func (e *InvalidCircuitError) Error() string {
	return "invalid circuit: " + strings.Join(e.Violations, "; ")
}

// Is matches ErrInvalidCircuit.
func (e *InvalidCircuitError) Is(target error) bool {
	return target == ErrInvalidCircuit
}

// BackendUnavailableError is returned once a backend's retry budget is spent.
type BackendUnavailableError struct {
	Backend  string
	Attempts int
	Cause    error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable after %d attempt(s): %v", e.Backend, e.Attempts, e.Cause)
}

// Is matches ErrBackendUnavailable.
func (e *BackendUnavailableError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Cause
}

// QuotaExceededError reports that a request costs more credits than remain.
type QuotaExceededError struct {
	Requested int64
	Available int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: requested %d credits, %d available", e.Requested, e.Available)
}

// Is matches ErrQuotaExceeded.
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// DegenerateDistributionError replaces a division by a zero shot total.
type DegenerateDistributionError struct {
	Reason string
}

func (e *DegenerateDistributionError) Error() string {
	return "degenerate distribution: " + e.Reason
}

// Is matches ErrDegenerateDistribution.
func (e *DegenerateDistributionError) Is(target error) bool {
	return target == ErrDegenerateDistribution
}

// OptimizationFailedError is returned when every evaluation of an iteration failed.
type OptimizationFailedError struct {
	Iteration int
	Failed    int
	Cause     error
}

func (e *OptimizationFailedError) Error() string {
	return fmt.Sprintf("optimization failed at iteration %d: all %d evaluation(s) failed: %v",
		e.Iteration, e.Failed, e.Cause)
}

// Is matches ErrOptimizationFailed.
func (e *OptimizationFailedError) Is(target error) bool {
	return target == ErrOptimizationFailed
}

func (e *OptimizationFailedError) Unwrap() error {
	return e.Cause
}

// BatchFailedError is returned when a node batch produced no usable result.
type BatchFailedError struct {
	NodeID string
	Reason string
	Cause  error
}

func (e *BatchFailedError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("batch failed on node %s: %s: %v", e.NodeID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("batch failed: %s: %v", e.Reason, e.Cause)
}

// Is matches ErrBatchFailed.
func (e *BatchFailedError) Is(target error) bool {
	return target == ErrBatchFailed
}

func (e *BatchFailedError) Unwrap() error {
	return e.Cause
}

// TransientError marks a failure worth retrying (a dropped connection, a 5xx).
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Cause.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err may succeed on a later attempt.
// Configuration, structural and quota failures never are; neither is cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch {
	case errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrInvalidCircuit),
		errors.Is(err, ErrQuotaExceeded),
		errors.Is(err, ErrDegenerateDistribution):
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
