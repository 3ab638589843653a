package backend

import (
	"errors"
	"fmt"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/circuit"
)

// JobStatus is the lifecycle state of a device job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Done reports whether the job reached a terminal state.
func (s JobStatus) Done() bool {
	return s == JobCompleted || s == JobFailed
}

// JobRequest is the body of a device job submission.
type JobRequest struct {
	Circuit *circuit.Descriptor `json:"circuit" msgpack:"circuit"`
	Shots   int                 `json:"shots" msgpack:"shots"`
	Seed    uint64              `json:"seed,omitempty" msgpack:"seed,omitempty"`
	Client  string              `json:"client,omitempty" msgpack:"client,omitempty"`
}

// JobView is what the device reports about a job.
type JobView struct {
	ID            string         `json:"id"`
	Status        JobStatus      `json:"status"`
	QueuePosition int            `json:"queue_position"`
	Shots         int            `json:"shots"`
	Cost          int64          `json:"cost"`
	Counts        map[string]int `json:"counts,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorKind     FailureKind    `json:"error_kind,omitempty"`
	SubmittedAt   string         `json:"submitted_at"`
	FinishedAt    string         `json:"finished_at,omitempty"`
}

// jobEnvelope matches the {"data": ...} shape of device responses.
type jobEnvelope struct {
	Data      *JobView `json:"data"`
	Error     string   `json:"error"`
	Requested int64    `json:"requested"`
	Available int64    `json:"available"`
}

// FailureKind classifies why a device job failed, so clients know whether
// resubmitting can help.
type FailureKind string

const (
	FailureConfiguration  FailureKind = "configuration"
	FailureInvalidCircuit FailureKind = "invalid_circuit"
	FailureDegenerate     FailureKind = "degenerate"
	FailureTransient      FailureKind = "transient"
)

// ClassifyFailure maps an execution error to its FailureKind.
func ClassifyFailure(err error) FailureKind {
	switch {
	case errors.Is(err, domain.ErrConfiguration):
		return FailureConfiguration
	case errors.Is(err, domain.ErrInvalidCircuit):
		return FailureInvalidCircuit
	case errors.Is(err, domain.ErrDegenerateDistribution):
		return FailureDegenerate
	default:
		return FailureTransient
	}
}

// jobFailure rebuilds a typed error from a failed job. Jobs from devices that
// report no kind are treated as transient.
func jobFailure(job *JobView) error {
	reason := fmt.Sprintf("job %s failed on device: %s", job.ID, job.Error)
	switch job.ErrorKind {
	case FailureConfiguration:
		return domain.NewConfigurationError("%s", reason)
	case FailureInvalidCircuit:
		return domain.NewInvalidCircuitError(reason)
	case FailureDegenerate:
		return &domain.DegenerateDistributionError{Reason: reason}
	default:
		return &domain.TransientError{Cause: errors.New(reason)}
	}
}
