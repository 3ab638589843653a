// Package runs persists optimization runs and drives them asynchronously.
package runs

import (
	"time"

	"github.com/aristath/qloop/internal/modules/optimizer"
	"github.com/aristath/qloop/pkg/formulas"
)

// Run statuses beyond the optimizer's own termination statuses.
const (
	StatusPending = "pending"
	StatusRunning = string(optimizer.StatusRunning)
)

// Settings are the optimizer bounds stored with a run.
type Settings struct {
	MaxIterations   int     `json:"max_iterations"`
	StallIterations int     `json:"stall_iterations"`
	Tolerance       float64 `json:"tolerance"`
	MaxEvaluations  int     `json:"max_evaluations"`
	Repeats         int     `json:"repeats"`
	SimplexSize     float64 `json:"simplex_size"`
}

// toOptimizer converts stored settings to optimizer settings.
func (s Settings) toOptimizer() optimizer.Settings {
	return optimizer.Settings{
		MaxIterations:   s.MaxIterations,
		StallIterations: s.StallIterations,
		Tolerance:       s.Tolerance,
		MaxEvaluations:  s.MaxEvaluations,
		Repeats:         s.Repeats,
		SimplexSize:     s.SimplexSize,
	}
}

// Run is a persisted optimization run
type Run struct {
	ID                string                `json:"id"`
	Name              string                `json:"name"`
	Backend           string                `json:"backend"`
	Layout            string                `json:"layout"`
	Qubits            int                   `json:"qubits"`
	Target            string                `json:"target"`
	Rule              string                `json:"rule"`
	Shots             int                   `json:"shots"`
	Settings          Settings              `json:"settings"`
	InitialParams     []float64             `json:"initial_params"`
	Objective         *ObjectiveSpec        `json:"objective,omitempty"`
	Status            string                `json:"status"`
	BestParams        []float64             `json:"best_params,omitempty"`
	BestLoss          *float64              `json:"best_loss,omitempty"`
	Iterations        int                   `json:"iterations"`
	Evaluations       int                   `json:"evaluations"`
	FailedEvaluations int                   `json:"failed_evaluations"`
	Summary           *formulas.LossSummary `json:"summary,omitempty"`
	Error             string                `json:"error,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	FinishedAt        *time.Time            `json:"finished_at,omitempty"`
}

// Finished reports whether the run reached a terminal status.
func (r *Run) Finished() bool {
	return r.Status != StatusPending && r.Status != StatusRunning
}

// Progress is a mid-run snapshot written after each iteration.
type Progress struct {
	Iterations  int
	Evaluations int
	Failed      int
	BestLoss    *float64
	BestParams  []float64
}

// Outcome is the final state written when a run stops.
type Outcome struct {
	Status            string
	BestParams        []float64
	BestLoss          *float64
	Iterations        int
	Evaluations       int
	FailedEvaluations int
	Summary           *formulas.LossSummary
	Error             string
}

// EvaluationRecord is one stored objective call
type EvaluationRecord struct {
	Index      int       `json:"index"`
	Iteration  int       `json:"iteration"`
	Params     []float64 `json:"params"`
	Loss       *float64  `json:"loss,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs float64   `json:"duration_ms"`
}

// StartRequest describes a new run. Zero values take the service defaults.
type StartRequest struct {
	Name          string    `json:"name"`
	Backend       string    `json:"backend"`
	Layout        string    `json:"layout"`
	Qubits        int       `json:"qubits"`
	Target        string    `json:"target"`
	Rule          string    `json:"rule"`
	Shots         int       `json:"shots"`
	InitialParams []float64      `json:"initial_params"`
	Settings      *Settings      `json:"settings,omitempty"`
	Objective     *ObjectiveSpec `json:"objective,omitempty"`
}

// Objective modes. The single mode optimizes one circuit against a target.
const (
	ModeSingle      = "single"
	ModeMultiTask   = "multitask"
	ModeAdversarial = "qgan"
)

// ObjectiveSpec selects a richer objective than a single target.
type ObjectiveSpec struct {
	Mode string `json:"mode"`
	// Aliasing is "partition" (task slices must be disjoint, the default) or
	// "shared".
	Aliasing string     `json:"aliasing,omitempty"`
	Tasks    []TaskSpec `json:"tasks,omitempty"`
	QGAN     *QGANSpec  `json:"qgan,omitempty"`
}

// TaskSpec is one term of a multi-task run. The task reads the slice of the
// shared parameter vector starting at Offset, as long as its layout needs.
type TaskSpec struct {
	Name   string  `json:"name"`
	Layout string  `json:"layout"`
	Qubits int     `json:"qubits"`
	Offset int     `json:"offset"`
	Rule   string  `json:"rule"`
	Target string  `json:"target"`
	Weight float64 `json:"weight"`
	// Shift is added to the slice before the circuit is built.
	Shift []float64 `json:"shift,omitempty"`
	// TransferBase and TransferRate map the slice p to base + rate*(p - base).
	TransferBase []float64 `json:"transfer_base,omitempty"`
	TransferRate float64   `json:"transfer_rate,omitempty"`
}

// QGANSpec configures an adversarial run. The generator is the run's layout.
type QGANSpec struct {
	RealProbability float64 `json:"real_probability"`
	TrainEpochs     int     `json:"train_epochs"`
	LearningRate    float64 `json:"learning_rate"`
}
