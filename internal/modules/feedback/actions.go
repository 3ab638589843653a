package feedback

import (
	"math/rand/v2"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/backend"
	"gonum.org/v1/gonum/stat/distuv"
)

// Action is the adjustment chosen from a measured outcome.
type Action string

const (
	IncreaseTheta Action = "increase_theta"
	DecreaseTheta Action = "decrease_theta"
	InvertQubit0  Action = "invert_qubit_0"
	InvertQubit1  Action = "invert_qubit_1"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case IncreaseTheta, DecreaseTheta, InvertQubit0, InvertQubit1:
		return true
	}
	return false
}

// ActionFor maps a 2-bit outcome to its action.
func ActionFor(outcome string) (Action, error) {
	switch outcome {
	case "00":
		return IncreaseTheta, nil
	case "01":
		return DecreaseTheta, nil
	case "10":
		return InvertQubit0, nil
	case "11":
		return InvertQubit1, nil
	default:
		return "", domain.NewConfigurationError("no action for outcome %q", outcome)
	}
}

// SampleOutcome draws an observed bitstring with probability proportional to
// its count.
func SampleOutcome(d *backend.Distribution, src rand.Source) (string, error) {
	if d == nil || d.Shots() == 0 {
		return "", &domain.DegenerateDistributionError{Reason: "cannot sample an empty distribution"}
	}
	outcomes := d.Bitstrings()
	weights := make([]float64, len(outcomes))
	for i, bits := range outcomes {
		weights[i] = float64(d.Count(bits))
	}
	idx := int(distuv.NewCategorical(weights, src).Rand())
	return outcomes[idx], nil
}

// SampleAction draws an outcome and maps it to an action.
func SampleAction(d *backend.Distribution, src rand.Source) (Action, string, error) {
	outcome, err := SampleOutcome(d, src)
	if err != nil {
		return "", "", err
	}
	action, err := ActionFor(outcome)
	if err != nil {
		return "", outcome, err
	}
	return action, outcome, nil
}
