// Package objective turns measurement distributions into scalar losses.
package objective

import (
	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/backend"
)

// LossRule maps a distribution to a loss. Rules are pure: the same
// distribution always yields the same loss.
type LossRule interface {
	Loss(d *backend.Distribution) (float64, error)
}

// TargetMiss is 1 - P(target). It is the default rule.
type TargetMiss struct {
	Target string
}

// Loss implements LossRule.
func (r TargetMiss) Loss(d *backend.Distribution) (float64, error) {
	if err := checkTarget(d, r.Target); err != nil {
		return 0, err
	}
	return 1 - d.Probability(r.Target), nil
}

// NegativeLikelihood is -P(target). Summed over tasks it rewards the
// parameters that reproduce each task's target state most often.
type NegativeLikelihood struct {
	Target string
}

// Loss implements LossRule.
func (r NegativeLikelihood) Loss(d *backend.Distribution) (float64, error) {
	if err := checkTarget(d, r.Target); err != nil {
		return 0, err
	}
	return -d.Probability(r.Target), nil
}

// Scorer rates a distribution; higher is better.
type Scorer interface {
	Score(d *backend.Distribution) (float64, error)
}

// ScoreRule minimizes the negated score of a Scorer.
type ScoreRule struct {
	Scorer Scorer
}

// Loss implements LossRule.
func (r ScoreRule) Loss(d *backend.Distribution) (float64, error) {
	if d == nil || d.Shots() == 0 {
		return 0, &domain.DegenerateDistributionError{Reason: "cannot score an empty distribution"}
	}
	if r.Scorer == nil {
		return 0, domain.NewConfigurationError("score rule has no scorer")
	}
	score, err := r.Scorer.Score(d)
	if err != nil {
		return 0, err
	}
	return -score, nil
}

func checkTarget(d *backend.Distribution, target string) error {
	if d == nil || d.Shots() == 0 {
		return &domain.DegenerateDistributionError{Reason: "distribution has zero total shots"}
	}
	return ValidateTarget(target, d.Width())
}

// ValidateTarget checks that target is a bitstring of the measured width.
func ValidateTarget(target string, width int) error {
	if target == "" {
		return domain.NewConfigurationError("target bitstring is required")
	}
	if len(target) != width {
		return domain.NewConfigurationError("target %q has width %d, %d bits are measured", target, len(target), width)
	}
	for _, r := range target {
		if r != '0' && r != '1' {
			return domain.NewConfigurationError("target %q is not a bitstring", target)
		}
	}
	return nil
}

// RuleByName builds one of the target rules from its API name.
func RuleByName(name, target string) (LossRule, error) {
	switch name {
	case "", "target_miss":
		return TargetMiss{Target: target}, nil
	case "negative_likelihood":
		return NegativeLikelihood{Target: target}, nil
	default:
		return nil, domain.NewConfigurationError("unknown loss rule %q", name)
	}
}
