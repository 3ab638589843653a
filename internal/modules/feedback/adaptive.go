package feedback

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/aggregator"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/aristath/qloop/internal/modules/circuit"
	"github.com/rs/zerolog"
)

// FeedbackFunc judges an action and returns 1 (good) or 0 (bad).
type FeedbackFunc func(ctx context.Context, action Action, outcome string) (int, error)

// RandomFeedback simulates a judge that answers with a fair coin.
func RandomFeedback(seed uint64) FeedbackFunc {
	var mu sync.Mutex
	rng := rand.New(rand.NewPCG(seed, seed+1))
	return func(context.Context, Action, string) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return rng.IntN(2), nil
	}
}

// AdaptiveConfig configures adaptive rounds.
type AdaptiveConfig struct {
	Nodes int
	Shots int
	Seed  uint64
}

// RoundResult describes one adaptive round.
type RoundResult struct {
	Theta    float64                        `json:"theta"`
	Outcome  string                         `json:"outcome"`
	Action   Action                         `json:"action"`
	Feedback int                            `json:"feedback"`
	Bias     float64                        `json:"bias"`
	Merged   *backend.Distribution          `json:"merged"`
	Partial  *aggregator.PartialBatchResult `json:"-"`
}

// Adaptive runs feedback rounds: the current bias becomes the chip's rotation
// angle, the nodes measure it, and the judged action is recorded.
type Adaptive struct {
	tracker *Tracker
	agg     *aggregator.Aggregator
	judge   FeedbackFunc
	cfg     AdaptiveConfig
	log     zerolog.Logger

	mu  sync.Mutex
	src *rand.PCG
}

// NewAdaptive wires a tracker to an aggregator. judge defaults to
// RandomFeedback.
func NewAdaptive(tracker *Tracker, agg *aggregator.Aggregator, judge FeedbackFunc, cfg AdaptiveConfig, log zerolog.Logger) (*Adaptive, error) {
	if tracker == nil || agg == nil {
		return nil, domain.NewConfigurationError("adaptive rounds need a tracker and an aggregator")
	}
	if cfg.Nodes < 1 {
		cfg.Nodes = 1
	}
	if cfg.Shots < 1 {
		return nil, domain.NewConfigurationError("shot count must be at least 1, got %d", cfg.Shots)
	}
	if judge == nil {
		judge = RandomFeedback(cfg.Seed)
	}
	return &Adaptive{
		tracker: tracker,
		agg:     agg,
		judge:   judge,
		cfg:     cfg,
		log:     log.With().Str("component", "adaptive").Logger(),
		src:     rand.NewPCG(cfg.Seed, ^cfg.Seed),
	}, nil
}

// Tracker returns the experience history the rounds feed.
func (a *Adaptive) Tracker() *Tracker {
	return a.tracker
}

// Round plays one adaptive round.
func (a *Adaptive) Round(ctx context.Context) (*RoundResult, error) {
	theta := a.tracker.CurrentBias()
	chip, err := circuit.Build(circuit.AdaptiveChip{}, domain.NewParameterVector(theta), 2)
	if err != nil {
		return nil, err
	}

	batch, err := a.agg.RunBatch(ctx, aggregator.UniformNodes(a.cfg.Nodes, chip), a.cfg.Shots)
	if err != nil {
		return nil, fmt.Errorf("failed to run adaptive chip: %w", err)
	}

	a.mu.Lock()
	action, outcome, err := SampleAction(batch.Merged, a.src)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	bit, err := a.judge(ctx, action, outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain feedback: %w", err)
	}
	if err := a.tracker.Record(action, bit); err != nil {
		return nil, err
	}

	result := &RoundResult{
		Theta:    theta,
		Outcome:  outcome,
		Action:   action,
		Feedback: bit,
		Bias:     a.tracker.CurrentBias(),
		Merged:   batch.Merged,
		Partial:  batch.Partial,
	}
	a.log.Info().
		Float64("theta", theta).
		Str("outcome", outcome).
		Str("action", string(action)).
		Int("feedback", bit).
		Float64("bias", result.Bias).
		Msg("Adaptive round completed")
	return result, nil
}
