package objective

import (
	"context"
	"sync"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/rs/zerolog"
)

// AdversarialConfig tunes the generator/discriminator game.
type AdversarialConfig struct {
	// RealProbability is P(bit 0 = 1) of the real data the generator imitates.
	RealProbability float64
	// TrainEpochs is the gradient steps per discriminator update.
	TrainEpochs  int
	LearningRate float64
}

// Adversarial trains a circuit generator against a LogisticDiscriminator.
// Loss scores the generator with the current discriminator; Train refreshes
// the discriminator on the generator's output at a given point.
type Adversarial struct {
	eval *Evaluator
	cfg  AdversarialConfig
	log  zerolog.Logger

	mu   sync.RWMutex
	disc *LogisticDiscriminator
}

// NewAdversarial creates the game. The generator circuit comes from build.
func NewAdversarial(b backend.Backend, build Builder, shots int, cfg AdversarialConfig, log zerolog.Logger) (*Adversarial, error) {
	if cfg.RealProbability < 0 || cfg.RealProbability > 1 {
		return nil, domain.NewConfigurationError("real probability must be within [0, 1], got %g", cfg.RealProbability)
	}
	if cfg.TrainEpochs < 1 {
		cfg.TrainEpochs = 50
	}
	a := &Adversarial{
		cfg:  cfg,
		disc: NewLogisticDiscriminator(cfg.LearningRate),
		log:  log.With().Str("component", "adversarial").Logger(),
	}
	eval, err := NewEvaluator(b, build, ScoreRule{Scorer: a}, shots, log)
	if err != nil {
		return nil, err
	}
	a.eval = eval
	return a, nil
}

// Score implements Scorer with the current discriminator.
func (a *Adversarial) Score(d *backend.Distribution) (float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.disc.Score(d)
}

// Loss is the generator loss: the negated discriminator score.
func (a *Adversarial) Loss(ctx context.Context, params domain.ParameterVector) (float64, error) {
	return a.eval.Loss(ctx, params)
}

// Train samples the generator at params and updates the discriminator with
// that sample as fake data. It returns the discriminator's cross-entropy.
func (a *Adversarial) Train(ctx context.Context, params domain.ParameterVector) (float64, error) {
	dist, err := a.eval.Distribution(ctx, params)
	if err != nil {
		return 0, err
	}
	if dist.Shots() == 0 {
		return 0, &domain.DegenerateDistributionError{Reason: "generator produced no shots"}
	}
	fake := Feature(dist)

	a.mu.Lock()
	defer a.mu.Unlock()
	loss, err := a.disc.Train([]float64{a.cfg.RealProbability}, []float64{fake}, a.cfg.TrainEpochs)
	if err != nil {
		return 0, err
	}
	a.log.Debug().
		Float64("fake", fake).
		Float64("real", a.cfg.RealProbability).
		Float64("discriminator_loss", loss).
		Msg("Discriminator updated")
	return loss, nil
}

// Discriminator returns a copy of the current discriminator.
func (a *Adversarial) Discriminator() LogisticDiscriminator {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return *a.disc
}
