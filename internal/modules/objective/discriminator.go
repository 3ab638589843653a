package objective

import (
	"math"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/backend"
	"gonum.org/v1/gonum/floats"
)

// LogisticDiscriminator is a one-feature logistic regression that tells
// "real" samples from generated ones. The feature of a distribution is the
// probability that classical bit 0 reads 1.
type LogisticDiscriminator struct {
	Weight       float64
	Bias         float64
	LearningRate float64
}

// NewLogisticDiscriminator returns an untrained discriminator.
func NewLogisticDiscriminator(learningRate float64) *LogisticDiscriminator {
	if learningRate <= 0 {
		learningRate = 0.5
	}
	return &LogisticDiscriminator{LearningRate: learningRate}
}

// Feature extracts P(bit 0 = 1) from a distribution.
func Feature(d *backend.Distribution) float64 {
	ones := 0
	for bits, count := range d.Counts() {
		if bits[len(bits)-1] == '1' {
			ones += count
		}
	}
	return float64(ones) / float64(d.Shots())
}

// Predict returns the probability that feature x is real.
func (l *LogisticDiscriminator) Predict(x float64) float64 {
	return sigmoid(l.Weight*x + l.Bias)
}

// Score implements Scorer.
func (l *LogisticDiscriminator) Score(d *backend.Distribution) (float64, error) {
	if d == nil || d.Shots() == 0 {
		return 0, &domain.DegenerateDistributionError{Reason: "cannot score an empty distribution"}
	}
	return l.Predict(Feature(d)), nil
}

// Train runs epochs of full-batch gradient descent on binary cross-entropy,
// labelling real samples 1 and fake samples 0. It returns the final loss.
func (l *LogisticDiscriminator) Train(real, fake []float64, epochs int) (float64, error) {
	if len(real) == 0 || len(fake) == 0 {
		return 0, domain.NewConfigurationError("discriminator needs real and fake samples")
	}
	xs := make([]float64, 0, len(real)+len(fake))
	xs = append(xs, real...)
	xs = append(xs, fake...)
	ys := make([]float64, len(xs))
	for i := range real {
		ys[i] = 1
	}

	n := float64(len(xs))
	residuals := make([]float64, len(xs))
	for e := 0; e < epochs; e++ {
		for i, x := range xs {
			residuals[i] = l.Predict(x) - ys[i]
		}
		gradW := floats.Dot(residuals, xs) / n
		gradB := floats.Sum(residuals) / n
		l.Weight -= l.LearningRate * gradW
		l.Bias -= l.LearningRate * gradB
	}
	return l.crossEntropy(xs, ys), nil
}

func (l *LogisticDiscriminator) crossEntropy(xs, ys []float64) float64 {
	const eps = 1e-12
	total := 0.0
	for i, x := range xs {
		p := l.Predict(x)
		total -= ys[i]*math.Log(p+eps) + (1-ys[i])*math.Log(1-p+eps)
	}
	return total / float64(len(xs))
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
