// Package formulas holds numeric summaries of optimization histories.
package formulas

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultTrendPeriod is the EMA window used for loss trends.
const DefaultTrendPeriod = 10

// LossSummary describes a sequence of successful evaluation losses.
type LossSummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Last   float64 `json:"last"`
	// Trend is the EMA of the losses, or their mean when there are fewer
	// losses than the period.
	Trend float64 `json:"trend"`
	// Improvement is first minus min; positive when the run made progress.
	Improvement float64 `json:"improvement"`
}

// SummarizeLosses summarizes finite losses in evaluation order. Non-finite
// values (failed evaluations) are skipped. Returns nil when nothing is left.
func SummarizeLosses(losses []float64, period int) *LossSummary {
	finite := make([]float64, 0, len(losses))
	for _, l := range losses {
		if !math.IsNaN(l) && !math.IsInf(l, 0) {
			finite = append(finite, l)
		}
	}
	if len(finite) == 0 {
		return nil
	}
	if period < 2 {
		period = DefaultTrendPeriod
	}

	mean, std := stat.MeanStdDev(finite, nil)
	if len(finite) < 2 {
		std = 0
	}
	lowest := floats.Min(finite)
	return &LossSummary{
		Count:       len(finite),
		Mean:        mean,
		StdDev:      std,
		Min:         lowest,
		Max:         floats.Max(finite),
		Last:        finite[len(finite)-1],
		Trend:       CalculateEMA(finite, period),
		Improvement: finite[0] - lowest,
	}
}

// CalculateEMA returns the last EMA value over length periods, falling back
// to the simple mean when there is not enough data.
func CalculateEMA(values []float64, length int) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	if len(values) < length {
		return stat.Mean(values, nil)
	}

	ema := talib.Ema(values, length)
	if len(ema) > 0 && !math.IsNaN(ema[len(ema)-1]) {
		return ema[len(ema)-1]
	}
	return stat.Mean(values[len(values)-length:], nil)
}
