package formulas

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeLosses(t *testing.T) {
	losses := []float64{1.0, 0.8, math.Inf(1), 0.5, math.NaN(), 0.6}

	s := SummarizeLosses(losses, 10)
	require.NotNil(t, s)
	assert.Equal(t, 4, s.Count)
	assert.InDelta(t, 0.725, s.Mean, 1e-12)
	assert.Equal(t, 0.5, s.Min)
	assert.Equal(t, 1.0, s.Max)
	assert.Equal(t, 0.6, s.Last)
	assert.InDelta(t, 0.5, s.Improvement, 1e-12)
	// Shorter than the period: trend is the mean
	assert.InDelta(t, s.Mean, s.Trend, 1e-12)
}

func TestSummarizeLosses_Empty(t *testing.T) {
	assert.Nil(t, SummarizeLosses(nil, 5))
	assert.Nil(t, SummarizeLosses([]float64{math.Inf(1)}, 5))
}

func TestSummarizeLosses_SingleValue(t *testing.T) {
	s := SummarizeLosses([]float64{0.3}, 5)
	require.NotNil(t, s)
	assert.Equal(t, 0.0, s.StdDev)
	assert.Equal(t, 0.0, s.Improvement)
}

func TestCalculateEMA_FollowsRecentValues(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 1.0
	}
	for i := 20; i < 30; i++ {
		values[i] = 0.0
	}

	ema := CalculateEMA(values, 5)
	// A short EMA after ten zeros is close to zero and well below the mean
	assert.Less(t, ema, 0.1)
	assert.GreaterOrEqual(t, ema, 0.0)
}
