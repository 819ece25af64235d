package advisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizedSlopeUptrend(t *testing.T) {
	// Closes rising by 1 per bar around a mean of 104.5: slope/mean > 0.
	closes := []float64{100, 101, 102, 103, 104, 105, 106, 107, 108, 109}
	slope := normalizedSlope(closes)
	assert.InDelta(t, 1.0/104.5, slope, 1e-9)
}

func TestNormalizedSlopeDowntrend(t *testing.T) {
	closes := []float64{109, 108, 107, 106, 105, 104, 103, 102, 101, 100}
	assert.Negative(t, normalizedSlope(closes))
}

func TestNormalizedSlopeFlat(t *testing.T) {
	closes := []float64{100, 100, 100, 100, 100}
	assert.InDelta(t, 0.0, normalizedSlope(closes), 1e-12)
}

func TestNormalizedSlopeScaleInvariant(t *testing.T) {
	// Normalization removes the absolute price level: the same relative
	// trend on a 10x price yields the same value.
	small := []float64{10, 11, 12, 13, 14}
	large := []float64{100, 110, 120, 130, 140}
	assert.InDelta(t, normalizedSlope(small), normalizedSlope(large), 1e-9)
}

func TestNormalizedSlopeDegenerate(t *testing.T) {
	assert.Zero(t, normalizedSlope([]float64{100}))
	assert.Zero(t, normalizedSlope([]float64{0, 0, 0}))
}
