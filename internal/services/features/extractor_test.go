package features

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogReturns(t *testing.T) {
	rets := LogReturns([]float64{100, 110, 0, 121})
	require.Len(t, rets, 3)
	assert.InDelta(t, math.Log(1.1), rets[0], 1e-12)
	assert.Zero(t, rets[1])
	assert.Zero(t, rets[2])
	assert.Nil(t, LogReturns([]float64{100}))

	_, ok := LogReturn(0, 100)
	assert.False(t, ok)
	r, ok := LogReturn(100, 100)
	assert.True(t, ok)
	assert.Zero(t, r)
}

func TestMeanStd(t *testing.T) {
	mean, std := MeanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5, mean, 1e-12)
	assert.InDelta(t, math.Sqrt(32.0/7), std, 1e-12)

	_, std = MeanStd([]float64{3})
	assert.Zero(t, std)
}

func TestRealizedVolatility(t *testing.T) {
	assert.Zero(t, RealizedVolatility([]float64{0.01}, 5, 252))
	rets := []float64{0.01, -0.01, 0.01, -0.01}
	_, std := MeanStd(rets)
	assert.InDelta(t, std*math.Sqrt(252), RealizedVolatility(rets, 4, 252), 1e-12)
}

func TestMomentum(t *testing.T) {
	up := []float64{100, 100.5, 100.7, 101.4, 101.6, 102.3}
	down := make([]float64, len(up))
	for i, p := range up {
		down[i] = 10000 / p
	}
	assert.Greater(t, Momentum(up, 5), 0.5)
	assert.Less(t, Momentum(down, 5), -0.5)
	assert.Zero(t, Momentum(up[:3], 5), "not enough history")
	assert.Zero(t, Momentum([]float64{100, 100, 100, 100}, 3), "flat")
}

func TestNormalQuantile(t *testing.T) {
	assert.InDelta(t, 2.326, NormalQuantile(0.99), 1e-3)
	assert.InDelta(t, 0, NormalQuantile(0.5), 1e-12)
	assert.True(t, math.IsInf(NormalQuantile(1), 1))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(math.NaN(), 0, 1))
	assert.Equal(t, 1.0, Clamp(3, 0, 1))
	assert.Equal(t, 0.4, Clamp(0.4, 0, 1))
}

func TestRing(t *testing.T) {
	r := NewRing(3)
	for _, v := range []float64{1, 2, 3} {
		_, evicted := r.Push(v)
		assert.False(t, evicted)
	}
	old, evicted := r.Push(4)
	assert.True(t, evicted)
	assert.Equal(t, 1.0, old)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []float64{2, 3, 4}, r.Values())
	assert.Equal(t, 2.0, r.At(0))
}
