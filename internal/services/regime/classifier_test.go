package regime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/pkg/logger"
	"ZeroDTE/pkg/metrics"
)

var t0 = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

func reading(offset time.Duration, level float64) models.VolReading {
	return models.VolReading{Timestamp: t0.Add(offset), Level: level, Front: level, Back: level + 1}
}

func newClassifier(opts ...Option) *Classifier {
	return NewClassifier(metrics.Nop{}, logger.NewNop(), opts...)
}

func TestBandsOf(t *testing.T) {
	b := DefaultBands
	assert.Equal(t, models.RegimeCalm, b.Of(14.99))
	assert.Equal(t, models.RegimeElevated, b.Of(15))
	assert.Equal(t, models.RegimeStressed, b.Of(25))
	assert.Equal(t, models.RegimeExtreme, b.Of(35))
}

func TestFirstReadingInitializes(t *testing.T) {
	c := newClassifier()
	assert.False(t, c.Current().Initialized)

	st, changed := c.Observe(reading(0, 22))
	assert.True(t, changed)
	assert.True(t, st.Initialized)
	assert.Equal(t, models.RegimeElevated, st.Regime)
	assert.Equal(t, t0, st.Since)
}

func TestInvertedCurveEscalatesOneBand(t *testing.T) {
	c := newClassifier()
	st, _ := c.Observe(models.VolReading{Timestamp: t0, Level: 12, Front: 16, Back: 14})
	assert.Equal(t, models.RegimeElevated, st.Regime)
	assert.True(t, st.Metrics.Inverted)

	c = newClassifier()
	st, _ = c.Observe(models.VolReading{Timestamp: t0, Level: 40, Front: 45, Back: 38})
	assert.Equal(t, models.RegimeExtreme, st.Regime)
}

func TestSmallMoveNeedsDwell(t *testing.T) {
	c := newClassifier(WithHysteresis(time.Minute, 2.0))
	c.Observe(reading(0, 12))

	st, changed := c.Observe(reading(10*time.Second, 15.5))
	assert.False(t, changed)
	assert.Equal(t, models.RegimeCalm, st.Regime)
	assert.Equal(t, models.RegimeElevated, st.Metrics.RawBand)

	_, changed = c.Observe(reading(40*time.Second, 15.8))
	assert.False(t, changed)

	st, changed = c.Observe(reading(70*time.Second, 15.4))
	assert.True(t, changed)
	assert.Equal(t, models.RegimeElevated, st.Regime)
	assert.Equal(t, t0.Add(70*time.Second), st.Since)
}

func TestLargeMoveBypassesDwell(t *testing.T) {
	c := newClassifier(WithHysteresis(time.Minute, 2.0))
	c.Observe(reading(0, 12))

	st, changed := c.Observe(reading(time.Second, 18))
	assert.True(t, changed)
	assert.Equal(t, models.RegimeElevated, st.Regime)
}

func TestReturnToBandResetsDwell(t *testing.T) {
	c := newClassifier(WithHysteresis(time.Minute, 2.0))
	c.Observe(reading(0, 12))

	c.Observe(reading(10*time.Second, 15.5))
	c.Observe(reading(30*time.Second, 13))
	c.Observe(reading(50*time.Second, 15.5))

	_, changed := c.Observe(reading(100*time.Second, 15.5))
	assert.False(t, changed, "dwell restarts after the reading went back to calm")

	st, changed := c.Observe(reading(110*time.Second, 15.5))
	assert.True(t, changed)
	assert.Equal(t, models.RegimeElevated, st.Regime)
}

func TestDownwardMoveUsesLowerBoundary(t *testing.T) {
	c := newClassifier(WithHysteresis(time.Minute, 2.0))
	c.Observe(reading(0, 20))

	_, changed := c.Observe(reading(time.Second, 14))
	assert.False(t, changed)

	st, changed := c.Observe(reading(2*time.Second, 12.5))
	assert.True(t, changed)
	assert.Equal(t, models.RegimeCalm, st.Regime)
}

func TestStaleReadingIgnored(t *testing.T) {
	c := newClassifier()
	c.Observe(reading(time.Minute, 12))

	st, changed := c.Observe(reading(0, 40))
	assert.False(t, changed)
	assert.Equal(t, models.RegimeCalm, st.Regime)
	assert.Equal(t, 12.0, st.Metrics.Level)
}

func TestListenerSeesTransitions(t *testing.T) {
	var got [][2]models.Regime
	c := newClassifier(WithListener(func(from, to models.RegimeState) {
		got = append(got, [2]models.Regime{from.Regime, to.Regime})
	}))

	c.Observe(reading(0, 12))
	c.Observe(reading(time.Second, 30))
	c.Observe(reading(2*time.Second, 31))

	require.Len(t, got, 2)
	assert.Equal(t, [2]models.Regime{models.RegimeCalm, models.RegimeCalm}, got[0])
	assert.Equal(t, [2]models.Regime{models.RegimeCalm, models.RegimeStressed}, got[1])
}
