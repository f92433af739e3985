package strategy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/pkg/logger"
	"ZeroDTE/pkg/util"
)

var (
	expiry = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	now    = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
)

func testChain() *models.OptionChain {
	return &models.OptionChain{
		Symbol:     "SPY",
		Spot:       500,
		Expiration: expiry,
		AsOf:       now,
		Calls: []models.OptionQuote{
			{Strike: 500, Delta: 0.50, Gamma: 0.08, IV: 0.14, Bid: 2.0, Ask: 2.2},
			{Strike: 505, Delta: 0.30, Gamma: 0.06, IV: 0.15, Bid: 1.0, Ask: 1.1},
			{Strike: 510, Delta: 0.20, Gamma: 0.04, IV: 0.16, Bid: 0.5, Ask: 0.6},
			{Strike: 515, Delta: 0.10, Gamma: 0.02, IV: 0.18, Bid: 0.2, Ask: 0.3},
			{Strike: 520, Delta: 0.05, Gamma: 0.01, IV: 0.20, Bid: 0.05, Ask: 0.1},
		},
		Puts: []models.OptionQuote{
			{Strike: 480, Delta: -0.05, Gamma: 0.01, IV: 0.22, Bid: 0.05, Ask: 0.1},
			{Strike: 485, Delta: -0.10, Gamma: 0.02, IV: 0.20, Bid: 0.2, Ask: 0.3},
			{Strike: 490, Delta: -0.20, Gamma: 0.04, IV: 0.18, Bid: 0.5, Ask: 0.6},
			{Strike: 495, Delta: -0.30, Gamma: 0.06, IV: 0.16, Bid: 1.0, Ask: 1.1},
			{Strike: 500, Delta: -0.50, Gamma: 0.08, IV: 0.15, Bid: 2.0, Ask: 2.2},
		},
	}
}

func testSignal(bias models.Bias, regime models.Regime) models.Signal {
	return models.Signal{
		ID:        "sig-1",
		Symbol:    "SPY",
		Timestamp: now,
		Bias:      bias,
		Regime:    regime,
		ExpiresAt: now.Add(30 * time.Second),
		Status:    models.SignalActive,
	}
}

func newSelector(opts ...Option) *Selector {
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return NewSelector(logger.NewNop(), opts...)
}

func strikes(legs []models.OptionLeg) []float64 {
	out := make([]float64, len(legs))
	for i, l := range legs {
		out[i] = l.Strike
	}
	return out
}

func TestPolicy(t *testing.T) {
	tests := []struct {
		bias   models.Bias
		regime models.Regime
		want   models.StrategyType
	}{
		{models.BiasNeutral, models.RegimeCalm, models.StrategyIronCondor},
		{models.BiasNeutral, models.RegimeElevated, models.StrategyIronButterfly},
		{models.BiasNeutral, models.RegimeStressed, models.StrategyNone},
		{models.BiasNeutral, models.RegimeExtreme, models.StrategyNone},
		{models.BiasBullish, models.RegimeCalm, models.StrategyVertical},
		{models.BiasBearish, models.RegimeExtreme, models.StrategyVertical},
		{models.BiasVolatile, models.RegimeCalm, models.StrategyNone},
		{models.BiasVolatile, models.RegimeStressed, models.StrategyStrangle},
		{models.BiasVolatile, models.RegimeExtreme, models.StrategyStraddle},
	}
	for _, tt := range tests {
		t.Run(string(tt.bias)+"/"+tt.regime.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Policy(tt.bias, tt.regime))
		})
	}
}

func TestIronCondor(t *testing.T) {
	o, err := newSelector().Select(testSignal(models.BiasNeutral, models.RegimeCalm), testChain())
	require.NoError(t, err)

	assert.Equal(t, models.StrategyIronCondor, o.Type)
	assert.Equal(t, "sig-1", o.SignalID)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, []float64{485, 490, 510, 515}, strikes(o.Legs))
	assert.Equal(t, models.SideBuy, o.Legs[0].Side)
	assert.Equal(t, models.SideSell, o.Legs[1].Side)
	assert.Equal(t, models.SideSell, o.Legs[2].Side)
	assert.Equal(t, models.SideBuy, o.Legs[3].Side)
	assert.True(t, o.IsCredit())
	assert.InDelta(t, -0.6, o.UnitCost, 1e-9)
	assert.InDelta(t, 440, o.MaxLossPerUnit, 1e-6)
	assert.Equal(t, 10, o.Quantity)
	assert.InDelta(t, 4400, o.MaxLoss(), 1e-6)
	assert.Equal(t, 0.5, o.Exits.ProfitTargetPct)
	assert.Equal(t, 2.0, o.Exits.StopLossPct)
	assert.Equal(t, time.Date(2024, 6, 3, 15, 45, 0, 0, time.UTC), o.Exits.TimeExit)
	assert.Equal(t, now.Add(30*time.Second), o.SignalExpiresAt)
	assert.NoError(t, o.Validate())
}

func TestIronButterfly(t *testing.T) {
	o, err := newSelector().Select(testSignal(models.BiasNeutral, models.RegimeElevated), testChain())
	require.NoError(t, err)
	assert.Equal(t, models.StrategyIronButterfly, o.Type)
	assert.Equal(t, []float64{490, 500, 500, 510}, strikes(o.Legs))
	assert.InDelta(t, -3.1, o.UnitCost, 1e-9)
	assert.InDelta(t, 690, o.MaxLossPerUnit, 1e-6)
}

func TestVertical(t *testing.T) {
	t.Run("bullish call debit", func(t *testing.T) {
		o, err := newSelector().Select(testSignal(models.BiasBullish, models.RegimeCalm), testChain())
		require.NoError(t, err)
		assert.Equal(t, []float64{500, 505}, strikes(o.Legs))
		assert.Equal(t, models.RightCall, o.Legs[0].Right)
		assert.InDelta(t, 1.05, o.UnitCost, 1e-9)
		assert.InDelta(t, 105, o.MaxLossPerUnit, 1e-6)
		assert.InDelta(t, 0.2, o.NetDelta(), 1e-9)
	})

	t.Run("bearish put debit", func(t *testing.T) {
		o, err := newSelector().Select(testSignal(models.BiasBearish, models.RegimeStressed), testChain())
		require.NoError(t, err)
		assert.Equal(t, []float64{500, 495}, strikes(o.Legs))
		assert.Equal(t, models.RightPut, o.Legs[0].Right)
		assert.InDelta(t, -0.2, o.NetDelta(), 1e-9)
	})
}

func TestLongVolatility(t *testing.T) {
	o, err := newSelector().Select(testSignal(models.BiasVolatile, models.RegimeExtreme), testChain())
	require.NoError(t, err)
	assert.Equal(t, models.StrategyStraddle, o.Type)
	assert.Equal(t, []float64{500, 500}, strikes(o.Legs))
	assert.InDelta(t, 420, o.MaxLossPerUnit, 1e-6)

	d := DefaultDeltas
	d.Strangle = 0.30
	o, err = newSelector(WithDeltas(d)).Select(testSignal(models.BiasVolatile, models.RegimeStressed), testChain())
	require.NoError(t, err)
	assert.Equal(t, models.StrategyStrangle, o.Type)
	assert.Equal(t, []float64{505, 495}, strikes(o.Legs))
	assert.InDelta(t, 210, o.MaxLossPerUnit, 1e-6)
}

func TestHintOverridesPolicy(t *testing.T) {
	sig := testSignal(models.BiasNeutral, models.RegimeCalm)
	sig.Hint = models.StrategyStraddle
	o, err := newSelector(WithContracts(3)).Select(sig, testChain())
	require.NoError(t, err)
	assert.Equal(t, models.StrategyStraddle, o.Type)
	assert.Equal(t, 3, o.Quantity)
}

func TestSelectDeclines(t *testing.T) {
	late := time.Date(2024, 6, 3, 15, 40, 0, 0, time.UTC)
	noWings := testChain()
	noWings.Puts = noWings.Puts[2:]

	tests := []struct {
		name  string
		sel   *Selector
		sig   models.Signal
		chain *models.OptionChain
		want  error
	}{
		{
			name:  "expired signal",
			sel:   NewSelector(logger.NewNop(), WithClock(func() time.Time { return now.Add(time.Minute) })),
			sig:   testSignal(models.BiasNeutral, models.RegimeCalm),
			chain: testChain(),
			want:  ErrSignalExpired,
		},
		{
			name: "nil chain",
			sel:  newSelector(),
			sig:  testSignal(models.BiasNeutral, models.RegimeCalm),
			want: ErrChainMismatch,
		},
		{
			name:  "chain for another symbol",
			sel:   newSelector(),
			sig:   func() models.Signal { s := testSignal(models.BiasNeutral, models.RegimeCalm); s.Symbol = "QQQ"; return s }(),
			chain: testChain(),
			want:  ErrChainMismatch,
		},
		{
			name:  "no premium selling under stress",
			sel:   newSelector(),
			sig:   testSignal(models.BiasNeutral, models.RegimeStressed),
			chain: testChain(),
			want:  ErrNoStrategy,
		},
		{
			name: "inside the hard exit buffer",
			sel: NewSelector(logger.NewNop(),
				WithClock(func() time.Time { return late }),
				WithHardExit(util.Clock{Hour: 15, Minute: 45}, time.UTC, 10*time.Minute)),
			sig: func() models.Signal {
				s := testSignal(models.BiasNeutral, models.RegimeCalm)
				s.ExpiresAt = late.Add(time.Minute)
				return s
			}(),
			chain: testChain(),
			want:  ErrTooLate,
		},
		{
			name:  "missing wing strikes",
			sel:   newSelector(),
			sig:   testSignal(models.BiasNeutral, models.RegimeCalm),
			chain: noWings,
			want:  ErrNoStrikes,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := tt.sel.Select(tt.sig, tt.chain)
			assert.Nil(t, o)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestMaxLossRejectsMispricedStructures(t *testing.T) {
	legs := testChain()
	condor, err := newSelector().ironCondor(legs)
	require.NoError(t, err)

	_, err = maxLossPerUnit(models.StrategyIronCondor, condor, 0.1)
	assert.True(t, errors.Is(err, ErrBadPricing))

	_, err = maxLossPerUnit(models.StrategyIronCondor, condor, -6)
	assert.True(t, errors.Is(err, ErrBadPricing))

	_, err = maxLossPerUnit(models.StrategyStraddle, condor[:2], -0.1)
	assert.True(t, errors.Is(err, ErrBadPricing))
}

func TestByDeltaSkipsOneSidedMarkets(t *testing.T) {
	quotes := []models.OptionQuote{
		{Strike: 505, Delta: 0.30, Bid: 0, Ask: 0},
		{Strike: 510, Delta: 0.28, Bid: 0.8, Ask: 0.9},
		{Strike: 515, Delta: 0.31, Bid: 1.2, Ask: 1.0},
	}
	q, ok := byDelta(quotes, 0.30, 0.05)
	require.True(t, ok)
	assert.Equal(t, 510.0, q.Strike)

	_, ok = byDelta(quotes, 0.60, 0.05)
	assert.False(t, ok)
}
