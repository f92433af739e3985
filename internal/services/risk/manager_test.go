package risk

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/internal/services/features"
	"ZeroDTE/pkg/logger"
	"ZeroDTE/pkg/metrics"
)

var now = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

func newManager(opts ...Option) *Manager {
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return NewManager(metrics.Nop{}, logger.NewNop(), opts...)
}

func evaluate(t *testing.T, m *Manager, o *models.StrategyOrder, book Book, matrix models.CorrelationMatrix) models.RiskDecision {
	t.Helper()
	d, err := m.Evaluate(o, book, matrix)
	require.NoError(t, err)
	return d
}

// callSpread is a 500/505 call debit spread whose VaR over one hour equals its debit.
func callSpread(qty int) *models.StrategyOrder {
	return &models.StrategyOrder{
		ID:       "ord-1",
		SignalID: "sig-1",
		Symbol:   "SPY",
		Type:     models.StrategyVertical,
		Legs: []models.OptionLeg{
			{Right: models.RightCall, Side: models.SideBuy, Strike: 500, Ratio: 1, Delta: 0.5, Gamma: 0.08, IV: 0.15, Bid: 2.0, Ask: 2.2},
			{Right: models.RightCall, Side: models.SideSell, Strike: 505, Ratio: 1, Delta: 0.3, Gamma: 0.06, IV: 0.15, Bid: 1.0, Ask: 1.1},
		},
		Quantity:       qty,
		UnitCost:       1.05,
		MaxLossPerUnit: 105,
		Underlying:     500,
		ImpliedVol:     0.15,
		Exits:          models.ExitConditions{ProfitTargetPct: 1, StopLossPct: 0.5, TimeExit: now.Add(time.Hour)},
		Regime:         models.RegimeCalm,
	}
}

func condor() *models.StrategyOrder {
	return &models.StrategyOrder{
		ID:     "ord-2",
		Symbol: "SPY",
		Type:   models.StrategyIronCondor,
		Legs: []models.OptionLeg{
			{Right: models.RightPut, Side: models.SideBuy, Strike: 485, Ratio: 1, Delta: -0.1, Gamma: 0.02},
			{Right: models.RightPut, Side: models.SideSell, Strike: 490, Ratio: 1, Delta: -0.2, Gamma: 0.04},
			{Right: models.RightCall, Side: models.SideSell, Strike: 510, Ratio: 1, Delta: 0.2, Gamma: 0.04},
			{Right: models.RightCall, Side: models.SideBuy, Strike: 515, Ratio: 1, Delta: 0.1, Gamma: 0.02},
		},
		Quantity:       10,
		UnitCost:       -0.6,
		MaxLossPerUnit: 440,
		Underlying:     500,
		ImpliedVol:     0.15,
		Exits:          models.ExitConditions{ProfitTargetPct: 0.5, StopLossPct: 2, TimeExit: now.Add(time.Hour)},
		Regime:         models.RegimeCalm,
	}
}

func account(equity float64) models.Account {
	return models.Account{Equity: equity, EquityAtOpen: equity}
}

func TestUnitVaR(t *testing.T) {
	m := newManager()
	move := 500 * 0.15 * math.Sqrt(1/(252*6.5)) * features.NormalQuantile(0.99)

	t.Run("debit spread is capped at its max loss", func(t *testing.T) {
		assert.InDelta(t, 105, m.UnitVaR(callSpread(1), now), 1e-9)
	})

	t.Run("short gamma is charged", func(t *testing.T) {
		want := 0.5 * 0.04 * move * move * 100
		assert.InDelta(t, want, m.UnitVaR(condor(), now), 1e-6)
	})

	t.Run("regime widens the move", func(t *testing.T) {
		o := condor()
		o.Regime = models.RegimeExtreme
		want := 0.5 * 0.04 * (2 * move) * (2 * move) * 100
		assert.InDelta(t, want, m.UnitVaR(o, now), 1e-6)
	})

	t.Run("no volatility falls back to max loss", func(t *testing.T) {
		o := condor()
		o.ImpliedVol = 0
		assert.Equal(t, 440.0, m.UnitVaR(o, now))
	})
}

func TestScenarioLossFindsWorstStrike(t *testing.T) {
	o := condor()
	// a move wide enough to reach both wings loses the full width less the credit
	assert.InDelta(t, 4.4, scenarioLoss(o.Legs, o.UnitCost, 500, 30), 1e-9)
	assert.Zero(t, scenarioLoss(o.Legs, o.UnitCost, 500, 5))
}

func TestApprove(t *testing.T) {
	m := newManager()
	o := callSpread(10)

	d := evaluate(t, m, o, Book{Account: account(100000)}, models.CorrelationMatrix{})
	assert.Equal(t, models.RiskApprove, d.Action)
	assert.True(t, d.Approved())
	assert.Equal(t, 10, d.ApprovedQty)
	assert.Same(t, o, d.Order)
	assert.InDelta(t, 1050, d.Metrics.PositionVaR, 1e-6)
	assert.InDelta(t, 1050, d.Metrics.PortfolioVaRAfter, 1e-6)
	assert.InDelta(t, 1050, d.Metrics.MarginalVaR, 1e-6)
	assert.InDelta(t, 1050, d.Metrics.ComponentVaR, 1e-6)
	assert.InDelta(t, 1050, d.Metrics.RequiredCapital, 1e-6)
	assert.Equal(t, "SPY", d.Metrics.Sector)
	assert.Empty(t, d.Breaches)
	assert.Equal(t, "ord-1", d.OrderID)
	assert.Equal(t, now, d.Timestamp)
}

func TestRescaleToLargestFittingSize(t *testing.T) {
	m := newManager()
	o := callSpread(10)

	d := evaluate(t, m, o, Book{Account: account(50000)}, models.CorrelationMatrix{})
	require.Equal(t, models.RiskRescale, d.Action)
	assert.Equal(t, 10, d.OriginalQty)
	assert.Equal(t, 9, d.ApprovedQty)
	require.NotNil(t, d.Order)
	assert.Equal(t, 9, d.Order.Quantity)
	assert.Equal(t, "ord-1", d.Order.ParentID)
	assert.NotEqual(t, "ord-1", d.Order.ID)
	assert.Equal(t, 10, o.Quantity)
	assert.InDelta(t, 945, d.Metrics.PositionVaR, 1e-6)
	require.NotEmpty(t, d.Breaches)
	assert.Contains(t, d.Breaches[0], "position_var")
}

func TestRejectWhenMinimumSizeBreaches(t *testing.T) {
	m := newManager()
	d := evaluate(t, m, callSpread(10), Book{Account: account(5000)}, models.CorrelationMatrix{})
	assert.Equal(t, models.RiskReject, d.Action)
	assert.False(t, d.Approved())
	assert.Nil(t, d.Order)
	assert.Equal(t, "limits breached at minimum size", d.Reason)
}

func TestMalformedOrderIsAnInvariantFailure(t *testing.T) {
	m := newManager()

	o := callSpread(10)
	o.Exits = models.ExitConditions{}
	d, err := m.Evaluate(o, Book{Account: account(100000)}, models.CorrelationMatrix{})
	require.Error(t, err)
	assert.True(t, models.IsInvariant(err))
	assert.Contains(t, err.Error(), "exit conditions")
	assert.Empty(t, d.Action)

	_, err = m.Evaluate(nil, Book{Account: account(100000)}, models.CorrelationMatrix{})
	assert.True(t, models.IsInvariant(err))
}

func TestRejectWithoutEquity(t *testing.T) {
	m := newManager()
	d := evaluate(t, m, callSpread(1), Book{Account: account(0)}, models.CorrelationMatrix{})
	assert.Equal(t, models.RiskReject, d.Action)
	assert.Equal(t, "account equity unavailable", d.Reason)
}

func TestPortfolioVaRUsesAbsoluteCorrelation(t *testing.T) {
	book := Book{
		Account: account(100000),
		Positions: []models.Position{
			{ID: "p1", Symbol: "QQQ", VaR: 4000, MaxLoss: 5000, Status: models.PositionOpen},
			{ID: "p2", Symbol: "IWM", VaR: 9000, MaxLoss: 9000, Status: models.PositionClosed},
		},
	}
	matrix := func(rho float64) models.CorrelationMatrix {
		p := models.NewPair("SPY", "QQQ")
		return models.CorrelationMatrix{Pairs: map[string]models.PairState{p.String(): {Pair: p, Short: rho}}}
	}
	m := newManager()
	diversified := math.Sqrt(4000*4000 + 1050*1050 + 2*0.5*4000*1050)

	d := evaluate(t, m, callSpread(10), book, matrix(0.5))
	assert.Equal(t, models.RiskApprove, d.Action)
	assert.InDelta(t, 4000, d.Metrics.PortfolioVaRBefore, 1e-6)
	assert.InDelta(t, diversified, d.Metrics.PortfolioVaRAfter, 1e-6)
	assert.InDelta(t, diversified-4000, d.Metrics.MarginalVaR, 1e-6)
	assert.InDelta(t, 1050*(0.5*4000+1050)/diversified, d.Metrics.ComponentVaR, 1e-6)

	d = evaluate(t, m, callSpread(10), book, matrix(-0.5))
	assert.InDelta(t, diversified, d.Metrics.PortfolioVaRAfter, 1e-6)

	d = evaluate(t, m, callSpread(10), book, models.CorrelationMatrix{})
	assert.InDelta(t, 5050, d.Metrics.PortfolioVaRAfter, 1e-6)
}

func TestSectorConcentration(t *testing.T) {
	m := newManager(WithSectors(map[string]string{"SPY": "index", "QQQ": "index"}))
	book := Book{
		Account:   account(100000),
		Positions: []models.Position{{ID: "p1", Symbol: "QQQ", VaR: 100, MaxLoss: 24000, Status: models.PositionOpen}},
	}
	d := evaluate(t, m, callSpread(10), book, models.CorrelationMatrix{})
	require.Equal(t, models.RiskRescale, d.Action)
	assert.Equal(t, 9, d.ApprovedQty)
	assert.Equal(t, "index", d.Metrics.Sector)
	assert.InDelta(t, 24945, d.Metrics.SectorExposure, 1e-6)
	assert.InDelta(t, 945, d.Metrics.UnderlyingExposure, 1e-6)
	assert.Contains(t, d.Breaches[0], "sector_exposure[index]")
}

func TestBuyingPower(t *testing.T) {
	m := newManager()
	acct := account(100000)
	acct.BuyingPower = 500
	d := evaluate(t, m, callSpread(10), Book{Account: acct}, models.CorrelationMatrix{})
	require.Equal(t, models.RiskRescale, d.Action)
	assert.Equal(t, 4, d.ApprovedQty)
	assert.InDelta(t, 420, d.Metrics.RequiredCapital, 1e-6)
}

func TestCreditRequiresMaxLossCapital(t *testing.T) {
	m := newManager()
	d := evaluate(t, m, condor(), Book{Account: account(1000000)}, models.CorrelationMatrix{})
	require.Equal(t, models.RiskApprove, d.Action)
	assert.InDelta(t, 4400, d.Metrics.RequiredCapital, 1e-6)
}
