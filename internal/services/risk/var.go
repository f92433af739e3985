package risk

import (
	"math"
	"sort"
	"time"

	"ZeroDTE/internal/domain/models"
)

// tradingYearFraction converts a horizon in hours into a fraction of a trading year.
func tradingYearFraction(hours, sessionHours float64) float64 {
	if hours <= 0 || sessionHours <= 0 {
		return 0
	}
	return hours / (252 * sessionHours)
}

// underlyingMove is the z-scaled one-sided move of the underlying over the horizon.
func underlyingMove(spot, iv, yearFrac, z, scale float64) float64 {
	if spot <= 0 || iv <= 0 || yearFrac <= 0 {
		return 0
	}
	return spot * iv * math.Sqrt(yearFrac) * z * scale
}

// payoffAt values the legs at expiry for an underlying price, per share.
func payoffAt(legs []models.OptionLeg, s float64) float64 {
	v := 0.0
	for _, l := range legs {
		intrinsic := 0.0
		if l.Right == models.RightCall {
			intrinsic = math.Max(0, s-l.Strike)
		} else {
			intrinsic = math.Max(0, l.Strike-s)
		}
		v += l.Side.Sign() * float64(l.Ratio) * intrinsic
	}
	return v
}

// scenarioLoss is the worst per-share loss of holding the legs to expiry with the underlying
// anywhere in [spot-move, spot+move]. The payoff is piecewise linear, so checking the interval
// ends and every strike inside it is exact.
func scenarioLoss(legs []models.OptionLeg, cost, spot, move float64) float64 {
	lo, hi := spot-move, spot+move
	points := []float64{lo, spot, hi}
	for _, l := range legs {
		if l.Strike > lo && l.Strike < hi {
			points = append(points, l.Strike)
		}
	}
	sort.Float64s(points)
	worst := 0.0
	for _, p := range points {
		if p < 0 {
			continue
		}
		if loss := cost - payoffAt(legs, p); loss > worst {
			worst = loss
		}
	}
	return worst
}

// deltaGammaLoss is the parametric loss for a move of size move, per share. Positive gamma is
// not credited.
func deltaGammaLoss(delta, gamma, move float64) float64 {
	return math.Abs(delta)*move + 0.5*math.Max(0, -gamma)*move*move
}

// UnitVaR estimates the per-unit dollar VaR of an order over the time remaining to its exit.
// It takes the larger of the delta-gamma and the expiry-scenario estimates, capped at the
// defined max loss.
func (m *Manager) UnitVaR(o *models.StrategyOrder, now time.Time) float64 {
	hours := o.Exits.TimeExit.Sub(now).Hours()
	if hours < 1.0/60 {
		hours = 1.0 / 60
	}
	move := underlyingMove(o.Underlying, o.ImpliedVol, tradingYearFraction(hours, m.sessionHours), m.z, m.scaleFor(o.Regime))
	if move == 0 {
		return o.MaxLossPerUnit
	}
	perShare := math.Max(deltaGammaLoss(o.NetDelta(), o.NetGamma(), move), scenarioLoss(o.Legs, o.UnitCost, o.Underlying, move))
	v := perShare * models.ContractMultiplier
	if o.MaxLossPerUnit > 0 && v > o.MaxLossPerUnit {
		v = o.MaxLossPerUnit
	}
	return v
}

// exposure is one position's contribution to the portfolio aggregation.
type exposure struct {
	symbol string
	sector string
	vaR    float64
	loss   float64
}

// portfolioVaR aggregates position VaRs with pairwise correlations. Anti-correlation earns no
// diversification credit and an unknown correlation counts as 1.
func portfolioVaR(exps []exposure, matrix models.CorrelationMatrix) float64 {
	total := 0.0
	for i := range exps {
		for j := range exps {
			total += rho(matrix, exps[i].symbol, exps[j].symbol) * exps[i].vaR * exps[j].vaR
		}
	}
	if total <= 0 {
		return 0
	}
	return math.Sqrt(total)
}

func rho(matrix models.CorrelationMatrix, a, b string) float64 {
	r, ok := matrix.Rho(a, b)
	if !ok {
		return 1
	}
	return math.Abs(r)
}

// componentVaR is the share of portfolio VaR attributable to exps[k].
func componentVaR(exps []exposure, k int, matrix models.CorrelationMatrix, pvar float64) float64 {
	if pvar <= 0 {
		return 0
	}
	cov := 0.0
	for j := range exps {
		cov += rho(matrix, exps[k].symbol, exps[j].symbol) * exps[j].vaR
	}
	return exps[k].vaR * cov / pvar
}
