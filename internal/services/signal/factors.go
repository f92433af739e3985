package signal

import (
	"math"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/internal/services/features"
)

// Weights are the regime-dependent factor weights of the confidence sum.
type Weights struct {
	Correlation float64
	Momentum    float64
	Regime      float64
	Model       float64
}

// DefaultWeights favour momentum in quiet markets and divergence under stress.
var DefaultWeights = map[models.Regime]Weights{
	models.RegimeCalm:     {Correlation: 0.20, Momentum: 0.40, Regime: 0.20, Model: 0.20},
	models.RegimeElevated: {Correlation: 0.30, Momentum: 0.30, Regime: 0.20, Model: 0.20},
	models.RegimeStressed: {Correlation: 0.40, Momentum: 0.20, Regime: 0.20, Model: 0.20},
	models.RegimeExtreme:  {Correlation: 0.45, Momentum: 0.15, Regime: 0.20, Model: 0.20},
}

// divergence summarizes the latched divergences of the pairs containing one symbol.
type divergence struct {
	factor   float64
	pairs    int
	degraded bool
}

// divergenceFor scores the strongest latched divergence involving symbol. A pair at twice its
// threshold saturates the factor; a degraded pair is discounted by stalePenalty.
func divergenceFor(m models.CorrelationMatrix, symbol string, stalePenalty float64) divergence {
	var d divergence
	for _, st := range m.PairsWith(symbol) {
		if !st.Divergent() || st.Threshold <= 0 {
			continue
		}
		f := math.Min(1, math.Abs(st.Deviation)/(2*st.Threshold))
		if st.Degraded {
			f *= 1 - stalePenalty
			d.degraded = true
		}
		d.pairs++
		if f > d.factor {
			d.factor = f
		}
	}
	return d
}

// classify picks the bias. Volatile needs strong divergence in a stressed or worse regime;
// otherwise momentum past the bias threshold is directional and anything else is range bound.
func (g *Generator) classify(corr, mom float64, regime models.Regime) models.Bias {
	switch {
	case corr >= g.volatileDivergence && regime >= models.RegimeStressed:
		return models.BiasVolatile
	case mom >= g.momentumBias:
		return models.BiasBullish
	case mom <= -g.momentumBias:
		return models.BiasBearish
	default:
		return models.BiasNeutral
	}
}

// momentumFit maps signed momentum onto agreement with the bias: a quiet tape supports a
// range-bound trade, a strong move supports directional and long-volatility trades.
func momentumFit(b models.Bias, mom float64) float64 {
	switch b {
	case models.BiasBullish:
		return features.Clamp(mom, 0, 1)
	case models.BiasBearish:
		return features.Clamp(-mom, 0, 1)
	case models.BiasVolatile:
		return features.Clamp(math.Abs(mom), 0, 1)
	default:
		return features.Clamp(1-math.Abs(mom), 0, 1)
	}
}

// regimeFit is the configured regime score, inverted for long-volatility trades which
// benefit from the stress that penalizes premium selling.
func (g *Generator) regimeFit(b models.Bias, r models.Regime) float64 {
	s, ok := g.regimeScore[r]
	if !ok {
		s = 0.5
	}
	if b == models.BiasVolatile {
		s = 1 - s
	}
	return features.Clamp(s, 0, 1)
}

// combine computes the weighted confidence, dropping the model term when it is unavailable
// and renormalizing the remaining weights.
func combine(f *models.SignalFactors, w Weights) float64 {
	f.WCorrelation, f.WMomentum, f.WRegime = w.Correlation, w.Momentum, w.Regime
	f.WModel = 0
	if f.ModelAvailable {
		f.WModel = w.Model
	}
	total := f.WCorrelation + f.WMomentum + f.WRegime + f.WModel
	if total <= 0 {
		return 0
	}
	sum := f.WCorrelation*f.Correlation + f.WMomentum*f.MomentumFit + f.WRegime*f.Regime + f.WModel*f.Model
	return features.Clamp(sum/total, 0, 1)
}
