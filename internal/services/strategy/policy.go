package strategy

import "ZeroDTE/internal/domain/models"

// Policy maps a signal bias under a regime to a strategy type.
// Premium selling is limited to calm and elevated regimes; under stress only long-volatility
// or defined-risk debit structures are proposed.
func Policy(bias models.Bias, regime models.Regime) models.StrategyType {
	switch bias {
	case models.BiasNeutral:
		switch regime {
		case models.RegimeCalm:
			return models.StrategyIronCondor
		case models.RegimeElevated:
			return models.StrategyIronButterfly
		}
	case models.BiasBullish, models.BiasBearish:
		return models.StrategyVertical
	case models.BiasVolatile:
		switch regime {
		case models.RegimeStressed:
			return models.StrategyStrangle
		case models.RegimeExtreme:
			return models.StrategyStraddle
		}
	}
	return models.StrategyNone
}
