package strategy

import (
	"math"

	"ZeroDTE/internal/domain/models"
)

// byDelta returns the quote whose |delta| is closest to target, provided it lies within tol
// and has a usable two-sided market.
func byDelta(quotes []models.OptionQuote, target, tol float64) (models.OptionQuote, bool) {
	best, found := models.OptionQuote{}, false
	bestDist := math.Inf(1)
	for _, q := range quotes {
		if q.Ask <= 0 || q.Bid < 0 || q.Ask < q.Bid {
			continue
		}
		d := math.Abs(math.Abs(q.Delta) - target)
		if d > tol {
			continue
		}
		if d < bestDist || (d == bestDist && q.Strike < best.Strike) {
			best, bestDist, found = q, d, true
		}
	}
	return best, found
}

func leg(right models.OptionRight, side models.Side, q models.OptionQuote, c *models.OptionChain) models.OptionLeg {
	return models.OptionLeg{
		Right:      right,
		Side:       side,
		Strike:     q.Strike,
		Expiration: c.Expiration,
		Ratio:      1,
		Delta:      q.Delta,
		Gamma:      q.Gamma,
		IV:         q.IV,
		Bid:        q.Bid,
		Ask:        q.Ask,
	}
}

// netPremium is the per-share cost of the legs: positive for a debit, negative for a credit.
func netPremium(legs []models.OptionLeg) float64 {
	sum := 0.0
	for _, l := range legs {
		sum += l.Side.Sign() * float64(l.Ratio) * l.Mid()
	}
	return sum
}

func meanIV(legs []models.OptionLeg) float64 {
	if len(legs) == 0 {
		return 0
	}
	sum := 0.0
	for _, l := range legs {
		sum += l.IV
	}
	return sum / float64(len(legs))
}
