package execution

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ZeroDTE/internal/domain/models"
)

const timeInForce = "day"

func comboKey(orderID string) string { return orderID + ":combo" }

func legKey(orderID string, leg int) string { return fmt.Sprintf("%s:leg%d", orderID, leg) }

func unwindKey(orderID string, leg int) string {
	if leg < 0 {
		return orderID + ":unwind"
	}
	return fmt.Sprintf("%s:unwind%d", orderID, leg)
}

func closeKey(positionID string, attempt, leg int) string {
	if leg < 0 {
		return fmt.Sprintf("%s:close%d:combo", positionID, attempt)
	}
	return fmt.Sprintf("%s:close%d:leg%d", positionID, attempt, leg)
}

func price(v float64) decimal.Decimal { return decimal.NewFromFloat(v).Round(2) }

func intentLeg(l models.OptionLeg, side models.Side, ratio int) models.IntentLeg {
	return models.IntentLeg{
		Right:      l.Right,
		Side:       side,
		Strike:     decimal.NewFromFloat(l.Strike),
		Expiration: l.Expiration,
		Ratio:      ratio,
	}
}

// marketable is the price that crosses the spread for side.
func marketable(l models.OptionLeg, side models.Side) float64 {
	if side == models.SideBuy {
		return l.Ask
	}
	return l.Bid
}

// protective orders leg indices so long legs are opened before the short legs they cover.
func protective(legs []models.OptionLeg, first models.Side) []int {
	out := make([]int, 0, len(legs))
	for i, l := range legs {
		if l.Side == first {
			out = append(out, i)
		}
	}
	for i, l := range legs {
		if l.Side != first {
			out = append(out, i)
		}
	}
	return out
}

// openIntents converts an order into a single combo intent or one intent per leg.
// The returned leg indices are -1 for a combo.
func openIntents(o *models.StrategyOrder, combo bool, now time.Time) ([]models.OrderIntent, []int) {
	if combo {
		legs := make([]models.IntentLeg, len(o.Legs))
		for i, l := range o.Legs {
			legs[i] = intentLeg(l, l.Side, l.Ratio)
		}
		return []models.OrderIntent{{
			IdempotencyKey:  comboKey(o.ID),
			StrategyOrderID: o.ID,
			Symbol:          o.Symbol,
			Purpose:         models.PurposeOpen,
			Legs:            legs,
			Quantity:        o.Quantity,
			LimitPrice:      price(o.UnitCost),
			TimeInForce:     timeInForce,
			CreatedAt:       now,
		}}, []int{-1}
	}

	order := protective(o.Legs, models.SideBuy)
	intents := make([]models.OrderIntent, 0, len(order))
	for _, i := range order {
		l := o.Legs[i]
		intents = append(intents, models.OrderIntent{
			IdempotencyKey:  legKey(o.ID, i),
			StrategyOrderID: o.ID,
			Symbol:          o.Symbol,
			Purpose:         models.PurposeOpen,
			Legs:            []models.IntentLeg{intentLeg(l, l.Side, 1)},
			Quantity:        o.Quantity * l.Ratio,
			LimitPrice:      price(l.Mid()),
			TimeInForce:     timeInForce,
			CreatedAt:       now,
		})
	}
	return intents, order
}

// reverseIntent closes qty of one leg (leg >= 0) or of the whole combination (leg < 0).
func reverseIntent(key, orderID, symbol string, purpose models.IntentPurpose, legs []models.OptionLeg, leg, qty int, now time.Time) models.OrderIntent {
	in := models.OrderIntent{
		IdempotencyKey:  key,
		StrategyOrderID: orderID,
		Symbol:          symbol,
		Purpose:         purpose,
		Quantity:        qty,
		TimeInForce:     timeInForce,
		CreatedAt:       now,
	}
	if leg >= 0 {
		l := legs[leg]
		side := l.Side.Opposite()
		in.Legs = []models.IntentLeg{intentLeg(l, side, 1)}
		in.LimitPrice = price(marketable(l, side))
		return in
	}
	net := 0.0
	for _, l := range legs {
		side := l.Side.Opposite()
		in.Legs = append(in.Legs, intentLeg(l, side, l.Ratio))
		net += side.Sign() * float64(l.Ratio) * marketable(l, side)
	}
	in.LimitPrice = price(net)
	return in
}
