package models

import (
	"errors"
	"fmt"
	"time"
)

// ContractMultiplier converts per-share option prices into dollars per contract.
const ContractMultiplier = 100.0

type StrategyType string

const (
	StrategyNone          StrategyType = ""
	StrategyVertical      StrategyType = "vertical"
	StrategyIronCondor    StrategyType = "iron_condor"
	StrategyIronButterfly StrategyType = "iron_butterfly"
	StrategyStraddle      StrategyType = "straddle"
	StrategyStrangle      StrategyType = "strangle"
)

type OptionRight string

const (
	RightCall OptionRight = "call"
	RightPut  OptionRight = "put"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign is +1 for long exposure and -1 for short.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

func (s Side) Opposite() Side {
	if s == SideSell {
		return SideBuy
	}
	return SideSell
}

type OptionLeg struct {
	Right      OptionRight `json:"right"`
	Side       Side        `json:"side"`
	Strike     float64     `json:"strike"`
	Expiration time.Time   `json:"expiration"`
	Ratio      int         `json:"ratio"`
	Delta      float64     `json:"delta"`
	Gamma      float64     `json:"gamma"`
	IV         float64     `json:"iv"`
	Bid        float64     `json:"bid"`
	Ask        float64     `json:"ask"`
}

func (l OptionLeg) Mid() float64 { return (l.Bid + l.Ask) / 2 }

type ExitConditions struct {
	ProfitTargetPct float64   `json:"profit_target_pct"`
	StopLossPct     float64   `json:"stop_loss_pct"`
	TimeExit        time.Time `json:"time_exit"`
}

var (
	ErrNoLegs                = errors.New("strategy order has no legs")
	ErrInvalidQuantity       = errors.New("strategy order quantity must be positive")
	ErrMissingExitConditions = errors.New("strategy order is missing exit conditions")
)

// StrategyOrder is immutable once built; a rescale produces a copy with a new ID.
type StrategyOrder struct {
	ID       string       `json:"id"`
	ParentID string       `json:"parent_id,omitempty"`
	SignalID string       `json:"signal_id"`
	Symbol   string       `json:"symbol"`
	Type     StrategyType `json:"type"`
	Legs     []OptionLeg  `json:"legs"`
	Quantity int          `json:"quantity"`
	// UnitCost is the net premium per unit: positive for a debit, negative for a credit.
	UnitCost float64 `json:"unit_cost"`
	// MaxLossPerUnit is in dollars per unit (multiplier applied).
	MaxLossPerUnit  float64        `json:"max_loss_per_unit"`
	Underlying      float64        `json:"underlying"`
	ImpliedVol      float64        `json:"implied_vol"`
	Exits           ExitConditions `json:"exits"`
	SignalExpiresAt time.Time      `json:"signal_expires_at"`
	Regime          Regime         `json:"regime"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Validate enforces that the order is well formed and carries exit conditions.
func (o *StrategyOrder) Validate() error {
	if len(o.Legs) == 0 {
		return ErrNoLegs
	}
	if o.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if o.Exits.ProfitTargetPct <= 0 || o.Exits.StopLossPct <= 0 || o.Exits.TimeExit.IsZero() {
		return fmt.Errorf("%w: order %s", ErrMissingExitConditions, o.ID)
	}
	for i, l := range o.Legs {
		if l.Ratio <= 0 || l.Strike <= 0 {
			return fmt.Errorf("leg %d of order %s is malformed", i, o.ID)
		}
	}
	return nil
}

// Rescaled returns a copy sized to qty under a new identity.
func (o *StrategyOrder) Rescaled(id string, qty int) *StrategyOrder {
	cp := *o
	cp.ID = id
	cp.ParentID = o.ID
	cp.Quantity = qty
	cp.Legs = append([]OptionLeg(nil), o.Legs...)
	return &cp
}

func (o *StrategyOrder) IsCredit() bool { return o.UnitCost < 0 }

// NetDelta is the per-unit share-equivalent delta of the combination.
func (o *StrategyOrder) NetDelta() float64 {
	d := 0.0
	for _, l := range o.Legs {
		d += l.Side.Sign() * float64(l.Ratio) * l.Delta
	}
	return d
}

func (o *StrategyOrder) NetGamma() float64 {
	g := 0.0
	for _, l := range o.Legs {
		g += l.Side.Sign() * float64(l.Ratio) * l.Gamma
	}
	return g
}

// MaxLoss is the defined-risk loss of the whole order in dollars.
func (o *StrategyOrder) MaxLoss() float64 { return o.MaxLossPerUnit * float64(o.Quantity) }
