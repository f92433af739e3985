package models

import "time"

type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
)

type ExitReason string

const (
	ExitProfitTarget ExitReason = "profit_target"
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTime         ExitReason = "time_exit"
	ExitForced       ExitReason = "breaker_forced"
	ExitOperator     ExitReason = "operator"
)

type Position struct {
	ID       string       `json:"id"`
	OrderID  string       `json:"order_id"`
	Symbol   string       `json:"symbol"`
	Sector   string       `json:"sector,omitempty"`
	Type     StrategyType `json:"type"`
	Legs     []OptionLeg  `json:"legs"`
	Quantity int          `json:"quantity"`
	// EntryCost and Mark are per-unit combination values (positive = net long premium).
	EntryCost     float64        `json:"entry_cost"`
	Mark          float64        `json:"mark"`
	MaxLoss       float64        `json:"max_loss"`
	VaR           float64        `json:"var"`
	Exits         ExitConditions `json:"exits"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	RealizedPnL   float64        `json:"realized_pnl"`
	Status        PositionStatus `json:"status"`
	CloseReason   ExitReason     `json:"close_reason,omitempty"`
	OpenedAt      time.Time      `json:"opened_at"`
	MarkedAt      time.Time      `json:"marked_at"`
	ClosedAt      time.Time      `json:"closed_at,omitempty"`
}

// PnLAt is the dollar P&L of the whole position if it were valued at markUnit.
func (p Position) PnLAt(markUnit float64) float64 {
	return (markUnit - p.EntryCost) * float64(p.Quantity) * ContractMultiplier
}

// PremiumBasis is the dollar premium that profit targets and stops are measured against.
func (p Position) PremiumBasis() float64 {
	b := p.EntryCost
	if b < 0 {
		b = -b
	}
	return b * float64(p.Quantity) * ContractMultiplier
}
