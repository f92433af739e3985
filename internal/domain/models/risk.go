package models

import "time"

type RiskAction string

const (
	RiskApprove RiskAction = "approve"
	RiskReject  RiskAction = "reject"
	RiskRescale RiskAction = "rescale"
)

type RiskMetrics struct {
	PositionVaR        float64 `json:"position_var"`
	PortfolioVaRBefore float64 `json:"portfolio_var_before"`
	PortfolioVaRAfter  float64 `json:"portfolio_var_after"`
	MarginalVaR        float64 `json:"marginal_var"`
	// ComponentVaR is the new position's share of portfolio VaR after correlation effects.
	ComponentVaR       float64 `json:"component_var"`
	UnderlyingExposure float64 `json:"underlying_exposure"`
	Sector             string  `json:"sector"`
	SectorExposure     float64 `json:"sector_exposure"`
	RequiredCapital    float64 `json:"required_capital"`
	Equity             float64 `json:"equity"`
}

type RiskDecision struct {
	OrderID     string         `json:"order_id"`
	SignalID    string         `json:"signal_id"`
	Symbol      string         `json:"symbol"`
	Action      RiskAction     `json:"action"`
	Reason      string         `json:"reason,omitempty"`
	Breaches    []string       `json:"breaches,omitempty"`
	OriginalQty int            `json:"original_qty"`
	ApprovedQty int            `json:"approved_qty"`
	Order       *StrategyOrder `json:"order,omitempty"`
	Metrics     RiskMetrics    `json:"metrics"`
	Regime      Regime         `json:"regime"`
	Timestamp   time.Time      `json:"ts"`
}

func (d RiskDecision) Approved() bool { return d.Action != RiskReject && d.Order != nil }

// Account is the external account view used by risk checks.
type Account struct {
	Equity       float64    `json:"equity"`
	EquityAtOpen float64    `json:"equity_at_open"`
	BuyingPower  float64    `json:"buying_power"`
	RealizedPnL  float64    `json:"realized_pnl"`
	Positions    []Position `json:"positions"`
	AsOf         time.Time  `json:"as_of"`
}
