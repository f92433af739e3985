package models

import "time"

type Bias string

const (
	BiasBullish  Bias = "bullish"
	BiasBearish  Bias = "bearish"
	BiasNeutral  Bias = "neutral"
	BiasVolatile Bias = "volatile"
)

func (b Bias) Directional() bool { return b == BiasBullish || b == BiasBearish }

type SignalStatus string

const (
	SignalActive     SignalStatus = "active"
	SignalConsumed   SignalStatus = "consumed"
	SignalSuperseded SignalStatus = "superseded"
	SignalExpired    SignalStatus = "expired"
)

// SignalFactors holds the per-factor inputs in [0,1] and the weights applied.
// Momentum keeps its sign; MomentumFit is how well it agrees with the chosen bias.
type SignalFactors struct {
	Correlation    float64 `json:"correlation"`
	Momentum       float64 `json:"momentum"`
	MomentumFit    float64 `json:"momentum_fit"`
	Regime         float64 `json:"regime"`
	Model          float64 `json:"model"`
	ModelAvailable bool    `json:"model_available"`

	WCorrelation float64 `json:"w_correlation"`
	WMomentum    float64 `json:"w_momentum"`
	WRegime      float64 `json:"w_regime"`
	WModel       float64 `json:"w_model"`
}

type Signal struct {
	ID          string        `json:"id"`
	Symbol      string        `json:"symbol"`
	Timestamp   time.Time     `json:"ts"`
	SnapshotSeq uint64        `json:"snapshot_seq"`
	Bias        Bias          `json:"bias"`
	Confidence  float64       `json:"confidence"`
	Factors     SignalFactors `json:"factors"`
	Regime      Regime        `json:"regime"`
	Hint        StrategyType  `json:"hint,omitempty"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Degraded    bool          `json:"degraded"`
	Status      SignalStatus  `json:"status"`
}

func (s Signal) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// ModelScore is the external scorer's view of one symbol.
type ModelScore struct {
	Symbol     string    `json:"symbol"`
	Confidence float64   `json:"confidence"`
	ProbaUp    float64   `json:"proba_up"`
	Model      string    `json:"model,omitempty"`
	Timestamp  time.Time `json:"ts"`
}
