package models

import "time"

type CoreEventType string

const (
	CoreEventSignal     CoreEventType = "signal"
	CoreEventDivergence CoreEventType = "divergence"
	CoreEventRegime     CoreEventType = "regime"
	CoreEventDecision   CoreEventType = "risk_decision"
	CoreEventBreaker    CoreEventType = "breaker_transition"
	CoreEventOrder      CoreEventType = "order"
	CoreEventPosition   CoreEventType = "position"
)

// CoreEvent is the envelope published for downstream consumers such as the dashboard.
type CoreEvent struct {
	Type      CoreEventType `json:"type"`
	Key       string        `json:"key"`
	Timestamp time.Time     `json:"ts"`
	Payload   interface{}   `json:"payload"`
}
