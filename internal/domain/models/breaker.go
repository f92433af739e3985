package models

import (
	"fmt"
	"time"
)

// BreakerLevel values are ordered by severity.
type BreakerLevel int

const (
	BreakerArmed BreakerLevel = iota
	BreakerLevel1
	BreakerLevel2
	BreakerLevel3
	BreakerManualHalt
)

var breakerNames = [...]string{"armed", "level1_triggered", "level2_triggered", "level3_halted", "manual_halt"}

func (l BreakerLevel) String() string {
	if l < BreakerArmed || l > BreakerManualHalt {
		return fmt.Sprintf("breaker(%d)", int(l))
	}
	return breakerNames[l]
}

func (l BreakerLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *BreakerLevel) UnmarshalText(b []byte) error {
	for i, n := range breakerNames {
		if n == string(b) {
			*l = BreakerLevel(i)
			return nil
		}
	}
	return fmt.Errorf("unknown breaker level %q", string(b))
}

type BreakerEventKind string

const (
	EventPositionLoss       BreakerEventKind = "position_loss"
	EventRealizedLoss       BreakerEventKind = "realized_loss"
	EventRiskBreach         BreakerEventKind = "risk_breach"
	EventDailyLoss          BreakerEventKind = "daily_loss"
	EventPortfolioEmergency BreakerEventKind = "portfolio_emergency"
	EventExecutionFailure   BreakerEventKind = "execution_failure"
	EventManualTrip         BreakerEventKind = "manual_trip"
	EventOperatorReset      BreakerEventKind = "operator_reset"
	EventSessionReset       BreakerEventKind = "session_reset"
)

type BreakerEvent struct {
	Kind      BreakerEventKind `json:"kind"`
	Symbol    string           `json:"symbol,omitempty"`
	Metric    string           `json:"metric,omitempty"`
	Value     float64          `json:"value"`
	Threshold float64          `json:"threshold"`
	// Loss is a realized or marked dollar loss carried by the event, counted toward the session total.
	Loss      float64   `json:"loss,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"ts"`
}

type BreakerTransition struct {
	From  BreakerLevel `json:"from"`
	To    BreakerLevel `json:"to"`
	Event BreakerEvent `json:"event"`
	At    time.Time    `json:"at"`
}

type BreakerState struct {
	Level          BreakerLevel       `json:"level"`
	BlockedSymbols []string           `json:"blocked_symbols,omitempty"`
	LastTransition *BreakerTransition `json:"last_transition,omitempty"`
	SessionStart   time.Time          `json:"session_start"`
	SessionLoss    float64            `json:"session_loss"`
	Level1Counts   map[string]int     `json:"level1_counts,omitempty"`
	ExecFailures   int                `json:"exec_failures"`
}
