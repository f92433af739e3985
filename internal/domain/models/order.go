package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type IntentPurpose string

const (
	PurposeOpen   IntentPurpose = "open"
	PurposeUnwind IntentPurpose = "unwind"
	PurposeClose  IntentPurpose = "close"
)

type IntentLeg struct {
	Right      OptionRight     `json:"right"`
	Side       Side            `json:"side"`
	Strike     decimal.Decimal `json:"strike"`
	Expiration time.Time       `json:"expiration"`
	Ratio      int             `json:"ratio"`
}

// OrderIntent is the broker-agnostic request handed to the execution gateway.
// The gateway de-duplicates on IdempotencyKey.
type OrderIntent struct {
	IdempotencyKey  string          `json:"idempotency_key"`
	StrategyOrderID string          `json:"strategy_order_id"`
	Symbol          string          `json:"symbol"`
	Purpose         IntentPurpose   `json:"purpose"`
	Legs            []IntentLeg     `json:"legs"`
	Quantity        int             `json:"quantity"`
	LimitPrice      decimal.Decimal `json:"limit_price"`
	TimeInForce     string          `json:"time_in_force"`
	CreatedAt       time.Time       `json:"created_at"`
}

type SubmitAck struct {
	IdempotencyKey string `json:"idempotency_key"`
	BrokerOrderID  string `json:"broker_order_id"`
	Accepted       bool   `json:"accepted"`
	Reason         string `json:"reason,omitempty"`
}

type ExecEventType string

const (
	ExecAck         ExecEventType = "ack"
	ExecFill        ExecEventType = "fill"
	ExecPartialFill ExecEventType = "partial_fill"
	ExecRejected    ExecEventType = "rejected"
	ExecCancelled   ExecEventType = "cancelled"
)

// ExecutionEvent arrives asynchronously from the gateway.
type ExecutionEvent struct {
	IdempotencyKey string          `json:"idempotency_key"`
	BrokerOrderID  string          `json:"broker_order_id"`
	ExecID         string          `json:"exec_id"`
	Type           ExecEventType   `json:"type"`
	FilledQty      int             `json:"filled_qty"`
	Price          decimal.Decimal `json:"price"`
	Reason         string          `json:"reason,omitempty"`
	Timestamp      time.Time       `json:"ts"`
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderWorking   OrderStatus = "working"
	OrderFilled    OrderStatus = "filled"
	OrderFailed    OrderStatus = "failed"
	OrderDiscarded OrderStatus = "discarded"
)

type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentWorking   IntentStatus = "working"
	IntentFilled    IntentStatus = "filled"
	IntentRejected  IntentStatus = "rejected"
	IntentCancelled IntentStatus = "cancelled"
)

type IntentState struct {
	Intent    OrderIntent     `json:"intent"`
	Status    IntentStatus    `json:"status"`
	FilledQty int             `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	BrokerID  string          `json:"broker_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// OrderRecord is the coordinator's externally visible view of one dispatched order.
type OrderRecord struct {
	Order      StrategyOrder `json:"order"`
	Status     OrderStatus   `json:"status"`
	Intents    []IntentState `json:"intents"`
	Unwinds    []IntentState `json:"unwinds,omitempty"`
	PositionID string        `json:"position_id,omitempty"`
	Error      string        `json:"error,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
