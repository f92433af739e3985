package repository

import (
	"context"
	"time"

	"ZeroDTE/internal/domain/models"
)

// TickStream is a direct market-data connection producing normalized ticks.
type TickStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan models.Tick, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// EventPublisher ships core events to downstream consumers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev models.CoreEvent) error
	Close() error
}

// AuditStore persists decisions and transitions for later review.
type AuditStore interface {
	SaveSignal(ctx context.Context, s models.Signal) error
	SaveDecision(ctx context.Context, d models.RiskDecision) error
	SaveBreakerTransition(ctx context.Context, t models.BreakerTransition) error
	SaveOrder(ctx context.Context, rec models.OrderRecord) error
}

type AccountState interface {
	Account(ctx context.Context) (*models.Account, error)
}

type ChainProvider interface {
	Chain(ctx context.Context, symbol string) (*models.OptionChain, error)
}

// ExecutionGateway accepts order intents; fills arrive later as ExecutionEvents.
type ExecutionGateway interface {
	Submit(ctx context.Context, intent models.OrderIntent) (models.SubmitAck, error)
	Cancel(ctx context.Context, idempotencyKey string) error
	SupportsMultiLeg() bool
}

// IdempotencyStore guards against submitting the same intent twice.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type BreakerStore interface {
	SaveBreaker(ctx context.Context, st models.BreakerState) error
	LoadBreaker(ctx context.Context) (*models.BreakerState, error)
}

type Metrics interface {
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
	RecordLastPrice(symbol string, price float64)
	RecordSnapshot(stale int)
	RecordRegime(r models.Regime)
	RecordDivergence(pair string, level int)
	RecordSignal(symbol, outcome string)
	RecordRiskDecision(action models.RiskAction)
	RecordBreakerLevel(level models.BreakerLevel)
	RecordOrder(status models.OrderStatus)
}
