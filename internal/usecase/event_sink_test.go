package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/pkg/logger"
	"ZeroDTE/pkg/metrics"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.CoreEvent
}

func (p *recordingPublisher) PublishEvent(_ context.Context, ev models.CoreEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []models.CoreEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.CoreEventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type memAudit struct {
	mu            sync.Mutex
	failSignals   bool
	failDecisions bool
	signals     []models.Signal
	decisions   []models.RiskDecision
	transitions []models.BreakerTransition
	orders      []models.OrderRecord
}

func (a *memAudit) SaveSignal(_ context.Context, s models.Signal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failSignals {
		return errors.New("clickhouse unavailable")
	}
	a.signals = append(a.signals, s)
	return nil
}

func (a *memAudit) SaveDecision(_ context.Context, d models.RiskDecision) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failDecisions {
		return errors.New("clickhouse unavailable")
	}
	a.decisions = append(a.decisions, d)
	return nil
}

func (a *memAudit) SaveBreakerTransition(_ context.Context, tr models.BreakerTransition) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transitions = append(a.transitions, tr)
	return nil
}

func (a *memAudit) SaveOrder(_ context.Context, rec models.OrderRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.orders = append(a.orders, rec)
	return nil
}

type retrySpy struct {
	types    []string
	payloads []interface{}
}

func (r *retrySpy) Enqueue(_ context.Context, msgType string, payload interface{}) error {
	r.types = append(r.types, msgType)
	r.payloads = append(r.payloads, payload)
	return nil
}

func TestEventSinkPublishesAndAudits(t *testing.T) {
	pub := &recordingPublisher{}
	audit := &memAudit{failSignals: true}
	retry := &retrySpy{}
	sink := NewEventSink(pub, audit, metrics.Nop{}, logger.NewNop(), WithAuditRetry(retry), WithSinkTimeout(time.Second))

	ts := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	sig := models.Signal{ID: "sig-1", Symbol: "SPY", Timestamp: ts}
	sink.Signal(sig)
	sink.Divergence(models.DivergenceEvent{Pair: models.NewPair("SPY", "QQQ"), Timestamp: ts})
	sink.Breaker(models.BreakerTransition{From: models.BreakerArmed, To: models.BreakerLevel1, At: ts})
	sink.Order(models.OrderRecord{Order: models.StrategyOrder{ID: "ord-1", Symbol: "SPY"}, Status: models.OrderFilled, UpdatedAt: ts})
	sink.Position(models.Position{ID: "pos-1", Symbol: "SPY"})

	ctx, cancel := context.WithCancel(context.Background())
	go sink.Run(ctx)
	cancel()
	sink.Wait()

	assert.Equal(t, []models.CoreEventType{
		models.CoreEventSignal,
		models.CoreEventDivergence,
		models.CoreEventBreaker,
		models.CoreEventOrder,
		models.CoreEventPosition,
	}, pub.types())
	assert.Equal(t, "QQQ/SPY", pub.events[1].Key)
	assert.False(t, pub.events[4].Timestamp.IsZero(), "zero timestamps are stamped on enqueue")

	assert.Len(t, audit.transitions, 1)
	require.Len(t, audit.orders, 1)
	assert.Equal(t, "ord-1", audit.orders[0].Order.ID)
	assert.Empty(t, audit.signals)

	require.Equal(t, []string{"audit.signal"}, retry.types)
	assert.Equal(t, sig, retry.payloads[0])
}

func TestDecisionsAreAuditedOffThePipeline(t *testing.T) {
	d := models.RiskDecision{OrderID: "ord-1", Symbol: "SPY", Action: models.RiskApprove, ApprovedQty: 10}

	t.Run("written", func(t *testing.T) {
		pub, audit := &recordingPublisher{}, &memAudit{}
		sink := NewEventSink(pub, audit, metrics.Nop{}, logger.NewNop())
		sink.Decision(d)

		ctx, cancel := context.WithCancel(context.Background())
		go sink.Run(ctx)
		cancel()
		sink.Wait()

		assert.Equal(t, []models.CoreEventType{models.CoreEventDecision}, pub.types())
		require.Len(t, audit.decisions, 1)
		assert.Equal(t, "ord-1", audit.decisions[0].OrderID)
	})

	t.Run("failed write is queued for retry", func(t *testing.T) {
		audit, retry := &memAudit{failDecisions: true}, &retrySpy{}
		sink := NewEventSink(nil, audit, metrics.Nop{}, logger.NewNop(), WithAuditRetry(retry))
		sink.Decision(d)

		ctx, cancel := context.WithCancel(context.Background())
		go sink.Run(ctx)
		cancel()
		sink.Wait()

		assert.Empty(t, audit.decisions)
		require.Equal(t, []string{"audit.risk_decision"}, retry.types)
		assert.Equal(t, d, retry.payloads[0])
	})
}

func TestEventSinkDropsWhenFull(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewEventSink(pub, nil, metrics.Nop{}, logger.NewNop(), WithSinkBuffer(1))
	sink.Position(models.Position{ID: "a"})
	sink.Position(models.Position{ID: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	go sink.Run(ctx)
	sink.Wait()

	require.Len(t, pub.events, 1)
	assert.Equal(t, "a", pub.events[0].Payload.(models.Position).ID)
}

func TestAuditJobsReplayRecords(t *testing.T) {
	audit := &memAudit{}
	jobs := AuditJobs(audit)

	byType := make(map[string]int)
	for i, j := range jobs {
		byType[j.Type()] = i
	}
	require.Contains(t, byType, "audit.signal")
	require.Contains(t, byType, "audit.risk_decision")
	require.Contains(t, byType, "audit.breaker_transition")
	require.Contains(t, byType, "audit.order")

	payload, err := json.Marshal(models.Signal{ID: "sig-1", Symbol: "QQQ", Bias: models.BiasNeutral})
	require.NoError(t, err)
	require.NoError(t, jobs[byType["audit.signal"]].Handle(context.Background(), payload))
	require.Len(t, audit.signals, 1)
	assert.Equal(t, "QQQ", audit.signals[0].Symbol)

	payload, err = json.Marshal(models.RiskDecision{OrderID: "ord-1", Action: models.RiskRescale})
	require.NoError(t, err)
	require.NoError(t, jobs[byType["audit.risk_decision"]].Handle(context.Background(), payload))
	require.Len(t, audit.decisions, 1)
	assert.Equal(t, models.RiskRescale, audit.decisions[0].Action)

	err = jobs[byType["audit.order"]].Handle(context.Background(), json.RawMessage(`{"order":`))
	assert.Error(t, err)
	assert.Empty(t, audit.orders)
}
