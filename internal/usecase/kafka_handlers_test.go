package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ZeroDTE/internal/domain/models"
	mid "ZeroDTE/internal/middleware"
	"ZeroDTE/internal/services/execution"
	"ZeroDTE/internal/services/snapshot"
	"ZeroDTE/pkg/logger"
	"ZeroDTE/pkg/metrics"
)

type tickSink struct {
	mu    sync.Mutex
	ticks []models.Tick
}

func (s *tickSink) Ingest(_ context.Context, t models.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, t)
	return nil
}

func newTicksHandler(sink mid.Sink) *TicksHandler {
	at := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	pipe := mid.NewRealtimePipeline(sink, metrics.Nop{},
		mid.WithMaxRPS(0),
		mid.WithSymbols([]string{"SPY", "QQQ"}),
		mid.WithPipelineClock(func() time.Time { return at }),
	)
	return NewTicksHandler("market.ticks", pipe, metrics.Nop{})
}

func TestTicksHandler(t *testing.T) {
	sink := &tickSink{}
	h := newTicksHandler(sink)
	assert.Equal(t, "market.ticks", h.Topic())

	ctx := context.Background()
	require.NoError(t, h.Handle(ctx, []byte(`{"symbol":"SPY","ts":1717423200000,"bid":499.9,"ask":500.1,"last":500,"size":100,"seq":7}`)))
	require.NoError(t, h.Handle(ctx, []byte(`{"symbol":"QQQ","ts":"2024-06-03T14:00:00Z","last":440}`)))

	require.Len(t, sink.ticks, 2)
	first := sink.ticks[0]
	assert.Equal(t, "SPY", first.Symbol)
	assert.True(t, first.Timestamp.Equal(time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)))
	assert.Equal(t, uint64(7), first.Seq)
	assert.Equal(t, 500.0, first.Price())
	assert.True(t, sink.ticks[1].Timestamp.Equal(first.Timestamp))

	t.Run("malformed json is an error", func(t *testing.T) {
		assert.Error(t, h.Handle(ctx, []byte(`{"symbol":`)))
		assert.Error(t, h.Handle(ctx, []byte(`{"symbol":"SPY","ts":"yesterday","last":1}`)))
	})

	t.Run("invalid ticks are not retried", func(t *testing.T) {
		assert.NoError(t, h.Handle(ctx, []byte(`{"symbol":"SPY","ts":1717423200,"last":-5}`)))
		assert.NoError(t, h.Handle(ctx, []byte(`{"symbol":"IWM","ts":1717423200,"last":200}`)))
		assert.Len(t, sink.ticks, 2)
	})
}

func TestTicksHandlerUntrackedByAggregator(t *testing.T) {
	agg := snapshot.NewAggregator([]string{"SPY"}, metrics.Nop{}, logger.NewNop())
	h := newTicksHandler(agg)
	assert.NoError(t, h.Handle(context.Background(), []byte(`{"symbol":"QQQ","ts":1717423200,"last":440}`)))
}

func TestVolHandler(t *testing.T) {
	agg := snapshot.NewAggregator([]string{"SPY"}, metrics.Nop{}, logger.NewNop())
	h := NewVolHandler("market.vol", agg, metrics.Nop{})
	ctx := context.Background()

	assert.NoError(t, h.Handle(ctx, []byte(`{"ts":1717423200,"level":13.2,"front":13.0,"back":14.1}`)))
	assert.NoError(t, h.Handle(ctx, []byte(`{"ts":1717423200,"level":0}`)), "invalid readings are dropped")
	assert.NoError(t, h.Handle(ctx, []byte(`{"ts":null,"level":13}`)))
	assert.Error(t, h.Handle(ctx, []byte(`[1,2]`)))
}

type noGateway struct{}

func (noGateway) Submit(context.Context, models.OrderIntent) (models.SubmitAck, error) {
	return models.SubmitAck{}, nil
}
func (noGateway) Cancel(context.Context, string) error { return nil }
func (noGateway) SupportsMultiLeg() bool              { return false }

func TestExecEventsHandler(t *testing.T) {
	coord := execution.NewCoordinator(noGateway{}, nil, chainStub{}, nil, metrics.Nop{}, logger.NewNop())
	h := NewExecEventsHandler("exec.events", coord, metrics.Nop{})
	ctx := context.Background()

	assert.Error(t, h.Handle(ctx, []byte(`not json`)))
	assert.NoError(t, h.Handle(ctx, []byte(`{"type":"fill","filled_qty":1}`)), "events without a key are dropped")
	assert.NoError(t, h.Handle(ctx, []byte(`{"idempotency_key":"unknown:combo","exec_id":"x","type":"fill","filled_qty":1,"price":"1.05"}`)))
}
