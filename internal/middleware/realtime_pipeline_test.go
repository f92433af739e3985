package middleware

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/pkg/metrics"
)

var now = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu    sync.Mutex
	ticks []models.Tick
	fail  int
}

func (s *recordingSink) Ingest(_ context.Context, t models.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return errors.New("aggregator busy")
	}
	s.ticks = append(s.ticks, t)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ticks)
}

func tick(symbol string, last float64) models.Tick {
	return models.Tick{Symbol: symbol, Timestamp: now, Last: last}
}

func TestValidate(t *testing.T) {
	p := NewRealtimePipeline(&recordingSink{}, metrics.Nop{},
		WithSymbols([]string{"SPY", "QQQ"}),
		WithMaxRPS(0),
		WithPipelineClock(func() time.Time { return now }),
	)

	ahead := tick("SPY", 500)
	ahead.Timestamp = now.Add(10 * time.Second)
	crossed := models.Tick{Symbol: "SPY", Timestamp: now, Bid: 501, Ask: 500}
	noTime := tick("SPY", 500)
	noTime.Timestamp = time.Time{}

	tests := []struct {
		name string
		tick models.Tick
		ok   bool
	}{
		{"valid last", tick("SPY", 500), true},
		{"valid quote only", models.Tick{Symbol: "QQQ", Timestamp: now, Bid: 439.9, Ask: 440.1}, true},
		{"empty symbol", tick("", 500), false},
		{"untracked symbol", tick("IWM", 200), false},
		{"missing timestamp", noTime, false},
		{"future timestamp", ahead, false},
		{"negative price", tick("SPY", -1), false},
		{"nan price", tick("SPY", math.NaN()), false},
		{"crossed quote", crossed, false},
		{"no price", tick("SPY", 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Process(context.Background(), tt.tick)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidTick)
		})
	}
}

func TestThrottlePerSymbol(t *testing.T) {
	sink := &recordingSink{}
	clock := now
	p := NewRealtimePipeline(sink, metrics.Nop{}, WithMaxRPS(2), WithPipelineClock(func() time.Time { return clock }))

	require.NoError(t, p.Process(context.Background(), tick("SPY", 500)))
	require.NoError(t, p.Process(context.Background(), tick("SPY", 500.1)))
	require.NoError(t, p.Process(context.Background(), tick("QQQ", 440)))
	assert.Equal(t, 2, sink.len())

	clock = clock.Add(500 * time.Millisecond)
	require.NoError(t, p.Process(context.Background(), tick("SPY", 500.2)))
	assert.Equal(t, 3, sink.len())
	assert.Equal(t, 500.2, sink.ticks[2].Last)
}

func TestDownstreamFailureIsBuffered(t *testing.T) {
	sink := &recordingSink{fail: 2}
	p := NewRealtimePipeline(sink, metrics.Nop{}, WithMaxRPS(0), WithPipelineClock(func() time.Time { return now }))

	err := p.Process(context.Background(), tick("SPY", 500))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidTick)
	assert.Zero(t, sink.len())

	p.Start(context.Background())
	defer p.Stop()
	require.Eventually(t, func() bool { return sink.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "SPY", sink.ticks[0].Symbol)
}

func TestStopIsIdempotent(t *testing.T) {
	p := NewRealtimePipeline(&recordingSink{}, metrics.Nop{})
	p.Stop()
	p.Start(context.Background())
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}
