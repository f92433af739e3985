package usecase

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/internal/repository"
	"ZeroDTE/internal/services/breaker"
	"ZeroDTE/internal/services/correlation"
	"ZeroDTE/internal/services/execution"
	"ZeroDTE/internal/services/regime"
	"ZeroDTE/internal/services/risk"
	"ZeroDTE/internal/services/signal"
	"ZeroDTE/internal/services/strategy"
	"ZeroDTE/pkg/cache"
	"ZeroDTE/pkg/logger"
	"ZeroDTE/pkg/metrics"
)

var open = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

// fillingGateway accepts every intent and fills it at its limit price.
type fillingGateway struct {
	c atomic.Pointer[execution.Coordinator]
	n atomic.Int32
}

func (g *fillingGateway) Submit(_ context.Context, in models.OrderIntent) (models.SubmitAck, error) {
	g.n.Add(1)
	c := g.c.Load()
	go func() {
		_ = c.HandleEvent(context.Background(), models.ExecutionEvent{
			IdempotencyKey: in.IdempotencyKey,
			ExecID:         in.IdempotencyKey + ":1",
			Type:           models.ExecFill,
			FilledQty:      in.Quantity,
			Price:          in.LimitPrice,
		})
	}()
	return models.SubmitAck{IdempotencyKey: in.IdempotencyKey, Accepted: true}, nil
}

func (g *fillingGateway) Cancel(context.Context, string) error { return nil }
func (g *fillingGateway) SupportsMultiLeg() bool              { return true }

type chainStub struct{}

func (chainStub) Chain(_ context.Context, symbol string) (*models.OptionChain, error) {
	return &models.OptionChain{
		Symbol: symbol,
		Spot:   500,
		Calls: []models.OptionQuote{
			{Strike: 500, Delta: 0.50, Gamma: 0.08, IV: 0.14, Bid: 2.0, Ask: 2.2},
			{Strike: 505, Delta: 0.30, Gamma: 0.06, IV: 0.15, Bid: 1.0, Ask: 1.1},
			{Strike: 510, Delta: 0.20, Gamma: 0.04, IV: 0.16, Bid: 0.5, Ask: 0.6},
			{Strike: 515, Delta: 0.10, Gamma: 0.02, IV: 0.18, Bid: 0.2, Ask: 0.3},
		},
		Puts: []models.OptionQuote{
			{Strike: 485, Delta: -0.10, Gamma: 0.02, IV: 0.20, Bid: 0.2, Ask: 0.3},
			{Strike: 490, Delta: -0.20, Gamma: 0.04, IV: 0.18, Bid: 0.5, Ask: 0.6},
			{Strike: 495, Delta: -0.30, Gamma: 0.06, IV: 0.16, Bid: 1.0, Ask: 1.1},
			{Strike: 500, Delta: -0.50, Gamma: 0.08, IV: 0.15, Bid: 2.0, Ask: 2.2},
		},
	}, nil
}

type accountStub struct{ equity float64 }

func (a accountStub) Account(context.Context) (*models.Account, error) {
	return &models.Account{Equity: a.equity, EquityAtOpen: a.equity}, nil
}

type scenario struct {
	p      *DecisionPipeline
	deps   PipelineDeps
	gw     *fillingGateway
	pub    *recordingPublisher
	clock  atomic.Int64
	seq    uint64
	spy    float64
	qqq    float64
	path   [][2]float64
	cancel context.CancelFunc
}

func newScenario(t *testing.T) *scenario {
	s := &scenario{gw: &fillingGateway{}, pub: &recordingPublisher{}, spy: 500, qqq: 440}
	s.clock.Store(open.UnixNano())
	now := func() time.Time { return time.Unix(0, s.clock.Load()).UTC() }

	m, log := metrics.Nop{}, logger.NewNop()
	symbols := []string{"QQQ", "SPY"}

	mem := cache.NewMemoryCache(cache.WithMemoryCleanup(0))
	t.Cleanup(func() { _ = mem.Close() })

	eng := correlation.NewEngine(symbols, m, log, correlation.WithWindows(5, 20), correlation.WithMinSamples(5))
	require.NoError(t, eng.SetBaseline("SPY", "QQQ", 0.9))

	brk := breaker.New(m, log, breaker.WithClock(now))
	coord := execution.NewCoordinator(s.gw, repository.NewIdempotencyStore(mem), chainStub{}, brk, m, log,
		execution.WithClock(now),
		execution.WithTimeouts(time.Second, time.Second, time.Second),
	)
	s.gw.c.Store(coord)

	sink := NewEventSink(s.pub, nil, m, log)
	ctx, cancel := context.WithCancel(context.Background())
	go sink.Run(ctx)
	s.cancel = func() {
		cancel()
		sink.Wait()
	}

	s.deps = PipelineDeps{
		Classifier:  regime.NewClassifier(m, log),
		Correlation: eng,
		Signals:     signal.NewGenerator(m, log, signal.WithHinter(strategy.Policy)),
		Selector:    strategy.NewSelector(log, strategy.WithClock(now)),
		Risk:        risk.NewManager(m, log, risk.WithClock(now)),
		Breaker:     brk,
		Execution:   coord,
		Chains:      chainStub{},
		Account:     accountStub{equity: 1_000_000},
		Sink:        sink,
	}
	s.p = NewDecisionPipeline(symbols, s.deps, time.Second, m, log)

	t.Cleanup(func() {
		s.cancel()
		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = coord.Close(ctx)
	})
	return s
}

// next builds the following snapshot. Without a path SPY and QQQ move in opposite directions;
// with one, each step applies the next SPY/QQQ log return pair, cycling.
func (s *scenario) next(withVol bool) *models.Snapshot {
	s.seq++
	if s.seq > 1 {
		rs, rq := 0.002, -0.002
		if s.seq%2 == 0 {
			rs, rq = -rs, -rq
		}
		if len(s.path) > 0 {
			step := s.path[int(s.seq-2)%len(s.path)]
			rs, rq = step[0], step[1]
		}
		s.spy *= math.Exp(rs)
		s.qqq *= math.Exp(rq)
	}
	ts := open.Add(time.Duration(s.seq) * time.Second)
	s.clock.Store(ts.UnixNano())

	snap := &models.Snapshot{
		Seq:       s.seq,
		Timestamp: ts,
		Quotes: map[string]models.SymbolQuote{
			"SPY": {Tick: models.Tick{Symbol: "SPY", Last: s.spy, Timestamp: ts}},
			"QQQ": {Tick: models.Tick{Symbol: "QQQ", Last: s.qqq, Timestamp: ts}},
		},
	}
	if withVol {
		snap.Vol = &models.VolReading{Timestamp: ts, Level: 12, Front: 12, Back: 14}
	}
	return snap
}

func TestCalmDivergenceOpensIronCondors(t *testing.T) {
	s := newScenario(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, s.p.Process(ctx, s.next(true)))
	}

	st, ok := s.deps.Correlation.Matrix().Get("SPY", "QQQ")
	require.True(t, ok)
	require.True(t, st.Divergent())
	assert.InDelta(t, -1.9, st.Deviation, 1e-6)

	require.Eventually(t, func() bool { return len(s.deps.Execution.OpenPositions()) == 2 }, 2*time.Second, 5*time.Millisecond)
	syms := map[string]models.StrategyType{}
	for _, p := range s.deps.Execution.OpenPositions() {
		syms[p.Symbol] = p.Type
		assert.InDelta(t, -0.6, p.EntryCost, 1e-9)
		assert.Equal(t, 10, p.Quantity)
	}
	assert.Equal(t, map[string]models.StrategyType{"QQQ": models.StrategyIronCondor, "SPY": models.StrategyIronCondor}, syms)

	active := s.deps.Signals.Active(open.Add(6 * time.Second))
	require.Len(t, active, 2)
	for _, sig := range active {
		assert.Equal(t, models.SignalConsumed, sig.Status)
		assert.Equal(t, models.BiasNeutral, sig.Bias)
	}

	// consumed signals keep the symbols occupied
	require.NoError(t, s.p.Process(ctx, s.next(true)))
	assert.Equal(t, int32(2), s.gw.n.Load())

	s.cancel()
	types := s.pub.types()
	assert.Contains(t, types, models.CoreEventDivergence)
	count := func(want models.CoreEventType) int {
		n := 0
		for _, ty := range types {
			if ty == want {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 2, count(models.CoreEventSignal))
	assert.Equal(t, 2, count(models.CoreEventDecision))
}

// partialCorrelation returns a five step path whose SPY and QQQ returns correlate at exactly rho.
// Every window of five consecutive steps holds the same returns, so the correlation is the same
// wherever the window starts.
func partialCorrelation(rho float64) [][2]float64 {
	x := []float64{1, -1, 2, -2, 0}
	z := []float64{1, 1, -1, -1, 0}
	k := math.Sqrt(1-rho*rho) * math.Sqrt(10.0/4.0)
	path := make([][2]float64, len(x))
	for i := range x {
		path[i] = [2]float64{0.001 * x[i], 0.001 * (rho*x[i] + k*z[i])}
	}
	return path
}

func TestCorrelationBreakdownOpensCondorsWithinVaR(t *testing.T) {
	s := newScenario(t)
	require.NoError(t, s.deps.Correlation.SetBaseline("SPY", "QQQ", 0.85))
	s.path = partialCorrelation(0.40)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, s.p.Process(ctx, s.next(true)))
	}
	assert.Equal(t, models.RegimeCalm, s.deps.Classifier.Current().Regime)

	st, ok := s.deps.Correlation.Matrix().Get("SPY", "QQQ")
	require.True(t, ok)
	assert.InDelta(t, 0.40, st.Short, 1e-6)
	assert.InDelta(t, 0.85, st.Baseline, 1e-12)
	assert.InDelta(t, -0.45, st.Deviation, 1e-6)
	assert.Equal(t, 1, st.Level)

	require.Eventually(t, func() bool { return len(s.deps.Execution.OpenPositions()) == 2 }, 2*time.Second, 5*time.Millisecond)
	for _, p := range s.deps.Execution.OpenPositions() {
		assert.Equal(t, models.StrategyIronCondor, p.Type, p.Symbol)
	}
	for _, sig := range s.deps.Signals.Active(open.Add(8 * time.Second)) {
		assert.Equal(t, models.BiasNeutral, sig.Bias, sig.Symbol)
	}

	s.cancel()
	s.pub.mu.Lock()
	defer s.pub.mu.Unlock()
	var divergences int
	var decisions []models.RiskDecision
	for _, ev := range s.pub.events {
		switch ev.Type {
		case models.CoreEventDivergence:
			divergences++
			assert.Equal(t, 1, ev.Payload.(models.DivergenceEvent).Level)
		case models.CoreEventDecision:
			decisions = append(decisions, ev.Payload.(models.RiskDecision))
		}
	}
	assert.Equal(t, 1, divergences)
	require.Len(t, decisions, 2)
	limit := risk.DefaultLimits.PositionVaR * 1_000_000
	for _, d := range decisions {
		assert.True(t, d.Approved(), d.Symbol)
		assert.Equal(t, 1_000_000.0, d.Metrics.Equity)
		assert.Positive(t, d.Metrics.PositionVaR)
		assert.LessOrEqual(t, d.Metrics.PositionVaR, limit, d.Symbol)
	}
}

func TestSignalsHeldUntilFirstVolReading(t *testing.T) {
	s := newScenario(t)
	for i := 0; i < 7; i++ {
		require.NoError(t, s.p.Process(context.Background(), s.next(false)))
	}
	assert.False(t, s.deps.Classifier.Current().Initialized)
	assert.Empty(t, s.deps.Signals.Active(open.Add(7*time.Second)))
	assert.Zero(t, s.gw.n.Load())
}

func TestBreakerBlocksEntry(t *testing.T) {
	s := newScenario(t)
	_, err := s.deps.Breaker.Trip(context.Background(), "ops", "maintenance")
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		require.NoError(t, s.p.Process(context.Background(), s.next(true)))
	}
	active := s.deps.Signals.Active(open.Add(6 * time.Second))
	require.Len(t, active, 2)
	assert.Equal(t, models.SignalActive, active[0].Status)
	assert.Zero(t, s.gw.n.Load())
	assert.Empty(t, s.deps.Execution.Orders())
}

func TestMissingSymbolIsAnInvariantFailure(t *testing.T) {
	s := newScenario(t)
	snap := s.next(true)
	delete(snap.Quotes, "QQQ")
	err := s.p.Process(context.Background(), snap)
	require.Error(t, err)
	assert.True(t, models.IsInvariant(err))
	assert.False(t, s.deps.Classifier.Current().Initialized, "abandoned before any stage ran")

	assert.True(t, models.IsInvariant(s.p.Process(context.Background(), nil)))
}

func TestRunStopsWhenSnapshotsClose(t *testing.T) {
	s := newScenario(t)
	ch := make(chan *models.Snapshot, 2)
	ch <- s.next(true)
	close(ch)
	assert.NoError(t, s.p.Run(context.Background(), ch))
	assert.True(t, s.deps.Classifier.Current().Initialized)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.p.Run(ctx, make(chan *models.Snapshot)), context.Canceled)
}
