package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/pkg/logger"
	"ZeroDTE/pkg/metrics"
	"ZeroDTE/pkg/util"
)

var (
	day1    = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	day2    = time.Date(2024, 6, 4, 10, 0, 0, 0, time.UTC)
	session = &util.Session{Loc: time.UTC, Open: util.Clock{Hour: 9, Minute: 30}, Close: util.Clock{Hour: 16}}
)

type memStore struct {
	mu    sync.Mutex
	state *models.BreakerState
	saves int
}

func (s *memStore) SaveBreaker(_ context.Context, st models.BreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = &st
	s.saves++
	return nil
}

func (s *memStore) LoadBreaker(context.Context) (*models.BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

type harness struct {
	b   *Breaker
	now time.Time
	trs []models.BreakerTransition
}

func newHarness(opts ...Option) *harness {
	h := &harness{now: day1}
	base := []Option{
		WithClock(func() time.Time { return h.now }),
		WithSession(session),
		WithSubscriber(func(tr models.BreakerTransition) { h.trs = append(h.trs, tr) }),
	}
	h.b = New(metrics.Nop{}, logger.NewNop(), append(base, opts...)...)
	return h
}

func (h *harness) report(kind models.BreakerEventKind, symbol string, loss float64) (models.BreakerTransition, bool) {
	return h.b.Report(context.Background(), models.BreakerEvent{Kind: kind, Symbol: symbol, Loss: loss, Timestamp: h.now})
}

func TestPositionLossBlocksOnlyThatSymbol(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.b.AllowEntry("SPY"))

	tr, moved := h.report(models.EventPositionLoss, "SPY", 0)
	require.True(t, moved)
	assert.Equal(t, models.BreakerArmed, tr.From)
	assert.Equal(t, models.BreakerLevel1, tr.To)
	assert.Equal(t, models.BreakerLevel1, h.b.Level())

	err := h.b.AllowEntry("SPY")
	assert.True(t, errors.Is(err, ErrEntryBlocked))
	assert.NoError(t, h.b.AllowEntry("QQQ"))
	assert.False(t, h.b.ForceExit())

	st := h.b.State()
	assert.Equal(t, []string{"SPY"}, st.BlockedSymbols)
	assert.Equal(t, 1, st.Level1Counts["SPY"])
	require.NotNil(t, st.LastTransition)
	assert.Len(t, h.trs, 1)
}

func TestRepeatedLevel1EscalatesToLevel2(t *testing.T) {
	h := newHarness()
	_, moved := h.report(models.EventPositionLoss, "SPY", 0)
	assert.True(t, moved)
	_, moved = h.report(models.EventRiskBreach, "SPY", 0)
	assert.False(t, moved)

	tr, moved := h.report(models.EventPositionLoss, "SPY", 0)
	require.True(t, moved)
	assert.Equal(t, models.BreakerLevel2, tr.To)
	assert.Contains(t, tr.Event.Detail, "3 level1 triggers on SPY")

	assert.Error(t, h.b.AllowEntry("QQQ"))
	assert.False(t, h.b.ForceExit())
}

func TestExecutionFailuresEscalate(t *testing.T) {
	h := newHarness()
	for i := 0; i < 2; i++ {
		_, moved := h.report(models.EventExecutionFailure, "", 0)
		assert.False(t, moved)
	}
	tr, moved := h.report(models.EventExecutionFailure, "", 0)
	require.True(t, moved)
	assert.Equal(t, models.BreakerLevel2, tr.To)
	assert.Equal(t, 3, h.b.State().ExecFailures)
}

func TestSessionLossLimits(t *testing.T) {
	h := newHarness()
	h.b.SetEquityAtOpen(100000)

	_, moved := h.report(models.EventRealizedLoss, "SPY", 2000)
	assert.False(t, moved)
	assert.Equal(t, models.BreakerArmed, h.b.Level())

	tr, moved := h.report(models.EventRealizedLoss, "QQQ", 1500)
	require.True(t, moved)
	assert.Equal(t, models.BreakerLevel2, tr.To)
	assert.Equal(t, "session_loss", tr.Event.Metric)
	assert.InDelta(t, 3500, tr.Event.Value, 1e-9)
	assert.InDelta(t, 3000, tr.Event.Threshold, 1e-9)

	tr, moved = h.report(models.EventRealizedLoss, "QQQ", 2500)
	require.True(t, moved)
	assert.Equal(t, models.BreakerLevel3, tr.To)
	assert.True(t, h.b.ForceExit())
	assert.InDelta(t, 6000, h.b.State().SessionLoss, 1e-9)
}

func TestAutomaticTransitionsNeverDeescalate(t *testing.T) {
	h := newHarness()
	_, moved := h.report(models.EventDailyLoss, "", 0)
	require.True(t, moved)

	_, moved = h.report(models.EventPositionLoss, "SPY", 0)
	assert.False(t, moved)
	assert.Equal(t, models.BreakerLevel2, h.b.Level())
	assert.Len(t, h.trs, 1)
}

func TestCheckDrawdown(t *testing.T) {
	h := newHarness()
	_, moved := h.b.CheckDrawdown(context.Background(), 7000, h.now)
	assert.False(t, moved, "no equity at open")

	h.b.SetEquityAtOpen(100000)
	_, moved = h.b.CheckDrawdown(context.Background(), 5000, h.now)
	assert.False(t, moved)

	tr, moved := h.b.CheckDrawdown(context.Background(), 6000, h.now)
	require.True(t, moved)
	assert.Equal(t, models.BreakerLevel3, tr.To)
	assert.Equal(t, "drawdown", tr.Event.Metric)
	assert.Zero(t, h.b.State().SessionLoss)
}

func TestManualTripAndReset(t *testing.T) {
	h := newHarness()
	h.b.SetEquityAtOpen(100000)

	_, err := h.b.Trip(context.Background(), "", "no name")
	assert.True(t, errors.Is(err, ErrNotManual))
	_, err = h.b.Reset(context.Background(), "", "no name")
	assert.True(t, errors.Is(err, ErrNotManual))

	h.report(models.EventRealizedLoss, "SPY", 500)
	h.report(models.EventPositionLoss, "SPY", 0)

	tr, err := h.b.Trip(context.Background(), "alice", "fat finger")
	require.NoError(t, err)
	assert.Equal(t, models.BreakerLevel1, tr.From)
	assert.Equal(t, models.BreakerManualHalt, tr.To)
	assert.Equal(t, "alice: fat finger", tr.Event.Detail)
	assert.False(t, h.b.ForceExit())

	again, err := h.b.Trip(context.Background(), "alice", "again")
	require.NoError(t, err)
	assert.Equal(t, models.BreakerTransition{}, again)

	_, moved := h.report(models.EventPortfolioEmergency, "", 0)
	assert.False(t, moved)
	assert.Equal(t, models.BreakerManualHalt, h.b.Level())

	tr, err = h.b.Reset(context.Background(), "alice", "resolved")
	require.NoError(t, err)
	assert.Equal(t, models.BreakerArmed, tr.To)
	st := h.b.State()
	assert.Empty(t, st.BlockedSymbols)
	assert.Empty(t, st.Level1Counts)
	assert.InDelta(t, 500, st.SessionLoss, 1e-9)
	assert.NoError(t, h.b.AllowEntry("SPY"))
}

func TestReportIgnoresOperatorKinds(t *testing.T) {
	h := newHarness()
	_, moved := h.report(models.EventManualTrip, "", 0)
	assert.False(t, moved)
	assert.Equal(t, models.BreakerArmed, h.b.Level())
}

func TestSessionReset(t *testing.T) {
	t.Run("automatic levels return to armed", func(t *testing.T) {
		h := newHarness()
		h.report(models.EventPositionLoss, "SPY", 250)
		h.report(models.EventDailyLoss, "", 0)

		_, moved := h.b.CheckSession(context.Background(), day1.Add(time.Hour))
		assert.False(t, moved)

		tr, moved := h.b.CheckSession(context.Background(), day2)
		require.True(t, moved)
		assert.Equal(t, models.BreakerLevel2, tr.From)
		assert.Equal(t, models.BreakerArmed, tr.To)
		assert.Equal(t, models.EventSessionReset, tr.Event.Kind)

		st := h.b.State()
		assert.Zero(t, st.SessionLoss)
		assert.Empty(t, st.BlockedSymbols)
		assert.Equal(t, time.Date(2024, 6, 4, 9, 30, 0, 0, time.UTC), st.SessionStart)
	})

	t.Run("weekend is not a new session", func(t *testing.T) {
		h := newHarness()
		h.now = time.Date(2024, 6, 7, 15, 0, 0, 0, time.UTC)
		h.report(models.EventDailyLoss, "", 0)
		require.Equal(t, models.BreakerLevel2, h.b.Level())

		_, moved := h.b.CheckSession(context.Background(), time.Date(2024, 6, 8, 10, 0, 0, 0, time.UTC))
		assert.False(t, moved)
		assert.Equal(t, models.BreakerLevel2, h.b.Level())

		_, moved = h.b.CheckSession(context.Background(), time.Date(2024, 6, 10, 9, 30, 0, 0, time.UTC))
		assert.True(t, moved)
		assert.Equal(t, models.BreakerArmed, h.b.Level())
	})

	t.Run("manual halt survives", func(t *testing.T) {
		h := newHarness()
		_, err := h.b.Trip(context.Background(), "bob", "maintenance")
		require.NoError(t, err)

		_, moved := h.b.CheckSession(context.Background(), day2)
		assert.False(t, moved)
		assert.Equal(t, models.BreakerManualHalt, h.b.Level())
	})

	t.Run("events in a new session start fresh counters", func(t *testing.T) {
		h := newHarness()
		h.report(models.EventExecutionFailure, "", 0)
		h.report(models.EventExecutionFailure, "", 0)

		h.now = day2
		_, moved := h.report(models.EventExecutionFailure, "", 0)
		assert.False(t, moved)
		assert.Equal(t, 1, h.b.State().ExecFailures)
	})
}

func TestPersistAndRestore(t *testing.T) {
	store := &memStore{}
	h := newHarness(WithStore(store))
	h.b.SetEquityAtOpen(100000)
	h.report(models.EventRealizedLoss, "SPY", 3200)
	require.NotNil(t, store.state)
	assert.Equal(t, models.BreakerLevel2, store.state.Level)

	t.Run("same session keeps level", func(t *testing.T) {
		r := newHarness(WithStore(store))
		r.now = day1.Add(time.Hour)
		require.NoError(t, r.b.Restore(context.Background()))
		assert.Equal(t, models.BreakerLevel2, r.b.Level())
		assert.InDelta(t, 3200, r.b.State().SessionLoss, 1e-9)
	})

	t.Run("later session resets automatic level", func(t *testing.T) {
		r := newHarness(WithStore(store))
		r.now = day2
		require.NoError(t, r.b.Restore(context.Background()))
		assert.Equal(t, models.BreakerArmed, r.b.Level())
		assert.Zero(t, r.b.State().SessionLoss)
	})

	t.Run("later session keeps manual halt", func(t *testing.T) {
		_, err := h.b.Trip(context.Background(), "carol", "audit")
		require.NoError(t, err)
		r := newHarness(WithStore(store))
		r.now = day2
		require.NoError(t, r.b.Restore(context.Background()))
		assert.Equal(t, models.BreakerManualHalt, r.b.Level())
	})
}

func TestRunSessionResetWithoutSession(t *testing.T) {
	b := New(metrics.Nop{}, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.RunSessionReset(ctx, time.Second), context.Canceled)
}
