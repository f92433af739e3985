package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/internal/domain/repository"
	"ZeroDTE/pkg/logger"
	"ZeroDTE/pkg/util"
)

var (
	ErrEntryBlocked = errors.New("new entries blocked by circuit breaker")
	ErrNotManual    = errors.New("operator identity required")
)

// Limits drive the automatic transitions.
type Limits struct {
	// PositionLossPct of a position's premium basis that counts as a single-position breach.
	PositionLossPct float64
	// DailyLossPct and EmergencyDrawdownPct are fractions of equity at session open.
	DailyLossPct         float64
	EmergencyDrawdownPct float64
	// Level1Escalation is the per-symbol Level1 count within a session that escalates to Level2.
	Level1Escalation int
	// ExecFailureLimit is the number of execution failures within a session that escalates to Level2.
	ExecFailureLimit int
}

var DefaultLimits = Limits{
	PositionLossPct:      1.0,
	DailyLossPct:         0.03,
	EmergencyDrawdownPct: 0.06,
	Level1Escalation:     3,
	ExecFailureLimit:     3,
}

// Subscriber observes every level transition after it is committed.
type Subscriber func(models.BreakerTransition)

type Option func(*Breaker)

func WithLimits(l Limits) Option {
	return func(b *Breaker) { b.limits = l }
}

func WithStore(s repository.BreakerStore) Option {
	return func(b *Breaker) { b.store = s }
}

// WithSession enables session-scoped counters and the scheduled session reset.
func WithSession(s *util.Session) Option {
	return func(b *Breaker) { b.session = s }
}

func WithSubscriber(s Subscriber) Option {
	return func(b *Breaker) { b.subs = append(b.subs, s) }
}

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// Breaker is the single owner of BreakerState. Automatic transitions only move up; only
// Reset and the session reset move down.
type Breaker struct {
	limits  Limits
	store   repository.BreakerStore
	session *util.Session
	subs    []Subscriber
	now     func() time.Time
	metrics repository.Metrics
	log     *logger.Logger

	mu           sync.RWMutex
	level        models.BreakerLevel
	blocked      map[string]struct{}
	last         *models.BreakerTransition
	sessionStart time.Time
	sessionLoss  float64
	level1Counts map[string]int
	execFailures int
	equityAtOpen float64
}

func New(metrics repository.Metrics, log *logger.Logger, opts ...Option) *Breaker {
	b := &Breaker{
		limits:       DefaultLimits,
		now:          time.Now,
		metrics:      metrics,
		log:          log,
		blocked:      make(map[string]struct{}),
		level1Counts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.session != nil {
		b.sessionStart = b.session.SessionStart(b.now())
	}
	b.metrics.RecordBreakerLevel(b.level)
	return b
}

// State returns a read snapshot.
func (b *Breaker) State() models.BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() models.BreakerState {
	st := models.BreakerState{
		Level:        b.level,
		SessionStart: b.sessionStart,
		SessionLoss:  b.sessionLoss,
		ExecFailures: b.execFailures,
	}
	for s := range b.blocked {
		st.BlockedSymbols = append(st.BlockedSymbols, s)
	}
	sort.Strings(st.BlockedSymbols)
	if len(b.level1Counts) > 0 {
		st.Level1Counts = make(map[string]int, len(b.level1Counts))
		for k, v := range b.level1Counts {
			st.Level1Counts[k] = v
		}
	}
	if b.last != nil {
		t := *b.last
		st.LastTransition = &t
	}
	return st
}

func (b *Breaker) Level() models.BreakerLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.level
}

// AllowEntry reports whether a new position may be opened on symbol. Exits never consult this.
func (b *Breaker) AllowEntry(symbol string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch {
	case b.level >= models.BreakerLevel2:
		return fmt.Errorf("%w: %s", ErrEntryBlocked, b.level)
	case b.isBlockedLocked(symbol):
		return fmt.Errorf("%w: %s blocked at %s", ErrEntryBlocked, symbol, b.level)
	}
	return nil
}

func (b *Breaker) isBlockedLocked(symbol string) bool {
	_, ok := b.blocked[symbol]
	return ok
}

// ForceExit reports whether every open position must be evaluated for immediate exit.
func (b *Breaker) ForceExit() bool {
	return b.Level() == models.BreakerLevel3
}

// SetEquityAtOpen records the equity the daily loss limits are measured against.
func (b *Breaker) SetEquityAtOpen(eq float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if eq > 0 {
		b.equityAtOpen = eq
	}
}

// Report folds an automatic event into the state machine and returns the transition it caused, if any.
func (b *Breaker) Report(ctx context.Context, ev models.BreakerEvent) (models.BreakerTransition, bool) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.mu.Lock()
	b.rollSessionLocked(ev.Timestamp)

	target := models.BreakerArmed
	if ev.Loss > 0 {
		b.sessionLoss += ev.Loss
	}

	switch ev.Kind {
	case models.EventPositionLoss, models.EventRiskBreach:
		if ev.Symbol != "" {
			if !b.isBlockedLocked(ev.Symbol) {
				b.log.Warn("circuit breaker blocked symbol",
					logger.String("symbol", ev.Symbol),
					logger.String("kind", string(ev.Kind)),
					logger.String("metric", ev.Metric),
					logger.Float64("value", ev.Value),
					logger.Float64("threshold", ev.Threshold),
				)
			}
			b.blocked[ev.Symbol] = struct{}{}
			b.level1Counts[ev.Symbol]++
		}
		target = models.BreakerLevel1
		if b.limits.Level1Escalation > 0 && b.level1Counts[ev.Symbol] >= b.limits.Level1Escalation {
			target = models.BreakerLevel2
			ev.Detail = joinDetail(ev.Detail, fmt.Sprintf("%d level1 triggers on %s this session", b.level1Counts[ev.Symbol], ev.Symbol))
		}
	case models.EventExecutionFailure:
		b.execFailures++
		if b.limits.ExecFailureLimit > 0 && b.execFailures >= b.limits.ExecFailureLimit {
			target = models.BreakerLevel2
			ev.Detail = joinDetail(ev.Detail, fmt.Sprintf("%d execution failures this session", b.execFailures))
		}
	case models.EventRealizedLoss:
		// counts toward the session total only
	case models.EventDailyLoss:
		target = models.BreakerLevel2
	case models.EventPortfolioEmergency:
		target = models.BreakerLevel3
	default:
		b.mu.Unlock()
		b.log.Error("circuit breaker ignored non-automatic event", logger.String("kind", string(ev.Kind)))
		return models.BreakerTransition{}, false
	}

	if b.equityAtOpen > 0 {
		if lim := b.limits.DailyLossPct * b.equityAtOpen; b.sessionLoss >= lim && target < models.BreakerLevel2 {
			target = models.BreakerLevel2
			ev.Metric, ev.Value, ev.Threshold = "session_loss", b.sessionLoss, lim
		}
		if lim := b.limits.EmergencyDrawdownPct * b.equityAtOpen; b.sessionLoss >= lim && target < models.BreakerLevel3 {
			target = models.BreakerLevel3
			ev.Metric, ev.Value, ev.Threshold = "session_loss", b.sessionLoss, lim
		}
	}

	if target <= b.level {
		st := b.stateLocked()
		b.mu.Unlock()
		b.persist(ctx, st)
		return models.BreakerTransition{}, false
	}
	tr := b.moveLocked(target, ev)
	st := b.stateLocked()
	b.mu.Unlock()

	b.committed(ctx, tr, st)
	return tr, true
}

// CheckDrawdown escalates to Level3 when realized session loss plus the current unrealized loss
// reaches the emergency drawdown.
func (b *Breaker) CheckDrawdown(ctx context.Context, unrealizedLoss float64, at time.Time) (models.BreakerTransition, bool) {
	b.mu.RLock()
	eq, loss, lvl := b.equityAtOpen, b.sessionLoss, b.level
	b.mu.RUnlock()
	if eq <= 0 || lvl >= models.BreakerLevel3 || unrealizedLoss < 0 {
		return models.BreakerTransition{}, false
	}
	lim := b.limits.EmergencyDrawdownPct * eq
	if loss+unrealizedLoss < lim {
		return models.BreakerTransition{}, false
	}
	return b.Report(ctx, models.BreakerEvent{
		Kind:      models.EventPortfolioEmergency,
		Metric:    "drawdown",
		Value:     loss + unrealizedLoss,
		Threshold: lim,
		Timestamp: at,
	})
}

// Trip is the operator halt. It takes precedence over every automatic level.
func (b *Breaker) Trip(ctx context.Context, operator, reason string) (models.BreakerTransition, error) {
	if operator == "" {
		return models.BreakerTransition{}, ErrNotManual
	}
	ev := models.BreakerEvent{Kind: models.EventManualTrip, Detail: operator + ": " + reason, Timestamp: b.now()}

	b.mu.Lock()
	if b.level == models.BreakerManualHalt {
		b.mu.Unlock()
		return models.BreakerTransition{}, nil
	}
	tr := b.moveLocked(models.BreakerManualHalt, ev)
	st := b.stateLocked()
	b.mu.Unlock()

	b.committed(ctx, tr, st)
	return tr, nil
}

// Reset is the operator reset back to Armed from any level, including ManualHalt.
// Blocked symbols and per-symbol counters are cleared; the session loss is kept.
func (b *Breaker) Reset(ctx context.Context, operator, reason string) (models.BreakerTransition, error) {
	if operator == "" {
		return models.BreakerTransition{}, ErrNotManual
	}
	ev := models.BreakerEvent{Kind: models.EventOperatorReset, Detail: operator + ": " + reason, Timestamp: b.now()}

	b.mu.Lock()
	b.blocked = make(map[string]struct{})
	b.level1Counts = make(map[string]int)
	b.execFailures = 0
	if b.level == models.BreakerArmed {
		st := b.stateLocked()
		b.mu.Unlock()
		b.persist(ctx, st)
		return models.BreakerTransition{}, nil
	}
	tr := b.moveLocked(models.BreakerArmed, ev)
	st := b.stateLocked()
	b.mu.Unlock()

	b.committed(ctx, tr, st)
	return tr, nil
}

// CheckSession performs the scheduled reset once a new session has started.
func (b *Breaker) CheckSession(ctx context.Context, now time.Time) (models.BreakerTransition, bool) {
	if b.session == nil {
		return models.BreakerTransition{}, false
	}
	b.mu.Lock()
	start := b.session.SessionStart(now)
	if !start.After(b.sessionStart) {
		b.mu.Unlock()
		return models.BreakerTransition{}, false
	}
	tr, moved := b.sessionResetLocked(start, now)
	st := b.stateLocked()
	b.mu.Unlock()

	if moved {
		b.committed(ctx, tr, st)
	} else {
		b.persist(ctx, st)
	}
	return tr, moved
}

// rollSessionLocked clears session counters when an event arrives in a new session without a
// scheduled reset having run. The level is left to CheckSession.
func (b *Breaker) rollSessionLocked(at time.Time) {
	if b.session == nil {
		return
	}
	if start := b.session.SessionStart(at); start.After(b.sessionStart) {
		b.sessionStart = start
		b.sessionLoss = 0
		b.execFailures = 0
		b.level1Counts = make(map[string]int)
	}
}

// sessionResetLocked returns Level1-3 to Armed. ManualHalt survives; counters always reset.
func (b *Breaker) sessionResetLocked(start, now time.Time) (models.BreakerTransition, bool) {
	b.sessionStart = start
	b.sessionLoss = 0
	b.execFailures = 0
	b.level1Counts = make(map[string]int)
	b.blocked = make(map[string]struct{})

	if b.level == models.BreakerArmed || b.level == models.BreakerManualHalt {
		if b.level == models.BreakerManualHalt {
			b.log.Warn("session reset skipped: manual halt requires operator reset", logger.Time("session_start", start))
		}
		return models.BreakerTransition{}, false
	}
	ev := models.BreakerEvent{Kind: models.EventSessionReset, Detail: "session open", Timestamp: now}
	return b.moveLocked(models.BreakerArmed, ev), true
}

func (b *Breaker) moveLocked(to models.BreakerLevel, ev models.BreakerEvent) models.BreakerTransition {
	tr := models.BreakerTransition{From: b.level, To: to, Event: ev, At: ev.Timestamp}
	b.level = to
	if to == models.BreakerArmed {
		b.blocked = make(map[string]struct{})
	}
	b.last = &tr
	return tr
}

func (b *Breaker) committed(ctx context.Context, tr models.BreakerTransition, st models.BreakerState) {
	b.metrics.RecordBreakerLevel(tr.To)
	fields := []logger.Field{
		logger.String("from", tr.From.String()),
		logger.String("to", tr.To.String()),
		logger.String("kind", string(tr.Event.Kind)),
		logger.String("symbol", tr.Event.Symbol),
		logger.String("metric", tr.Event.Metric),
		logger.Float64("value", tr.Event.Value),
		logger.Float64("threshold", tr.Event.Threshold),
		logger.Float64("session_loss", st.SessionLoss),
		logger.String("detail", tr.Event.Detail),
		logger.Time("at", tr.At),
	}
	if tr.To > tr.From {
		b.log.Warn("circuit breaker transition", fields...)
	} else {
		b.log.Info("circuit breaker transition", fields...)
	}

	b.persist(ctx, st)
	for _, s := range b.subs {
		s(tr)
	}
}

func (b *Breaker) persist(ctx context.Context, st models.BreakerState) {
	if b.store == nil {
		return
	}
	if err := b.store.SaveBreaker(ctx, st); err != nil {
		b.metrics.RecordError("breaker_persist")
		b.log.Error("persist breaker state failed", logger.Error(err))
	}
}

// Restore loads persisted state at startup. A state from an earlier session keeps only a ManualHalt.
func (b *Breaker) Restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	st, err := b.store.LoadBreaker(ctx)
	if err != nil {
		return fmt.Errorf("load breaker state: %w", err)
	}
	if st == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.level = st.Level
	b.last = st.LastTransition
	b.sessionStart = st.SessionStart
	b.sessionLoss = st.SessionLoss
	b.execFailures = st.ExecFailures
	b.blocked = make(map[string]struct{}, len(st.BlockedSymbols))
	for _, s := range st.BlockedSymbols {
		b.blocked[s] = struct{}{}
	}
	b.level1Counts = make(map[string]int, len(st.Level1Counts))
	for k, v := range st.Level1Counts {
		b.level1Counts[k] = v
	}
	if b.session != nil {
		now := b.now()
		if start := b.session.SessionStart(now); start.After(b.sessionStart) {
			b.sessionResetLocked(start, now)
		}
	}
	b.metrics.RecordBreakerLevel(b.level)
	b.log.Info("circuit breaker restored",
		logger.String("level", b.level.String()),
		logger.Float64("session_loss", b.sessionLoss),
		logger.Time("session_start", b.sessionStart),
	)
	return nil
}

func joinDetail(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
