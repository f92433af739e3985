package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/internal/domain/repository"
	"ZeroDTE/internal/service/ratelimit"
	"ZeroDTE/pkg/logger"
)

var (
	ErrNotApproved     = errors.New("risk decision not approved")
	ErrSignalExpired   = errors.New("signal expired before dispatch")
	ErrPastTimeExit    = errors.New("order is past its time exit")
	ErrDuplicateOrder  = errors.New("order already dispatched")
	ErrRejected        = errors.New("intent rejected")
	ErrSubmitFailed    = errors.New("gateway submission failed")
	ErrFillTimeout     = errors.New("fill timeout")
	ErrUnknownPosition = errors.New("unknown position")
	ErrNotOpen         = errors.New("position is not open")
)

// Breaker is the part of the circuit breaker the coordinator consults and feeds.
type Breaker interface {
	AllowEntry(symbol string) error
	ForceExit() bool
	Report(ctx context.Context, ev models.BreakerEvent) (models.BreakerTransition, bool)
	CheckDrawdown(ctx context.Context, unrealizedLoss float64, at time.Time) (models.BreakerTransition, bool)
}

type OrderListener func(models.OrderRecord)

type PositionListener func(models.Position)

type Option func(*Coordinator)

// WithMultiLeg allows combo intents when the gateway supports them.
func WithMultiLeg(enabled bool) Option {
	return func(c *Coordinator) { c.multiLeg = enabled }
}

// WithTimeouts bounds a single gateway submission, the wait for fills and the unwind of partial fills.
func WithTimeouts(submit, fill, unwind time.Duration) Option {
	return func(c *Coordinator) {
		if submit > 0 {
			c.submitTimeout = submit
		}
		if fill > 0 {
			c.fillTimeout = fill
		}
		if unwind > 0 {
			c.unwindTimeout = unwind
		}
	}
}

// WithChainTimeout bounds each option chain fetch made while marking positions.
func WithChainTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.chainTimeout = d
		}
	}
}

// WithRetries sets how many times an ambiguous submission is retried under the same key.
func WithRetries(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.retries = n
		}
	}
}

func WithIdempotencyTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.idemTTL = d
		}
	}
}

// WithPacing limits gateway submissions to perSec with bursts of burst.
func WithPacing(l *ratelimit.Limiter, perSec, burst float64) Option {
	return func(c *Coordinator) {
		c.limiter = l
		c.perSec = perSec
		c.burst = burst
	}
}

// WithPositionLossPct sets the loss, as a fraction of premium basis, that reports a single-position breach.
func WithPositionLossPct(p float64) Option {
	return func(c *Coordinator) {
		if p > 0 {
			c.positionLossPct = p
		}
	}
}

func WithOrderListener(l OrderListener) Option {
	return func(c *Coordinator) { c.orderListeners = append(c.orderListeners, l) }
}

func WithPositionListener(l PositionListener) Option {
	return func(c *Coordinator) { c.positionListeners = append(c.positionListeners, l) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator turns approved orders into gateway intents and reconciles fills into positions.
type Coordinator struct {
	gw     repository.ExecutionGateway
	idem   repository.IdempotencyStore
	chains repository.ChainProvider
	gate   Breaker

	multiLeg        bool
	submitTimeout   time.Duration
	fillTimeout     time.Duration
	unwindTimeout   time.Duration
	chainTimeout    time.Duration
	idemTTL         time.Duration
	retries         int
	limiter         *ratelimit.Limiter
	perSec          float64
	burst           float64
	positionLossPct float64

	orderListeners    []OrderListener
	positionListeners []PositionListener
	now               func() time.Time
	metrics           repository.Metrics
	log               *logger.Logger

	book *PositionBook

	mu      sync.RWMutex
	tracks  map[string]*orderTrack
	order   []string
	keys    map[string]keyRef
	closing map[string]*orderTrack

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func NewCoordinator(
	gw repository.ExecutionGateway,
	idem repository.IdempotencyStore,
	chains repository.ChainProvider,
	gate Breaker,
	metrics repository.Metrics,
	log *logger.Logger,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		gw:              gw,
		idem:            idem,
		chains:          chains,
		gate:            gate,
		multiLeg:        true,
		submitTimeout:   3 * time.Second,
		fillTimeout:     30 * time.Second,
		unwindTimeout:   10 * time.Second,
		chainTimeout:    2 * time.Second,
		idemTTL:         24 * time.Hour,
		retries:         2,
		positionLossPct: 1.0,
		now:             time.Now,
		metrics:         metrics,
		log:             log,
		book:            NewPositionBook(),
		tracks:          make(map[string]*orderTrack),
		keys:            make(map[string]keyRef),
		closing:         make(map[string]*orderTrack),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.root, c.stop = context.WithCancel(context.Background())
	return c
}

func (c *Coordinator) Book() *PositionBook { return c.book }

// Close waits for in-flight lifecycles until ctx expires, then abandons them.
func (c *Coordinator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() { c.wg.Wait(); close(done) }()
	select {
	case <-done:
		c.stop()
		return nil
	case <-ctx.Done():
		c.stop()
		return fmt.Errorf("execution shutdown: %w", ctx.Err())
	}
}

// Dispatch validates an approved decision immediately before submission and starts the order
// lifecycle in the background. Expired or blocked orders are discarded, never submitted.
func (c *Coordinator) Dispatch(ctx context.Context, d models.RiskDecision) error {
	if !d.Approved() {
		return ErrNotApproved
	}
	o := d.Order
	now := c.now()
	if err := o.Validate(); err != nil {
		return models.NewInvariantError("execution", "dispatch of invalid order %s: %v", o.ID, err)
	}
	if reason := c.entryCheck(o, now); reason != nil {
		c.discard(o, reason, now)
		return reason
	}

	combo := c.multiLeg && len(o.Legs) > 1 && c.gw.SupportsMultiLeg()
	intents, legs := openIntents(o, combo, now)
	t := newOrderTrack(trackOpen, *o, now)
	t.riskVaR = d.Metrics.PositionVaR
	t.sector = d.Metrics.Sector
	for i, in := range intents {
		t.intents = append(t.intents, newIntentTrack(in, legs[i]))
	}

	c.mu.Lock()
	if _, dup := c.tracks[o.ID]; dup {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	c.registerLocked(o.ID, t)
	for _, it := range t.intents {
		c.keys[it.state.Intent.IdempotencyKey] = keyRef{track: t, intent: it}
	}
	c.mu.Unlock()

	c.metrics.RecordOrder(models.OrderPending)
	c.log.Info("order dispatched",
		logger.String("order_id", o.ID),
		logger.String("symbol", o.Symbol),
		logger.String("type", string(o.Type)),
		logger.Int("quantity", o.Quantity),
		logger.Bool("combo", combo),
		logger.Int("intents", len(intents)),
	)

	c.wg.Add(1)
	go c.runOpen(t)
	return nil
}

func (c *Coordinator) entryCheck(o *models.StrategyOrder, now time.Time) error {
	if !o.SignalExpiresAt.IsZero() && !now.Before(o.SignalExpiresAt) {
		return fmt.Errorf("%w: order %s", ErrSignalExpired, o.ID)
	}
	if !now.Before(o.Exits.TimeExit) {
		return fmt.Errorf("%w: order %s", ErrPastTimeExit, o.ID)
	}
	return c.gate.AllowEntry(o.Symbol)
}

func (c *Coordinator) registerLocked(id string, t *orderTrack) {
	c.tracks[id] = t
	c.order = append(c.order, id)
}

func (c *Coordinator) discard(o *models.StrategyOrder, reason error, now time.Time) {
	t := newOrderTrack(trackOpen, *o, now)
	t.rec.Status = models.OrderDiscarded
	t.rec.Error = reason.Error()
	t.terminal = true

	c.mu.Lock()
	if _, dup := c.tracks[o.ID]; !dup {
		c.registerLocked(o.ID, t)
	}
	c.mu.Unlock()

	c.metrics.RecordOrder(models.OrderDiscarded)
	c.log.Warn("order discarded before submission", logger.String("order_id", o.ID), logger.String("symbol", o.Symbol), logger.Error(reason))
	c.emitOrder(t.recordLocked(now))
}

// runOpen submits the intents in sequence. Per-leg orders wait for each leg to fill before
// sending the next so a short leg is never sent ahead of its cover.
func (c *Coordinator) runOpen(t *orderTrack) {
	defer c.wg.Done()
	ctx := c.root

	timer := time.NewTimer(c.fillTimeout)
	defer timer.Stop()

	for i, it := range t.intents {
		if i == 0 {
			t.mu.Lock()
			o := t.rec.Order
			t.mu.Unlock()
			if err := c.entryCheck(&o, c.now()); err != nil {
				c.finish(t, models.OrderDiscarded, err)
				return
			}
			c.setStatus(t, models.OrderWorking)
		}
		if err := c.submit(ctx, t, it); err != nil {
			c.fail(t, err)
			return
		}
		if err := c.await(ctx, t, timer.C, []*intentTrack{it}); err != nil {
			c.fail(t, err)
			return
		}
	}
	c.opened(t)
}

func (c *Coordinator) setStatus(t *orderTrack, s models.OrderStatus) {
	t.mu.Lock()
	t.rec.Status = s
	rec := t.recordLocked(c.now())
	t.mu.Unlock()
	c.metrics.RecordOrder(s)
	c.emitOrder(rec)
}

func (c *Coordinator) finish(t *orderTrack, s models.OrderStatus, cause error) {
	t.mu.Lock()
	t.terminal = true
	t.rec.Status = s
	if cause != nil {
		t.rec.Error = cause.Error()
	}
	rec := t.recordLocked(c.now())
	t.mu.Unlock()
	c.metrics.RecordOrder(s)
	c.emitOrder(rec)
}

// submit reserves the idempotency key and sends the intent, retrying ambiguous failures
// under the same key. A key that is already reserved is never sent again.
func (c *Coordinator) submit(ctx context.Context, t *orderTrack, it *intentTrack) error {
	in := it.state.Intent
	key := in.IdempotencyKey

	fresh, err := c.idem.Reserve(ctx, key, c.idemTTL)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", key, err)
	}
	if !fresh {
		c.log.Warn("intent already submitted, awaiting gateway events", logger.String("key", key))
		t.mu.Lock()
		if it.state.Status == models.IntentPending {
			it.state.Status = models.IntentWorking
		}
		t.mu.Unlock()
		return nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, "gateway", c.burst, c.perSec); err != nil {
			return fmt.Errorf("pace %s: %w", key, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
		ack, err := c.gw.Submit(sctx, in)
		cancel()
		c.metrics.RecordLatency("gateway_submit", time.Since(start).Seconds())

		if err == nil {
			t.mu.Lock()
			if ack.BrokerOrderID != "" {
				it.state.BrokerID = ack.BrokerOrderID
			}
			if !ack.Accepted {
				it.state.Status = models.IntentRejected
				it.state.Reason = ack.Reason
				t.mu.Unlock()
				return fmt.Errorf("%w: %s: %s", ErrRejected, key, ack.Reason)
			}
			if it.state.Status == models.IntentPending {
				it.state.Status = models.IntentWorking
			}
			t.mu.Unlock()
			t.poke()
			return nil
		}

		lastErr = err
		c.metrics.RecordError("gateway_submit")
		c.log.Warn("gateway submission failed",
			logger.String("key", key),
			logger.Int("attempt", attempt+1),
			logger.Error(err),
		)
		select {
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrSubmitFailed, key, lastErr)
}

// await blocks until every intent is filled, one is rejected or cancelled, or the deadline passes.
func (c *Coordinator) await(ctx context.Context, t *orderTrack, deadline <-chan time.Time, its []*intentTrack) error {
	for {
		t.mu.Lock()
		done := true
		var failed error
		for _, it := range its {
			switch {
			case it.filled():
			case it.dead():
				failed = fmt.Errorf("%w: %s %s %s", ErrRejected, it.state.Intent.IdempotencyKey, it.state.Status, it.state.Reason)
			default:
				done = false
			}
		}
		t.mu.Unlock()

		if failed != nil {
			return failed
		}
		if done {
			return nil
		}
		select {
		case <-t.notify:
		case <-deadline:
			return ErrFillTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type legFill struct {
	leg int
	qty int
}

// fail cancels working intents, unwinds whatever filled and reports the order failed.
// No position is created for a failed order.
func (c *Coordinator) fail(t *orderTrack, cause error) {
	t.mu.Lock()
	t.terminal = true
	var working []string
	var fills []legFill
	for _, it := range t.intents {
		if it.open() {
			working = append(working, it.state.Intent.IdempotencyKey)
		}
		if qty, _ := it.unsettled(); qty > 0 {
			fills = append(fills, legFill{leg: it.leg, qty: qty})
		}
	}
	o := t.rec.Order
	t.mu.Unlock()

	c.cancelAll(working)
	unwindErr := c.unwind(t, fills, "")

	t.mu.Lock()
	t.rec.Status = models.OrderFailed
	t.rec.Error = cause.Error()
	if unwindErr != nil {
		t.rec.Error += "; unwind incomplete: " + unwindErr.Error()
	}
	rec := t.recordLocked(c.now())
	t.mu.Unlock()

	c.metrics.RecordOrder(models.OrderFailed)
	c.log.Error("order failed",
		logger.String("order_id", o.ID),
		logger.String("symbol", o.Symbol),
		logger.Int("unwound_legs", len(fills)),
		logger.Error(cause),
	)
	c.emitOrder(rec)

	ctx := c.root
	c.gate.Report(ctx, models.BreakerEvent{
		Kind:   models.EventExecutionFailure,
		Symbol: o.Symbol,
		Metric: "order_failed",
		Detail: cause.Error(),
	})
	if unwindErr != nil {
		c.log.Error("partial fill left open after unwind timeout",
			logger.String("order_id", o.ID),
			logger.Error(unwindErr),
		)
		c.gate.Report(ctx, models.BreakerEvent{
			Kind:   models.EventRiskBreach,
			Symbol: o.Symbol,
			Metric: "unwind_incomplete",
			Detail: unwindErr.Error(),
		})
	}
}

func (c *Coordinator) cancelAll(keys []string) {
	for _, key := range keys {
		ctx, cancel := context.WithTimeout(c.root, c.submitTimeout)
		if err := c.gw.Cancel(ctx, key); err != nil {
			c.metrics.RecordError("gateway_cancel")
			c.log.Warn("cancel intent failed", logger.String("key", key), logger.Error(err))
		}
		cancel()
	}
}

// unwind reverses filled quantities and waits for them to fill within the unwind timeout.
func (c *Coordinator) unwind(t *orderTrack, fills []legFill, suffix string) error {
	if len(fills) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(c.root, c.unwindTimeout)
	defer cancel()

	now := c.now()
	t.mu.Lock()
	o := t.rec.Order
	uts := make([]*intentTrack, 0, len(fills))
	for _, f := range fills {
		key := unwindKey(o.ID, f.leg) + suffix
		in := reverseIntent(key, o.ID, o.Symbol, models.PurposeUnwind, o.Legs, f.leg, f.qty, now)
		ut := newIntentTrack(in, f.leg)
		t.unwinds = append(t.unwinds, ut)
		uts = append(uts, ut)
	}
	t.mu.Unlock()

	c.mu.Lock()
	for _, ut := range uts {
		c.keys[ut.state.Intent.IdempotencyKey] = keyRef{track: t, intent: ut, unwind: true}
	}
	c.mu.Unlock()

	c.log.Warn("unwinding filled legs", logger.String("order_id", o.ID), logger.Int("intents", len(uts)))
	for _, ut := range uts {
		if err := c.submit(ctx, t, ut); err != nil {
			return err
		}
	}
	return c.await(ctx, t, nil, uts)
}

// opened converts a fully filled order into a position.
func (c *Coordinator) opened(t *orderTrack) {
	now := c.now()
	t.mu.Lock()
	o := t.rec.Order
	entry := 0.0
	legOpen := make([]int, len(o.Legs))
	for _, it := range t.intents {
		qty, notional := it.unsettled()
		if qty == 0 {
			continue
		}
		avg, _ := notional.Div(decimal.NewFromInt(int64(qty))).Float64()
		if it.leg < 0 {
			// combo fills are reported as the signed net price per unit
			entry += avg
			for i, l := range o.Legs {
				legOpen[i] = qty * l.Ratio
			}
			continue
		}
		l := o.Legs[it.leg]
		entry += l.Side.Sign() * avg * float64(l.Ratio)
		legOpen[it.leg] = qty
	}

	pos := models.Position{
		ID:        uuid.NewString(),
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Sector:    t.sector,
		Type:      o.Type,
		Legs:      append([]models.OptionLeg(nil), o.Legs...),
		Quantity:  o.Quantity,
		EntryCost: entry,
		Mark:      entry,
		MaxLoss:   o.MaxLoss(),
		VaR:       t.riskVaR,
		Exits:     o.Exits,
		Status:    models.PositionOpen,
		OpenedAt:  now,
		MarkedAt:  now,
	}
	c.book.add(pos, legOpen)

	t.terminal = true
	t.rec.Status = models.OrderFilled
	t.rec.PositionID = pos.ID
	rec := t.recordLocked(now)
	t.mu.Unlock()

	c.metrics.RecordOrder(models.OrderFilled)
	c.log.Info("position opened",
		logger.String("position_id", pos.ID),
		logger.String("order_id", o.ID),
		logger.String("symbol", pos.Symbol),
		logger.String("type", string(pos.Type)),
		logger.Int("quantity", pos.Quantity),
		logger.Float64("entry_cost", pos.EntryCost),
	)
	c.emitOrder(rec)
	c.emitPosition(pos)
}

// HandleEvent reconciles one asynchronous gateway event. Duplicate executions are ignored and
// fills never exceed the intent quantity.
func (c *Coordinator) HandleEvent(ctx context.Context, ev models.ExecutionEvent) error {
	c.mu.RLock()
	ref, ok := c.keys[ev.IdempotencyKey]
	c.mu.RUnlock()
	if !ok {
		c.metrics.RecordError("exec_unknown_key")
		c.log.Warn("execution event for unknown intent", logger.String("key", ev.IdempotencyKey), logger.String("type", string(ev.Type)))
		return nil
	}

	t := ref.track
	t.mu.Lock()
	added, fresh := ref.intent.apply(ev)
	if !fresh {
		t.mu.Unlock()
		c.metrics.RecordError("exec_duplicate")
		return nil
	}
	late := t.terminal && added > 0 && !ref.unwind
	var settle []closeFill
	var suffix string
	if late {
		qty, n := ref.intent.unsettled()
		settle = append(settle, closeFill{leg: ref.intent.leg, qty: qty, notional: n})
		t.lateFills++
		suffix = fmt.Sprintf(":late%d", t.lateFills)
	}
	rec := t.recordLocked(c.now())
	t.mu.Unlock()
	t.poke()

	c.log.Debug("execution event",
		logger.String("key", ev.IdempotencyKey),
		logger.String("type", string(ev.Type)),
		logger.Int("filled", added),
		logger.String("exec_id", ev.ExecID),
	)

	c.emitOrder(rec)

	switch {
	case late && t.kind == trackOpen:
		c.log.Warn("fill after order failed, unwinding", logger.String("key", ev.IdempotencyKey), logger.Int("qty", added))
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.unwind(t, []legFill{{leg: settle[0].leg, qty: settle[0].qty}}, suffix); err != nil {
				c.log.Error("late fill unwind failed", logger.String("key", ev.IdempotencyKey), logger.Error(err))
				c.gate.Report(c.root, models.BreakerEvent{
					Kind:   models.EventRiskBreach,
					Symbol: rec.Order.Symbol,
					Metric: "unwind_incomplete",
					Detail: err.Error(),
				})
			}
		}()
	case late && t.kind == trackClose:
		c.settleClose(ctx, t, settle)
	}
	return nil
}

// Orders returns every order record in dispatch order.
func (c *Coordinator) Orders() []models.OrderRecord {
	c.mu.RLock()
	ts := make([]*orderTrack, 0, len(c.order))
	for _, id := range c.order {
		ts = append(ts, c.tracks[id])
	}
	c.mu.RUnlock()

	now := c.now()
	out := make([]models.OrderRecord, 0, len(ts))
	for _, t := range ts {
		t.mu.Lock()
		out = append(out, t.recordLocked(now))
		t.mu.Unlock()
	}
	return out
}

func (c *Coordinator) Order(id string) (models.OrderRecord, bool) {
	c.mu.RLock()
	t, ok := c.tracks[id]
	c.mu.RUnlock()
	if !ok {
		return models.OrderRecord{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordLocked(c.now()), true
}

func (c *Coordinator) emitOrder(rec models.OrderRecord) {
	for _, l := range c.orderListeners {
		l(rec)
	}
}

func (c *Coordinator) emitPosition(p models.Position) {
	for _, l := range c.positionListeners {
		l(p)
	}
}
