package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/pkg/logger"
)

// exitReason picks the first exit condition that holds. A forced exit outranks the others.
func exitReason(p models.Position, forced bool, now time.Time) models.ExitReason {
	if forced {
		return models.ExitForced
	}
	if !p.Exits.TimeExit.IsZero() && !now.Before(p.Exits.TimeExit) {
		return models.ExitTime
	}
	basis := p.PremiumBasis()
	if basis <= 0 {
		return ""
	}
	switch {
	case p.Exits.ProfitTargetPct > 0 && p.UnrealizedPnL >= p.Exits.ProfitTargetPct*basis:
		return models.ExitProfitTarget
	case p.Exits.StopLossPct > 0 && p.UnrealizedPnL <= -p.Exits.StopLossPct*basis:
		return models.ExitStopLoss
	}
	return ""
}

// ManagePositions marks every open position, starts exits whose conditions hold and retries
// closes that previously failed. Exits are never gated by the breaker. It returns the number of
// closes started.
func (c *Coordinator) ManagePositions(ctx context.Context, now time.Time) int {
	open := c.book.Open()
	if len(open) == 0 {
		return 0
	}
	forced := c.gate.ForceExit()

	chains := make(map[string]*models.OptionChain)
	for _, p := range open {
		if _, ok := chains[p.Symbol]; ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, c.chainTimeout)
		ch, err := c.chains.Chain(cctx, p.Symbol)
		cancel()
		if err != nil {
			c.metrics.RecordError("chain_fetch")
			c.log.Warn("chain unavailable for position marks", logger.String("symbol", p.Symbol), logger.Error(err))
		}
		chains[p.Symbol] = ch
	}

	started := 0
	unrealized := 0.0
	for _, p := range open {
		s, ok := c.book.slot(p.ID)
		if !ok {
			continue
		}
		pos := s.mark(chains[p.Symbol], now)
		if pos.UnrealizedPnL < 0 {
			unrealized -= pos.UnrealizedPnL
		}

		if -pos.UnrealizedPnL > pos.MaxLoss && pos.MaxLoss > 0 && s.flagBreach() {
			c.gate.Report(ctx, models.BreakerEvent{
				Kind:      models.EventRiskBreach,
				Symbol:    pos.Symbol,
				Metric:    "position_loss_over_max",
				Value:     -pos.UnrealizedPnL,
				Threshold: pos.MaxLoss,
				Detail:    "position " + pos.ID,
				Timestamp: now,
			})
		}

		switch pos.Status {
		case models.PositionOpen:
			reason := exitReason(pos, forced, now)
			if reason == "" {
				continue
			}
			if cp, legOpen, attempt, ok := s.beginClose(reason); ok {
				c.startClose(s, cp, legOpen, attempt)
				started++
			}
		case models.PositionClosing:
			if c.closeInFlight(pos.ID) {
				continue
			}
			if cp, legOpen, attempt, ok := s.retryClose(); ok {
				c.log.Warn("retrying position close", logger.String("position_id", cp.ID), logger.Int("attempt", attempt))
				c.startClose(s, cp, legOpen, attempt)
				started++
			}
		}
	}

	c.gate.CheckDrawdown(ctx, unrealized, now)
	return started
}

// ClosePosition is the operator exit.
func (c *Coordinator) ClosePosition(ctx context.Context, id string, reason models.ExitReason) error {
	s, ok := c.book.slot(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, id)
	}
	if reason == "" {
		reason = models.ExitOperator
	}
	pos, legOpen, attempt, ok := s.beginClose(reason)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, id)
	}
	c.log.Info("position close requested", logger.String("position_id", id), logger.String("reason", string(reason)))
	c.startClose(s, pos, legOpen, attempt)
	return nil
}

func (c *Coordinator) closeInFlight(positionID string) bool {
	c.mu.RLock()
	t, ok := c.closing[positionID]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.terminal
}

// closeIntents reverses what is still open: the whole combination when nothing has been closed
// yet, otherwise leg by leg with short legs bought back first.
func (c *Coordinator) closeIntents(pos models.Position, legOpen []int, attempt int, now time.Time) ([]models.OrderIntent, []int) {
	full := true
	for i, l := range pos.Legs {
		if legOpen[i] != pos.Quantity*l.Ratio {
			full = false
		}
	}
	if full && len(pos.Legs) > 1 && c.multiLeg && c.gw.SupportsMultiLeg() {
		in := reverseIntent(closeKey(pos.ID, attempt, -1), pos.OrderID, pos.Symbol, models.PurposeClose, pos.Legs, -1, pos.Quantity, now)
		return []models.OrderIntent{in}, []int{-1}
	}

	var intents []models.OrderIntent
	var legs []int
	for _, i := range protective(pos.Legs, models.SideSell) {
		if legOpen[i] <= 0 {
			continue
		}
		intents = append(intents, reverseIntent(closeKey(pos.ID, attempt, i), pos.OrderID, pos.Symbol, models.PurposeClose, pos.Legs, i, legOpen[i], now))
		legs = append(legs, i)
	}
	return intents, legs
}

func (c *Coordinator) startClose(s *slot, pos models.Position, legOpen []int, attempt int) {
	now := c.now()
	intents, legs := c.closeIntents(pos, legOpen, attempt, now)

	o := models.StrategyOrder{
		ID:       fmt.Sprintf("%s:close%d", pos.ID, attempt),
		ParentID: pos.OrderID,
		Symbol:   pos.Symbol,
		Type:     pos.Type,
		Legs:     pos.Legs,
		Quantity: pos.Quantity,
		Exits:    pos.Exits,
	}
	t := newOrderTrack(trackClose, o, now)
	t.positionID = pos.ID
	for i, in := range intents {
		t.intents = append(t.intents, newIntentTrack(in, legs[i]))
	}

	c.mu.Lock()
	c.registerLocked(o.ID, t)
	for _, it := range t.intents {
		c.keys[it.state.Intent.IdempotencyKey] = keyRef{track: t, intent: it}
	}
	c.closing[pos.ID] = t
	c.mu.Unlock()

	c.log.Info("closing position",
		logger.String("position_id", pos.ID),
		logger.String("symbol", pos.Symbol),
		logger.String("reason", string(pos.CloseReason)),
		logger.Int("attempt", attempt),
		logger.Int("intents", len(intents)),
	)
	c.emitPosition(pos)

	c.wg.Add(1)
	go c.runClose(t, s)
}

func (c *Coordinator) runClose(t *orderTrack, s *slot) {
	defer c.wg.Done()
	ctx := c.root
	c.setStatus(t, models.OrderWorking)

	timer := time.NewTimer(c.fillTimeout)
	defer timer.Stop()

	var err error
	for _, it := range t.intents {
		if err = c.submit(ctx, t, it); err != nil {
			break
		}
	}
	if err == nil {
		err = c.await(ctx, t, timer.C, t.intents)
	}

	t.mu.Lock()
	var working []string
	if err != nil {
		for _, it := range t.intents {
			if it.open() {
				working = append(working, it.state.Intent.IdempotencyKey)
			}
		}
	}
	t.terminal = true
	fills := make([]closeFill, 0, len(t.intents))
	for _, it := range t.intents {
		if qty, n := it.unsettled(); qty > 0 {
			fills = append(fills, closeFill{leg: it.leg, qty: qty, notional: n})
		}
	}
	t.mu.Unlock()

	c.cancelAll(working)
	pos, closed := s.applyClose(fills, c.now())

	if err == nil && !closed {
		err = errors.New("close filled but contracts remain open")
	}
	if err != nil {
		c.finish(t, models.OrderFailed, err)
		c.log.Error("position close failed",
			logger.String("position_id", t.positionID),
			logger.Int("settled_intents", len(fills)),
			logger.Error(err),
		)
		c.gate.Report(ctx, models.BreakerEvent{
			Kind:   models.EventExecutionFailure,
			Symbol: pos.Symbol,
			Metric: "close_failed",
			Detail: err.Error(),
		})
	} else {
		c.finish(t, models.OrderFilled, nil)
	}
	if closed {
		c.closed(ctx, pos)
	}
}

// settleClose books fills that arrived after their close attempt ended.
func (c *Coordinator) settleClose(ctx context.Context, t *orderTrack, fills []closeFill) {
	s, ok := c.book.slot(t.positionID)
	if !ok {
		return
	}
	if pos, closed := s.applyClose(fills, c.now()); closed {
		c.closed(ctx, pos)
	}
}

// closed feeds the realized result to the breaker and announces the position.
func (c *Coordinator) closed(ctx context.Context, pos models.Position) {
	c.log.Info("position closed",
		logger.String("position_id", pos.ID),
		logger.String("symbol", pos.Symbol),
		logger.String("reason", string(pos.CloseReason)),
		logger.Float64("realized_pnl", pos.RealizedPnL),
	)

	if loss := -pos.RealizedPnL; loss > 0 {
		lim := c.positionLossPct * pos.PremiumBasis()
		ev := models.BreakerEvent{
			Kind:      models.EventRealizedLoss,
			Symbol:    pos.Symbol,
			Metric:    "realized_loss",
			Value:     loss,
			Threshold: lim,
			Loss:      loss,
			Detail:    "position " + pos.ID,
			Timestamp: pos.ClosedAt,
		}
		if pos.CloseReason == models.ExitStopLoss || loss >= lim {
			ev.Kind = models.EventPositionLoss
		}
		c.gate.Report(ctx, ev)
	}
	c.emitPosition(pos)
}

func (c *Coordinator) Positions() []models.Position { return c.book.List() }

func (c *Coordinator) OpenPositions() []models.Position { return c.book.Open() }

func (c *Coordinator) Position(id string) (models.Position, bool) { return c.book.Get(id) }
