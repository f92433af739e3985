package usecase

import (
	"context"
	"errors"
	"time"

	"ZeroDTE/internal/domain/models"
	domrepo "ZeroDTE/internal/domain/repository"
	"ZeroDTE/internal/services/breaker"
	"ZeroDTE/internal/services/correlation"
	"ZeroDTE/internal/services/execution"
	"ZeroDTE/internal/services/regime"
	"ZeroDTE/internal/services/risk"
	"ZeroDTE/internal/services/signal"
	"ZeroDTE/internal/services/strategy"
	"ZeroDTE/pkg/logger"
)

// PipelineDeps are the stages a decision pipeline runs in order.
type PipelineDeps struct {
	Classifier  *regime.Classifier
	Correlation *correlation.Engine
	Signals     *signal.Generator
	Selector    *strategy.Selector
	Risk        *risk.Manager
	Breaker     *breaker.Breaker
	Execution   *execution.Coordinator
	Chains      domrepo.ChainProvider
	Account     domrepo.AccountState
	Sink        *EventSink
}

// DecisionPipeline evaluates one snapshot at a time so every decision sees a single consistent
// view of the market.
type DecisionPipeline struct {
	PipelineDeps
	symbols     []string
	callTimeout time.Duration
	metrics     domrepo.Metrics
	log         *logger.Logger
}

func NewDecisionPipeline(symbols []string, deps PipelineDeps, callTimeout time.Duration, metrics domrepo.Metrics, log *logger.Logger) *DecisionPipeline {
	if callTimeout <= 0 {
		callTimeout = 2 * time.Second
	}
	return &DecisionPipeline{
		PipelineDeps: deps,
		symbols:      append([]string(nil), symbols...),
		callTimeout:  callTimeout,
		metrics:      metrics,
		log:          log,
	}
}

// Run consumes snapshots until the channel closes or ctx is cancelled.
func (p *DecisionPipeline) Run(ctx context.Context, snaps <-chan *models.Snapshot) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			if err := p.Process(ctx, snap); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Error("snapshot abandoned",
					logger.Uint64("seq", snap.Seq),
					logger.Bool("invariant", models.IsInvariant(err)),
					logger.Error(err),
				)
			}
		}
	}
}

// Process runs every stage for one snapshot. An invariant failure abandons the snapshot.
func (p *DecisionPipeline) Process(ctx context.Context, snap *models.Snapshot) error {
	start := time.Now()
	defer func() { p.metrics.RecordLatency("pipeline_snapshot", time.Since(start).Seconds()) }()

	if snap == nil {
		return models.NewInvariantError("pipeline", "nil snapshot")
	}
	if err := snap.Covers(p.symbols); err != nil {
		p.metrics.RecordError("invariant")
		return err
	}

	if snap.Vol != nil {
		p.Classifier.Observe(*snap.Vol)
	}
	state := p.Classifier.Current()

	for _, ev := range p.Correlation.Update(snap, state.Regime) {
		if p.Sink != nil {
			p.Sink.Divergence(ev)
		}
	}

	p.Execution.ManagePositions(ctx, snap.Timestamp)

	if !state.Initialized {
		p.log.Debug("signals held until the first volatility reading", logger.Uint64("seq", snap.Seq))
		return nil
	}

	matrix := p.Correlation.Matrix()
	for _, sig := range p.Signals.Generate(ctx, snap, state, matrix) {
		if p.Sink != nil {
			p.Sink.Signal(sig)
		}
		if err := p.enter(ctx, sig, matrix); err != nil {
			if models.IsInvariant(err) {
				p.metrics.RecordError("invariant")
				p.log.Error("entry abandoned", logger.String("signal_id", sig.ID), logger.Bool("invariant", true), logger.Error(err))
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}

// enter takes one signal through strategy selection, risk and dispatch. Declines are logged and
// returned; they never stop the snapshot.
func (p *DecisionPipeline) enter(ctx context.Context, sig models.Signal, matrix models.CorrelationMatrix) error {
	if err := p.Breaker.AllowEntry(sig.Symbol); err != nil {
		p.metrics.RecordSignal(sig.Symbol, "blocked")
		p.log.Info("signal not acted on", logger.String("signal_id", sig.ID), logger.String("symbol", sig.Symbol), logger.Error(err))
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	chain, err := p.Chains.Chain(cctx, sig.Symbol)
	cancel()
	if err != nil {
		p.metrics.RecordError("chain_fetch")
		p.log.Warn("option chain unavailable", logger.String("symbol", sig.Symbol), logger.Error(err))
		return err
	}

	order, err := p.Selector.Select(sig, chain)
	if err != nil {
		p.metrics.RecordSignal(sig.Symbol, "no_strategy")
		p.log.Info("no strategy for signal",
			logger.String("signal_id", sig.ID),
			logger.String("symbol", sig.Symbol),
			logger.String("bias", string(sig.Bias)),
			logger.String("regime", sig.Regime.String()),
			logger.Error(err),
		)
		return err
	}

	book, err := p.book(ctx)
	if err != nil {
		p.metrics.RecordError("account_fetch")
		p.log.Warn("account state unavailable, entry skipped", logger.String("order_id", order.ID), logger.Error(err))
		return err
	}

	decision, err := p.Risk.Evaluate(order, book, matrix)
	if err != nil {
		return err
	}
	if p.Sink != nil {
		p.Sink.Decision(decision)
	}
	if !decision.Approved() {
		return nil
	}

	if err := p.Execution.Dispatch(ctx, decision); err != nil {
		p.log.Warn("dispatch declined", logger.String("order_id", decision.Order.ID), logger.Error(err))
		return err
	}
	p.Signals.Consume(sig.Symbol, sig.ID)
	p.metrics.RecordSignal(sig.Symbol, "dispatched")
	return nil
}

// book merges the external account view with positions the coordinator opened itself.
func (p *DecisionPipeline) book(ctx context.Context) (risk.Book, error) {
	cctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	acct, err := p.Account.Account(cctx)
	if err != nil {
		return risk.Book{}, err
	}
	if acct.EquityAtOpen > 0 {
		p.Breaker.SetEquityAtOpen(acct.EquityAtOpen)
	}

	own := p.Execution.OpenPositions()
	seen := make(map[string]struct{}, len(own))
	positions := make([]models.Position, 0, len(own)+len(acct.Positions))
	for _, pos := range own {
		seen[pos.ID] = struct{}{}
		seen[pos.OrderID] = struct{}{}
		positions = append(positions, pos)
	}
	for _, pos := range acct.Positions {
		if _, ok := seen[pos.ID]; ok {
			continue
		}
		if _, ok := seen[pos.OrderID]; ok && pos.OrderID != "" {
			continue
		}
		positions = append(positions, pos)
	}
	return risk.Book{Account: *acct, Positions: positions}, nil
}
