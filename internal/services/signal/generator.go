package signal

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/internal/domain/repository"
	"ZeroDTE/internal/domain/service"
	"ZeroDTE/internal/services/features"
	"ZeroDTE/pkg/logger"
)

// Hinter proposes a strategy for a bias under a regime. StrategyNone suppresses the candidate.
type Hinter func(models.Bias, models.Regime) models.StrategyType

type Option func(*Generator)

func WithWeights(w map[models.Regime]Weights) Option {
	return func(g *Generator) {
		for r, v := range w {
			g.weights[r] = v
		}
	}
}

// WithMinConfidence sets the per-regime emission threshold.
func WithMinConfidence(m map[models.Regime]float64) Option {
	return func(g *Generator) {
		for r, v := range m {
			g.minConfidence[r] = v
		}
	}
}

func WithRegimeScore(m map[models.Regime]float64) Option {
	return func(g *Generator) {
		for r, v := range m {
			g.regimeScore[r] = v
		}
	}
}

// WithReplaceMargin sets how much more confident a candidate must be to supersede an active signal.
func WithReplaceMargin(m float64) Option {
	return func(g *Generator) { g.replaceMargin = m }
}

func WithValidity(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.validity = d
		}
	}
}

// WithMomentum sets the momentum lookback and the |momentum| that makes a bias directional.
func WithMomentum(window int, bias float64) Option {
	return func(g *Generator) {
		if window >= 2 {
			g.momentumWindow = window
		}
		if bias > 0 {
			g.momentumBias = bias
		}
	}
}

func WithVolatileDivergence(v float64) Option {
	return func(g *Generator) { g.volatileDivergence = v }
}

func WithStalePenalty(p float64) Option {
	return func(g *Generator) { g.stalePenalty = features.Clamp(p, 0, 1) }
}

func WithMaxPerSnapshot(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxPerSnapshot = n
		}
	}
}

func WithHistorySize(n int) Option {
	return func(g *Generator) {
		if n >= 2 {
			g.historySize = n
		}
	}
}

// WithScorer attaches the external model; each call is bounded by timeout.
func WithScorer(s service.Scorer, timeout time.Duration) Option {
	return func(g *Generator) {
		g.scorer = s
		if timeout > 0 {
			g.scorerTimeout = timeout
		}
	}
}

func WithHinter(h Hinter) Option {
	return func(g *Generator) { g.hinter = h }
}

// WithPeriodsPerYear sets the annualization used for the realized volatility feature.
func WithPeriodsPerYear(n float64) Option {
	return func(g *Generator) {
		if n > 0 {
			g.periodsPerYear = n
		}
	}
}

// Generator fuses divergence, momentum, regime and model score into at most one active signal per symbol.
type Generator struct {
	weights            map[models.Regime]Weights
	minConfidence      map[models.Regime]float64
	regimeScore        map[models.Regime]float64
	replaceMargin      float64
	validity           time.Duration
	momentumWindow     int
	momentumBias       float64
	volatileDivergence float64
	stalePenalty       float64
	maxPerSnapshot     int
	historySize        int
	periodsPerYear     float64
	scorer             service.Scorer
	scorerTimeout      time.Duration
	hinter             Hinter
	metrics            repository.Metrics
	log                *logger.Logger

	mu      sync.RWMutex
	history map[string]*features.Ring
	active  map[string]*models.Signal
}

func NewGenerator(metrics repository.Metrics, log *logger.Logger, opts ...Option) *Generator {
	g := &Generator{
		weights:       make(map[models.Regime]Weights, len(DefaultWeights)),
		minConfidence: map[models.Regime]float64{
			models.RegimeCalm:     0.55,
			models.RegimeElevated: 0.60,
			models.RegimeStressed: 0.65,
			models.RegimeExtreme:  0.70,
		},
		regimeScore: map[models.Regime]float64{
			models.RegimeCalm:     1.0,
			models.RegimeElevated: 0.75,
			models.RegimeStressed: 0.5,
			models.RegimeExtreme:  0.25,
		},
		replaceMargin:      0.05,
		validity:           30 * time.Second,
		momentumWindow:     10,
		momentumBias:       0.35,
		volatileDivergence: 0.6,
		stalePenalty:       0.5,
		maxPerSnapshot:     3,
		historySize:        240,
		periodsPerYear:     252 * 23400 / 2,
		scorerTimeout:      250 * time.Millisecond,
		metrics:            metrics,
		log:                log,
		history:            make(map[string]*features.Ring),
		active:             make(map[string]*models.Signal),
	}
	for r, w := range DefaultWeights {
		g.weights[r] = w
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// candidate is a symbol that passed the trigger gate and awaits scoring.
type candidate struct {
	symbol   string
	bias     models.Bias
	hint     models.StrategyType
	factors  models.SignalFactors
	degraded bool
	features map[string]float64
	conf     float64
}

// Generate evaluates one snapshot and returns the signals that became active, best first.
func (g *Generator) Generate(ctx context.Context, snap *models.Snapshot, regime models.RegimeState, matrix models.CorrelationMatrix) []models.Signal {
	g.mu.Lock()
	g.expireLocked(snap.Timestamp)
	cands := g.collectLocked(snap, regime.Regime, matrix)
	g.mu.Unlock()

	if len(cands) == 0 {
		return nil
	}

	g.score(ctx, cands)

	w := g.weightsFor(regime.Regime)
	minConf := g.minConfidence[regime.Regime]
	kept := cands[:0]
	for _, c := range cands {
		c.conf = combine(&c.factors, w)
		if c.conf < minConf {
			g.metrics.RecordSignal(c.symbol, "below_threshold")
			g.log.Debug("signal below threshold",
				logger.String("symbol", c.symbol),
				logger.String("bias", string(c.bias)),
				logger.Float64("confidence", c.conf),
				logger.Float64("min", minConf),
			)
			continue
		}
		kept = append(kept, c)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].conf != kept[j].conf {
			return kept[i].conf > kept[j].conf
		}
		return kept[i].symbol < kept[j].symbol
	})

	g.mu.Lock()
	defer g.mu.Unlock()

	var out []models.Signal
	for _, c := range kept {
		if len(out) >= g.maxPerSnapshot {
			g.metrics.RecordSignal(c.symbol, "capped")
			continue
		}
		if prev, ok := g.active[c.symbol]; ok && !prev.Expired(snap.Timestamp) {
			if prev.Status == models.SignalConsumed || c.conf <= prev.Confidence+g.replaceMargin {
				g.metrics.RecordSignal(c.symbol, "suppressed")
				continue
			}
			prev.Status = models.SignalSuperseded
			g.metrics.RecordSignal(c.symbol, "superseded")
			g.log.Info("signal superseded",
				logger.String("symbol", c.symbol),
				logger.String("signal_id", prev.ID),
				logger.Float64("old_confidence", prev.Confidence),
				logger.Float64("new_confidence", c.conf),
			)
		}

		s := &models.Signal{
			ID:          uuid.NewString(),
			Symbol:      c.symbol,
			Timestamp:   snap.Timestamp,
			SnapshotSeq: snap.Seq,
			Bias:        c.bias,
			Confidence:  c.conf,
			Factors:     c.factors,
			Regime:      regime.Regime,
			Hint:        c.hint,
			ExpiresAt:   snap.Timestamp.Add(g.validity),
			Degraded:    c.degraded || (g.scorer != nil && !c.factors.ModelAvailable),
			Status:      models.SignalActive,
		}
		g.active[c.symbol] = s
		out = append(out, *s)
		g.metrics.RecordSignal(c.symbol, "emitted")
		g.log.Info("signal emitted",
			logger.String("signal_id", s.ID),
			logger.String("symbol", s.Symbol),
			logger.String("bias", string(s.Bias)),
			logger.String("hint", string(s.Hint)),
			logger.Float64("confidence", s.Confidence),
			logger.Float64("f_correlation", s.Factors.Correlation),
			logger.Float64("f_momentum", s.Factors.Momentum),
			logger.Float64("f_model", s.Factors.Model),
			logger.Bool("degraded", s.Degraded),
			logger.String("regime", s.Regime.String()),
		)
	}
	return out
}

func (g *Generator) weightsFor(r models.Regime) Weights {
	if w, ok := g.weights[r]; ok {
		return w
	}
	return DefaultWeights[models.RegimeCalm]
}

func (g *Generator) expireLocked(now time.Time) {
	for sym, s := range g.active {
		if s.Expired(now) {
			if s.Status == models.SignalActive {
				g.metrics.RecordSignal(sym, "expired")
			}
			delete(g.active, sym)
		}
	}
}

// collectLocked updates price history and applies the trigger gate: a symbol becomes a candidate
// when it has a latched divergence or directional momentum. Stale symbols never qualify.
func (g *Generator) collectLocked(snap *models.Snapshot, regime models.Regime, matrix models.CorrelationMatrix) []*candidate {
	var out []*candidate
	for _, sym := range snap.Symbols() {
		q, _ := snap.Quote(sym)
		h, ok := g.history[sym]
		if !ok {
			h = features.NewRing(g.historySize)
			g.history[sym] = h
		}
		if q.Stale {
			continue
		}
		h.Push(q.Tick.Price())

		prices := h.Values()
		mom := features.Momentum(prices, g.momentumWindow)
		div := divergenceFor(matrix, sym, g.stalePenalty)
		if div.pairs == 0 && math.Abs(mom) < g.momentumBias {
			continue
		}

		bias := g.classify(div.factor, mom, regime)
		hint := models.StrategyNone
		if g.hinter != nil {
			hint = g.hinter(bias, regime)
			if hint == models.StrategyNone {
				g.metrics.RecordSignal(sym, "no_strategy")
				continue
			}
		}

		rets := features.LogReturns(prices)
		lastRet := 0.0
		if len(rets) > 0 {
			lastRet = rets[len(rets)-1]
		}
		window := g.momentumWindow
		if len(rets) < window {
			window = len(rets)
		}

		out = append(out, &candidate{
			symbol: sym,
			bias:   bias,
			hint:   hint,
			factors: models.SignalFactors{
				Correlation: div.factor,
				Momentum:    mom,
				MomentumFit: momentumFit(bias, mom),
				Regime:      g.regimeFit(bias, regime),
			},
			degraded: div.degraded,
			features: map[string]float64{
				"momentum":        mom,
				"divergence":      div.factor,
				"divergent_pairs": float64(div.pairs),
				"regime":          float64(regime),
				"realized_vol":    features.RealizedVolatility(rets, window, g.periodsPerYear),
				"last_return":     lastRet,
				"price":           q.Tick.Price(),
			},
		})
	}
	return out
}

// score queries the model for every candidate concurrently. A failed or slow call leaves
// ModelAvailable false so the weights renormalize without it.
func (g *Generator) score(ctx context.Context, cands []*candidate) {
	if g.scorer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, g.scorerTimeout)
	defer cancel()

	type item struct {
		idx   int
		score models.ModelScore
		err   error
	}
	// buffered so calls that outlive the deadline can still deliver and exit
	ch := make(chan item, len(cands))
	for i, c := range cands {
		go func(i int, c *candidate) {
			s, err := g.scorer.Score(ctx, c.symbol, c.features)
			ch <- item{idx: i, score: s, err: err}
		}(i, c)
	}

	for pending := len(cands); pending > 0; pending-- {
		var it item
		select {
		case it = <-ch:
		case <-ctx.Done():
			g.metrics.RecordError("scorer")
			g.log.Warn("scorer timed out, signals degraded", logger.Int("pending", pending), logger.Duration("timeout", g.scorerTimeout))
			return
		}
		c := cands[it.idx]
		if it.err != nil || math.IsNaN(it.score.Confidence) {
			g.metrics.RecordError("scorer")
			g.log.Warn("scorer unavailable, signal degraded", logger.String("symbol", c.symbol), logger.Error(it.err))
			continue
		}
		c.factors.Model = features.Clamp(it.score.Confidence, 0, 1)
		c.factors.ModelAvailable = true
	}
}

// Active returns the unexpired signals as of now, ordered by symbol.
func (g *Generator) Active(now time.Time) []models.Signal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Signal, 0, len(g.active))
	for _, s := range g.active {
		if !s.Expired(now) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Consume marks a signal as acted on. The symbol stays occupied until the signal expires.
func (g *Generator) Consume(symbol, id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.active[symbol]
	if !ok || s.ID != id || s.Status != models.SignalActive {
		return false
	}
	s.Status = models.SignalConsumed
	return true
}
