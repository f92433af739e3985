package correlation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/internal/domain/repository"
	"ZeroDTE/internal/services/features"
	"ZeroDTE/pkg/logger"
)

var (
	ErrBaselineRange = errors.New("baseline out of range [-1,1]")
	ErrUnknownPair   = errors.New("unknown pair")
)

type Option func(*Engine)

// WithWindows sets the short (signal) and long (baseline) window sizes in samples.
func WithWindows(short, long int) Option {
	return func(e *Engine) {
		if short > 2 {
			e.shortSize = short
		}
		if long > e.shortSize {
			e.longSize = long
		}
	}
}

func WithMinSamples(n int) Option {
	return func(e *Engine) {
		if n > 2 {
			e.minSamples = n
		}
	}
}

// WithThreshold sets the base divergence threshold and its per-regime multipliers.
func WithThreshold(base float64, scale map[models.Regime]float64) Option {
	return func(e *Engine) {
		if base > 0 {
			e.threshold = base
		}
		for r, s := range scale {
			e.scale[r] = s
		}
	}
}

func WithEpsilon(eps float64) Option {
	return func(e *Engine) {
		if eps > 0 {
			e.eps = eps
		}
	}
}

type pairState struct {
	pair     models.Pair
	short    *window
	long     *window
	baseline float64
	pinned   bool
	level    int
}

// Engine maintains rolling pairwise correlations of aligned log returns.
type Engine struct {
	shortSize  int
	longSize   int
	minSamples int
	threshold  float64
	scale      map[models.Regime]float64
	eps        float64
	metrics    repository.Metrics
	log        *logger.Logger

	mu        sync.RWMutex
	symbols   []string
	order     []models.Pair
	pairs     map[models.Pair]*pairState
	lastPrice map[string]float64
	matrix    models.CorrelationMatrix
}

func NewEngine(symbols []string, metrics repository.Metrics, log *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		shortSize:  30,
		longSize:   120,
		minSamples: 20,
		threshold:  0.25,
		scale: map[models.Regime]float64{
			models.RegimeCalm:     1.0,
			models.RegimeElevated: 1.25,
			models.RegimeStressed: 1.5,
			models.RegimeExtreme:  2.0,
		},
		eps:       1e-12,
		metrics:   metrics,
		log:       log,
		pairs:     make(map[models.Pair]*pairState),
		lastPrice: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.minSamples > e.shortSize {
		e.minSamples = e.shortSize
	}

	e.symbols = append([]string(nil), symbols...)
	sort.Strings(e.symbols)
	for i := 0; i < len(e.symbols); i++ {
		for j := i + 1; j < len(e.symbols); j++ {
			p := models.NewPair(e.symbols[i], e.symbols[j])
			e.order = append(e.order, p)
			e.pairs[p] = &pairState{pair: p, short: newWindow(e.shortSize), long: newWindow(e.longSize)}
		}
	}
	e.matrix = models.CorrelationMatrix{Pairs: map[string]models.PairState{}}
	return e
}

// Threshold returns the divergence threshold in effect for a regime.
func (e *Engine) Threshold(r models.Regime) float64 {
	s, ok := e.scale[r]
	if !ok || s <= 0 {
		s = 1
	}
	return e.threshold * s
}

// Matrix returns the latest read snapshot. The returned map must not be modified.
func (e *Engine) Matrix() models.CorrelationMatrix {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.matrix
}

// Update folds one snapshot into every pair and returns newly latched divergences.
func (e *Engine) Update(snap *models.Snapshot, regime models.Regime) []models.DivergenceEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	returns := make(map[string]float64, len(e.symbols))
	stale := make(map[string]bool, len(e.symbols))
	for _, sym := range e.symbols {
		q, ok := snap.Quote(sym)
		if !ok || q.Stale {
			stale[sym] = true
			// the next fresh price would span several intervals; restart the return chain
			delete(e.lastPrice, sym)
			continue
		}
		price := q.Tick.Price()
		if prev, had := e.lastPrice[sym]; had {
			if r, ok := features.LogReturn(prev, price); ok {
				returns[sym] = r
			}
		}
		e.lastPrice[sym] = price
	}

	threshold := e.Threshold(regime)
	longMin := e.shortSize
	if e.minSamples > longMin {
		longMin = e.minSamples
	}

	var events []models.DivergenceEvent
	states := make(map[string]models.PairState, len(e.order))
	for _, p := range e.order {
		ps := e.pairs[p]
		ra, okA := returns[p.A]
		rb, okB := returns[p.B]
		if okA && okB {
			ps.short.push(ra, rb)
			ps.long.push(ra, rb)
		}

		st := models.PairState{
			Pair:      p,
			Threshold: threshold,
			Samples:   ps.short.len(),
			Degraded:  stale[p.A] || stale[p.B],
			Pinned:    ps.pinned,
			UpdatedAt: snap.Timestamp,
		}

		short, sOK := ps.short.corr(e.minSamples, e.eps)
		baseline, bOK := ps.baseline, ps.pinned
		if !ps.pinned {
			baseline, bOK = ps.long.corr(longMin, e.eps)
		}
		st.Short, st.Baseline = short, baseline

		if !sOK || !bOK {
			st.Indeterminate = true
			st.Level = ps.level
			states[p.String()] = st
			continue
		}

		dev := short - baseline
		st.Deviation = dev
		lvl := severity(dev, threshold)
		switch {
		case lvl == 0:
			ps.level = 0
		case lvl > ps.level:
			ps.level = lvl
			ev := models.DivergenceEvent{
				Pair:        p,
				Short:       short,
				Baseline:    baseline,
				Deviation:   dev,
				Threshold:   threshold,
				Level:       lvl,
				Regime:      regime,
				SnapshotSeq: snap.Seq,
				Timestamp:   snap.Timestamp,
			}
			events = append(events, ev)
			e.metrics.RecordDivergence(p.String(), lvl)
			e.log.Info("correlation divergence",
				logger.String("pair", p.String()),
				logger.Float64("short", short),
				logger.Float64("baseline", baseline),
				logger.Float64("deviation", dev),
				logger.Float64("threshold", threshold),
				logger.Int("level", lvl),
				logger.String("regime", regime.String()),
			)
		}
		st.Level = ps.level
		states[p.String()] = st
	}

	e.matrix = models.CorrelationMatrix{SnapshotSeq: snap.Seq, UpdatedAt: snap.Timestamp, Pairs: states}
	return events
}

// severity is 0 within the threshold and otherwise the number of whole thresholds crossed (at least 1).
func severity(dev, threshold float64) int {
	a := math.Abs(dev)
	if a <= threshold {
		return 0
	}
	lvl := int(math.Floor(a / threshold))
	if lvl < 1 {
		lvl = 1
	}
	return lvl
}

// SetBaseline pins a pair's baseline, e.g. from an offline calibration.
func (e *Engine) SetBaseline(a, b string, rho float64) error {
	if math.IsNaN(rho) || rho < -1 || rho > 1 {
		return fmt.Errorf("%w: %v", ErrBaselineRange, rho)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ps, ok := e.pairs[models.NewPair(a, b)]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownPair, a, b)
	}
	ps.baseline = rho
	ps.pinned = true
	ps.level = 0

	pairs := e.copyPairsLocked()
	e.pinLocked(pairs, ps)
	e.publishLocked(pairs)
	return nil
}

// copyPairsLocked copies the published pair states; readers may still hold the old map.
func (e *Engine) copyPairsLocked() map[string]models.PairState {
	pairs := make(map[string]models.PairState, len(e.order))
	for k, v := range e.matrix.Pairs {
		pairs[k] = v
	}
	return pairs
}

// pinLocked reflects ps's pinned baseline and cleared latch in pairs.
func (e *Engine) pinLocked(pairs map[string]models.PairState, ps *pairState) {
	st, had := pairs[ps.pair.String()]
	if !had {
		st = models.PairState{Pair: ps.pair, Indeterminate: true, Samples: ps.short.len()}
	}
	st.Baseline, st.Pinned, st.Level = ps.baseline, true, 0
	if !st.Indeterminate {
		st.Deviation = st.Short - ps.baseline
	}
	pairs[ps.pair.String()] = st
}

func (e *Engine) publishLocked(pairs map[string]models.PairState) {
	e.matrix = models.CorrelationMatrix{SnapshotSeq: e.matrix.SnapshotSeq, UpdatedAt: e.matrix.UpdatedAt, Pairs: pairs}
}

// Recalibrate pins every determinate pair's baseline to its current long-window value
// and clears divergence latches. It returns the number of pairs pinned.
func (e *Engine) Recalibrate(at time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	pairs := e.copyPairsLocked()
	n := 0
	for _, p := range e.order {
		ps := e.pairs[p]
		ps.level = 0
		if rho, ok := ps.long.corr(e.minSamples, e.eps); ok {
			ps.baseline = rho
			ps.pinned = true
			e.pinLocked(pairs, ps)
			n++
			continue
		}
		if st, had := pairs[p.String()]; had {
			st.Level = 0
			pairs[p.String()] = st
		}
	}
	e.publishLocked(pairs)
	e.log.Info("correlation baselines recalibrated", logger.Int("pinned", n), logger.Int("pairs", len(e.order)), logger.Time("at", at))
	return n
}
