package regime

import (
	"sync"
	"time"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/internal/domain/repository"
	"ZeroDTE/pkg/logger"
)

// Bands are the upper bounds of the calm, elevated and stressed bands. Anything above StressedMax is extreme.
type Bands struct {
	CalmMax     float64
	ElevatedMax float64
	StressedMax float64
}

// DefaultBands are the VIX-style defaults: calm < 15, elevated 15-25, stressed 25-35, extreme > 35.
var DefaultBands = Bands{CalmMax: 15, ElevatedMax: 25, StressedMax: 35}

func (b Bands) Of(level float64) models.Regime {
	switch {
	case level < b.CalmMax:
		return models.RegimeCalm
	case level < b.ElevatedMax:
		return models.RegimeElevated
	case level < b.StressedMax:
		return models.RegimeStressed
	default:
		return models.RegimeExtreme
	}
}

// upper returns the boundary above r.
func (b Bands) upper(r models.Regime) float64 {
	switch r {
	case models.RegimeCalm:
		return b.CalmMax
	case models.RegimeElevated:
		return b.ElevatedMax
	default:
		return b.StressedMax
	}
}

type Option func(*Classifier)

func WithBands(b Bands) Option {
	return func(c *Classifier) { c.bands = b }
}

// WithInversionRatio sets the front/back ratio above which the curve counts as inverted.
func WithInversionRatio(r float64) Option {
	return func(c *Classifier) {
		if r > 0 {
			c.inversionRatio = r
		}
	}
}

// WithHysteresis sets the minimum dwell of a candidate band and the boundary overshoot that bypasses it.
func WithHysteresis(minDwell time.Duration, minDelta float64) Option {
	return func(c *Classifier) {
		c.minDwell = minDwell
		c.minDelta = minDelta
	}
}

// Listener is notified after each regime change, outside the classifier lock.
type Listener func(from, to models.RegimeState)

func WithListener(l Listener) Option {
	return func(c *Classifier) { c.listeners = append(c.listeners, l) }
}

type pendingBand struct {
	band  models.Regime
	since time.Time
}

// Classifier is the single owner of RegimeState.
type Classifier struct {
	bands          Bands
	inversionRatio float64
	minDwell       time.Duration
	minDelta       float64
	listeners      []Listener
	metrics        repository.Metrics
	log            *logger.Logger

	mu      sync.RWMutex
	state   models.RegimeState
	pending *pendingBand
}

func NewClassifier(metrics repository.Metrics, log *logger.Logger, opts ...Option) *Classifier {
	c := &Classifier{
		bands:          DefaultBands,
		inversionRatio: 1.0,
		minDwell:       time.Minute,
		minDelta:       2.0,
		metrics:        metrics,
		log:            log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Current returns a copy of the current state.
func (c *Classifier) Current() models.RegimeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Observe classifies a reading and applies hysteresis. It reports whether the regime changed.
func (c *Classifier) Observe(v models.VolReading) (models.RegimeState, bool) {
	levelBand := c.bands.Of(v.Level)
	inverted := v.Inverted(c.inversionRatio)
	raw := levelBand
	if inverted {
		raw = raw.Escalate()
	}
	m := models.RegimeMetrics{Level: v.Level, Front: v.Front, Back: v.Back, Inverted: inverted, RawBand: raw}

	c.mu.Lock()
	if c.state.Initialized && v.Timestamp.Before(c.state.UpdatedAt) {
		st := c.state
		c.mu.Unlock()
		return st, false
	}

	if !c.state.Initialized {
		prev := c.state
		c.state = models.RegimeState{Regime: raw, Metrics: m, Since: v.Timestamp, UpdatedAt: v.Timestamp, Initialized: true}
		st := c.state
		c.mu.Unlock()
		c.transitioned(prev, st)
		return st, true
	}

	c.state.Metrics = m
	c.state.UpdatedAt = v.Timestamp

	if raw == c.state.Regime {
		c.pending = nil
		st := c.state
		c.mu.Unlock()
		return st, false
	}

	move := c.minDelta > 0 && c.overshoot(v.Level, levelBand) >= c.minDelta
	if !move {
		switch {
		case c.pending == nil || c.pending.band != raw:
			c.pending = &pendingBand{band: raw, since: v.Timestamp}
		case v.Timestamp.Sub(c.pending.since) >= c.minDwell:
			move = true
		}
	}
	if !move {
		st := c.state
		c.mu.Unlock()
		return st, false
	}

	prev := c.state
	c.state.Regime = raw
	c.state.Since = v.Timestamp
	c.pending = nil
	st := c.state
	c.mu.Unlock()

	c.transitioned(prev, st)
	return st, true
}

// overshoot is how far level sits past the boundary separating the current band from levelBand.
func (c *Classifier) overshoot(level float64, levelBand models.Regime) float64 {
	cur := c.state.Regime
	switch {
	case levelBand > cur:
		return level - c.bands.upper(cur)
	case levelBand < cur:
		return c.bands.upper(cur-1) - level
	default:
		return 0
	}
}

func (c *Classifier) transitioned(from, to models.RegimeState) {
	c.metrics.RecordRegime(to.Regime)
	c.log.Info("regime transition",
		logger.String("from", from.Regime.String()),
		logger.String("to", to.Regime.String()),
		logger.Bool("initial", !from.Initialized),
		logger.Float64("level", to.Metrics.Level),
		logger.Float64("front", to.Metrics.Front),
		logger.Float64("back", to.Metrics.Back),
		logger.Bool("inverted", to.Metrics.Inverted),
		logger.Time("at", to.Since),
	)
	for _, l := range c.listeners {
		l(from, to)
	}
}
