package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/internal/domain/repository"
	"ZeroDTE/pkg/logger"
)

var ErrUntrackedSymbol = errors.New("snapshot: untracked symbol")

// Option configures Aggregator.
type Option func(*Aggregator)

// WithInterval sets the base alignment interval.
func WithInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithLowActivity sets the widened interval and how many idle intervals trigger it.
func WithLowActivity(d time.Duration, idleIntervals int) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.lowActivity = d
		}
		if idleIntervals > 0 {
			a.idleIntervals = idleIntervals
		}
	}
}

// WithStaleAfter marks a symbol stale once it has not updated for n intervals.
func WithStaleAfter(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.staleIntervals = n
		}
	}
}

// WithBurst emits early once n ticks arrived since the previous snapshot. Zero disables it.
func WithBurst(n int) Option {
	return func(a *Aggregator) { a.burstTicks = n }
}

func WithBufferSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.bufSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

type input struct {
	tick *models.Tick
	vol  *models.VolReading
}

// Aggregator merges independently arriving ticks into aligned snapshots.
// All state below the channels is owned by the Run goroutine.
type Aggregator struct {
	symbols        []string
	tracked        map[string]struct{}
	interval       time.Duration
	lowActivity    time.Duration
	idleIntervals  int
	staleIntervals int
	burstTicks     int
	bufSize        int
	now            func() time.Time
	metrics        repository.Metrics
	log            *logger.Logger

	in  chan input
	out chan *models.Snapshot

	latest    map[string]models.Tick
	vol       *models.VolReading
	seq       uint64
	sinceEmit int
	idle      int
	widened   bool
}

func NewAggregator(symbols []string, metrics repository.Metrics, log *logger.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		symbols:        append([]string(nil), symbols...),
		tracked:        make(map[string]struct{}, len(symbols)),
		interval:       2 * time.Second,
		lowActivity:    5 * time.Second,
		idleIntervals:  5,
		staleIntervals: 3,
		bufSize:        4096,
		now:            time.Now,
		metrics:        metrics,
		log:            log,
		latest:         make(map[string]models.Tick, len(symbols)),
	}
	for _, s := range symbols {
		a.tracked[s] = struct{}{}
	}
	for _, opt := range opts {
		opt(a)
	}
	a.in = make(chan input, a.bufSize)
	a.out = make(chan *models.Snapshot, 8)
	return a
}

func (a *Aggregator) Symbols() []string { return append([]string(nil), a.symbols...) }

func (a *Aggregator) Interval() time.Duration { return a.interval }

// Snapshots is the single output stream; the decision pipeline is its only reader.
func (a *Aggregator) Snapshots() <-chan *models.Snapshot { return a.out }

// Ingest hands a tick to the writer goroutine. It blocks only while the input buffer is full.
func (a *Aggregator) Ingest(ctx context.Context, t models.Tick) error {
	if _, ok := a.tracked[t.Symbol]; !ok {
		return fmt.Errorf("%w: %s", ErrUntrackedSymbol, t.Symbol)
	}
	select {
	case a.in <- input{tick: &t}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Aggregator) IngestVol(ctx context.Context, v models.VolReading) error {
	select {
	case a.in <- input{vol: &v}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns the aggregation state until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	defer close(a.out)

	a.log.Info("snapshot aggregator started",
		logger.Strings("symbols", a.symbols),
		logger.Duration("interval_ms", a.interval),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case in := <-a.in:
			if !a.apply(in) {
				continue
			}
			if a.widened {
				a.widened = false
				a.idle = 0
				ticker.Reset(a.interval)
				a.log.Debug("snapshot cadence restored", logger.Duration("interval_ms", a.interval))
			}
			if a.burstTicks > 0 && a.sinceEmit >= a.burstTicks {
				a.emit()
				ticker.Reset(a.interval)
			}

		case <-ticker.C:
			if a.sinceEmit == 0 {
				a.idle++
			} else {
				a.idle = 0
			}
			a.emit()
			if !a.widened && a.idle >= a.idleIntervals {
				a.widened = true
				ticker.Reset(a.lowActivity)
				a.log.Debug("snapshot cadence widened", logger.Duration("interval_ms", a.lowActivity))
			}
		}
	}
}

// apply folds one input into the latest-state map; it returns false for dropped input.
func (a *Aggregator) apply(in input) bool {
	switch {
	case in.tick != nil:
		t := *in.tick
		if t.Price() <= 0 {
			a.metrics.RecordError("snapshot_bad_tick")
			return false
		}
		if prev, ok := a.latest[t.Symbol]; ok && !t.After(prev) {
			a.metrics.RecordError("snapshot_out_of_order")
			return false
		}
		a.latest[t.Symbol] = t
		a.sinceEmit++
		a.metrics.RecordLastPrice(t.Symbol, t.Price())
		return true

	case in.vol != nil:
		v := *in.vol
		if a.vol != nil && !v.Timestamp.After(a.vol.Timestamp) {
			return false
		}
		a.vol = &v
		return true
	}
	return false
}

// build assembles a snapshot at now. Until every symbol has a tick it returns false.
func (a *Aggregator) build(now time.Time) (*models.Snapshot, bool) {
	if len(a.latest) < len(a.symbols) {
		return nil, false
	}

	staleAfter := time.Duration(a.staleIntervals) * a.interval
	quotes := make(map[string]models.SymbolQuote, len(a.symbols))
	for _, sym := range a.symbols {
		t, ok := a.latest[sym]
		if !ok {
			return nil, false
		}
		age := now.Sub(t.Timestamp)
		if age < 0 {
			age = 0
		}
		quotes[sym] = models.SymbolQuote{Tick: t, Stale: age > staleAfter, Age: age}
	}

	a.seq++
	snap := &models.Snapshot{Seq: a.seq, Timestamp: now, Quotes: quotes}
	if a.vol != nil {
		v := *a.vol
		snap.Vol = &v
	}
	return snap, true
}

func (a *Aggregator) emit() {
	snap, ok := a.build(a.now())
	if !ok {
		a.log.Debug("snapshot suppressed: waiting for first tick on every symbol",
			logger.Int("have", len(a.latest)),
			logger.Int("want", len(a.symbols)),
		)
		return
	}
	a.sinceEmit = 0
	a.metrics.RecordSnapshot(snap.StaleCount())

	select {
	case a.out <- snap:
		return
	default:
	}
	// Reader is behind: drop the oldest queued snapshot so the freshest view wins.
	select {
	case old := <-a.out:
		a.metrics.RecordError("snapshot_dropped")
		a.log.Warn("snapshot reader behind, dropped queued snapshot", logger.Uint64("seq", old.Seq))
	default:
	}
	select {
	case a.out <- snap:
	default:
		a.metrics.RecordError("snapshot_dropped")
	}
}
