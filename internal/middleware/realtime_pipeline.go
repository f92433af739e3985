package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"ZeroDTE/internal/domain/models"
	domrepo "ZeroDTE/internal/domain/repository"
)

var ErrInvalidTick = errors.New("invalid tick")

// Sink is the downstream the pipeline feeds, normally the snapshot aggregator.
type Sink interface {
	Ingest(ctx context.Context, t models.Tick) error
}

// RealtimePipeline sits between the tick sources and the aggregator. It rejects malformed ticks,
// throttles per symbol and buffers ticks while the downstream refuses them.
type RealtimePipeline struct {
	sink    Sink
	metrics domrepo.Metrics
	maxRPS  int
	maxSkew time.Duration
	tracked map[string]struct{}
	now     func() time.Time

	buf  chan models.Tick
	stop chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	started  bool
	lastSeen map[string]time.Time
}

type PipelineOption func(*RealtimePipeline)

// WithMaxRPS caps accepted ticks per symbol per second; zero disables throttling.
func WithMaxRPS(n int) PipelineOption {
	return func(p *RealtimePipeline) {
		if n >= 0 {
			p.maxRPS = n
		}
	}
}

func WithBufferSize(n int) PipelineOption {
	return func(p *RealtimePipeline) {
		if n > 0 {
			p.buf = make(chan models.Tick, n)
		}
	}
}

// WithMaxSkew rejects ticks stamped further than d in the future.
func WithMaxSkew(d time.Duration) PipelineOption {
	return func(p *RealtimePipeline) {
		if d > 0 {
			p.maxSkew = d
		}
	}
}

// WithSymbols rejects ticks for any other symbol before they reach the sink.
func WithSymbols(symbols []string) PipelineOption {
	return func(p *RealtimePipeline) {
		p.tracked = make(map[string]struct{}, len(symbols))
		for _, s := range symbols {
			p.tracked[s] = struct{}{}
		}
	}
}

func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *RealtimePipeline) { p.now = now }
}

func NewRealtimePipeline(sink Sink, metrics domrepo.Metrics, opts ...PipelineOption) *RealtimePipeline {
	p := &RealtimePipeline{
		sink:     sink,
		metrics:  metrics,
		maxRPS:   50,
		maxSkew:  5 * time.Second,
		now:      time.Now,
		buf:      make(chan models.Tick, 1000),
		stop:     make(chan struct{}),
		lastSeen: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker that retries buffered ticks.
func (p *RealtimePipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.flush(ctx)
}

func (p *RealtimePipeline) flush(ctx context.Context) {
	defer p.wg.Done()
	backoff := 50 * time.Millisecond
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case t := <-p.buf:
			if err := p.sink.Ingest(ctx, t); err != nil {
				p.metrics.RecordError("pipeline_flush")
				if backoff < 2*time.Second {
					backoff *= 2
				}
				select {
				case <-time.After(backoff):
				case <-p.stop:
					return
				}
				select {
				case p.buf <- t:
				default:
					p.metrics.RecordError("pipeline_buffer_drop")
				}
				continue
			}
			backoff = 50 * time.Millisecond
		}
	}
}

func (p *RealtimePipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()
	close(p.stop)
	p.wg.Wait()
}

// Process validates and forwards one tick. Throttled ticks are dropped without error.
func (p *RealtimePipeline) Process(ctx context.Context, t models.Tick) error {
	start := p.now()
	if err := p.validate(t, start); err != nil {
		p.metrics.RecordError("pipeline_validate")
		return err
	}
	if !p.allow(t.Symbol, start) {
		p.metrics.RecordError("pipeline_throttle")
		return nil
	}

	if err := p.sink.Ingest(ctx, t); err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.metrics.RecordError("pipeline_downstream")
		select {
		case p.buf <- t:
			p.metrics.RecordLatency("pipeline_buffer_depth", float64(len(p.buf)))
		default:
			p.metrics.RecordError("pipeline_buffer_full")
		}
		return fmt.Errorf("pipeline downstream: %w", err)
	}
	p.metrics.RecordLatency("pipeline_process", time.Since(start).Seconds())
	return nil
}

func (p *RealtimePipeline) validate(t models.Tick, now time.Time) error {
	switch {
	case t.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidTick)
	case p.tracked != nil && !p.isTracked(t.Symbol):
		return fmt.Errorf("%w: untracked symbol %s", ErrInvalidTick, t.Symbol)
	case t.Timestamp.IsZero():
		return fmt.Errorf("%w: %s has no timestamp", ErrInvalidTick, t.Symbol)
	case t.Timestamp.Sub(now) > p.maxSkew:
		return fmt.Errorf("%w: %s stamped %s ahead", ErrInvalidTick, t.Symbol, t.Timestamp.Sub(now))
	case bad(t.Last) || bad(t.Bid) || bad(t.Ask) || bad(t.Size):
		return fmt.Errorf("%w: %s has negative or non-finite fields", ErrInvalidTick, t.Symbol)
	case t.Bid > 0 && t.Ask > 0 && t.Bid > t.Ask:
		return fmt.Errorf("%w: %s crossed quote %.4f/%.4f", ErrInvalidTick, t.Symbol, t.Bid, t.Ask)
	case t.Price() <= 0:
		return fmt.Errorf("%w: %s has no price", ErrInvalidTick, t.Symbol)
	}
	return nil
}

func (p *RealtimePipeline) isTracked(symbol string) bool {
	_, ok := p.tracked[symbol]
	return ok
}

func bad(v float64) bool { return v < 0 || math.IsNaN(v) || math.IsInf(v, 0) }

func (p *RealtimePipeline) allow(symbol string, now time.Time) bool {
	if p.maxRPS <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastSeen[symbol]
	if ok && now.Sub(last) < time.Second/time.Duration(p.maxRPS) {
		return false
	}
	p.lastSeen[symbol] = now
	return true
}
