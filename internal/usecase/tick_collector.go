package usecase

import (
	"context"
	"sync"
	"time"

	"ZeroDTE/internal/domain/models"
	drepo "ZeroDTE/internal/domain/repository"
	mid "ZeroDTE/internal/middleware"
	"ZeroDTE/pkg/logger"
)

// TickCollector reads a direct tick stream and hands each symbol's ticks to its own worker,
// which feeds the realtime pipeline. A slow symbol never holds up the others.
type TickCollector struct {
	stream  drepo.TickStream
	pipe    *mid.RealtimePipeline
	symbols []string
	metrics drepo.Metrics
	log     *logger.Logger

	lanes  map[string]chan models.Tick
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewTickCollector(stream drepo.TickStream, pipe *mid.RealtimePipeline, symbols []string, metrics drepo.Metrics, log *logger.Logger) *TickCollector {
	return &TickCollector{
		stream:  stream,
		pipe:    pipe,
		symbols: append([]string(nil), symbols...),
		metrics: metrics,
		log:     log,
	}
}

func (c *TickCollector) IsConnected() bool { return c.stream.IsConnected() }

// Start connects and returns; reading continues in the background until Shutdown.
func (c *TickCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(ctx); err != nil {
		return err
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.pipe.Start(ctx)

	c.lanes = make(map[string]chan models.Tick, len(c.symbols))
	for _, s := range c.symbols {
		ch := make(chan models.Tick, 256)
		c.lanes[s] = ch
		c.wg.Add(1)
		go c.lane(ctx, s, ch)
	}

	c.wg.Add(1)
	go c.consume(ctx)
	return nil
}

func (c *TickCollector) lane(ctx context.Context, symbol string, ch <-chan models.Tick) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ch:
			if err := c.pipe.Process(ctx, t); err != nil && ctx.Err() == nil {
				c.log.Debug("tick rejected", logger.String("symbol", symbol), logger.Error(err))
			}
		}
	}
}

func (c *TickCollector) consume(ctx context.Context) {
	defer c.wg.Done()
	for ctx.Err() == nil {
		ticks, errs := c.stream.Read(ctx)
		c.drain(ctx, ticks, errs)
		if ctx.Err() != nil {
			return
		}
		c.metrics.RecordError("feed_stream")
		for attempt := 1; ctx.Err() == nil; attempt++ {
			err := c.stream.Reconnect(ctx)
			if err == nil {
				c.log.Info("feed reconnected", logger.Int("attempt", attempt))
				break
			}
			c.log.Warn("feed reconnect failed", logger.Int("attempt", attempt), logger.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
}

// drain forwards ticks until the stream reports an error or closes.
func (c *TickCollector) drain(ctx context.Context, ticks <-chan models.Tick, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if ok && err != nil {
				c.log.Warn("feed stream error", logger.Error(err))
				return
			}
			errs = nil
		case t, ok := <-ticks:
			if !ok {
				return
			}
			lane, tracked := c.lanes[t.Symbol]
			if !tracked {
				continue
			}
			select {
			case lane <- t:
			default:
				c.metrics.RecordError("feed_lane_full")
			}
		}
	}
}

// Shutdown stops the workers and closes the stream.
func (c *TickCollector) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.pipe.Stop()
	done := make(chan struct{})
	go func() { c.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return c.stream.Close()
}
