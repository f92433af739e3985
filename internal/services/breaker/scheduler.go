package breaker

import (
	"context"
	"time"

	"ZeroDTE/pkg/logger"
)

// RunSessionReset polls for a new session every interval and applies the daily reset.
func (b *Breaker) RunSessionReset(ctx context.Context, interval time.Duration) error {
	if b.session == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.log.Info("breaker session reset scheduler started",
		logger.Duration("interval_ms", interval),
		logger.Time("next_open", b.session.NextOpen(b.now())),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.CheckSession(ctx, b.now())
		}
	}
}
