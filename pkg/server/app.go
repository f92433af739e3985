package server

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"ZeroDTE/internal/handler/api"
	mid "ZeroDTE/internal/middleware"
	internalrepo "ZeroDTE/internal/repository"
	"ZeroDTE/internal/service/gateway"
	"ZeroDTE/internal/services/breaker"
	"ZeroDTE/internal/services/execution"
	"ZeroDTE/internal/services/snapshot"
	"ZeroDTE/internal/usecase"
	"ZeroDTE/pkg/cache"
	pkgch "ZeroDTE/pkg/clickhouse"
	"ZeroDTE/pkg/config"
	xhttp "ZeroDTE/pkg/http"
	pkgkafka "ZeroDTE/pkg/kafka"
	applogger "ZeroDTE/pkg/logger"
	"ZeroDTE/pkg/queue"
)

// Components are the long-running parts the App starts and stops. Optional parts are nil
// when disabled in config.
type Components struct {
	Aggregator *snapshot.Aggregator
	Pipeline   *mid.RealtimePipeline
	Collector  *usecase.TickCollector
	Consumer   *pkgkafka.Consumer
	Decisions  *usecase.DecisionPipeline
	Sink       *usecase.EventSink
	Breaker    *breaker.Breaker
	Execution  *execution.Coordinator
	Gateway    *gateway.Gateway
	AuditQueue *queue.RedisQueue
	Publisher  *internalrepo.KafkaEventPublisher
	ClickHouse *pkgch.Client
	Cache      cache.Service
	HTTP       *xhttp.Server
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg *config.Config
	log *applogger.Logger
	Components

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, log *applogger.Logger, c Components) *App {
	return &App{cfg: cfg, log: log, Components: c}
}

// Run starts the application and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Start launches every component in dependency order and returns.
func (a *App) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel

	if err := a.Breaker.Restore(ctx); err != nil {
		a.log.Warn("breaker state not restored", applogger.Error(err))
	}
	if a.Gateway != nil {
		pctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.Gateway.Probe(pctx); err != nil {
			a.log.Warn("gateway capabilities unavailable, using per-leg orders", applogger.Error(err))
		}
		pcancel()
	}

	if a.AuditQueue != nil {
		if err := a.AuditQueue.Start(ctx); err != nil {
			a.log.Warn("audit retry queue not started", applogger.Error(err))
		}
	}

	a.goRun("event sink", func() error { a.Sink.Run(ctx); return nil })
	a.goRun("aggregator", func() error { return a.Aggregator.Run(ctx) })
	a.goRun("decision pipeline", func() error { return a.Decisions.Run(ctx, a.Aggregator.Snapshots()) })
	a.goRun("breaker session reset", func() error {
		return a.Breaker.RunSessionReset(ctx, a.cfg.Breaker.ResetCheckInterval)
	})

	a.Pipeline.Start(ctx)
	if a.Collector != nil {
		if err := a.Collector.Start(ctx); err != nil {
			a.log.Error("feed collector start failed", applogger.Error(err))
		} else {
			a.log.Info("feed collector started", applogger.Strings("symbols", a.cfg.Symbols))
		}
	}
	if a.Consumer != nil {
		if err := a.Consumer.Start(); err != nil {
			cancel()
			return err
		}
		a.log.Info("kafka consumer started",
			applogger.String("ticks", a.cfg.Kafka.Topics.Ticks),
			applogger.String("vol", a.cfg.Kafka.Topics.Vol),
			applogger.String("exec_events", a.cfg.Kafka.Topics.ExecEvents),
		)
	}
	if a.Collector == nil && a.Consumer == nil {
		a.log.Warn("no tick source enabled: snapshots will carry stale prices only")
	}

	return a.HTTP.Start()
}

func (a *App) goRun(name string, fn func() error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error(name+" stopped", applogger.Error(err))
		}
	}()
}

// Shutdown stops intake first, then the decision core, then flushes outputs and closes clients.
func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("shutting down...")

	if err := a.HTTP.Stop(ctx); err != nil {
		a.log.Error("http shutdown error", applogger.Error(err))
	}
	if a.Collector != nil {
		if err := a.Collector.Shutdown(ctx); err != nil {
			a.log.Warn("collector stop error", applogger.Error(err))
		}
	}
	if a.Consumer != nil {
		if err := a.Consumer.Stop(ctx); err != nil {
			a.log.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}
	a.Pipeline.Stop()

	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() { a.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("workers did not stop before the shutdown deadline")
	}

	if err := a.Execution.Close(ctx); err != nil {
		a.log.Warn("execution coordinator close error", applogger.Error(err))
	}
	if a.AuditQueue != nil {
		if err := a.AuditQueue.Stop(ctx); err != nil {
			a.log.Warn("audit queue stop error", applogger.Error(err))
		}
	}

	// the digest collector publishes through the producer, so it goes first
	a.log.RemoveCollector()
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			a.log.Warn("kafka producer close error", applogger.Error(err))
		}
	}
	if a.ClickHouse != nil {
		if err := a.ClickHouse.Close(); err != nil {
			a.log.Warn("clickhouse close error", applogger.Error(err))
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.log.Warn("cache close error", applogger.Error(err))
		}
	}

	a.log.Info("shutdown complete")
	return nil
}

// Health reports the status of optional collaborators for the operator API.
func Health(gw *gateway.Gateway, collector *usecase.TickCollector, q *queue.RedisQueue) api.HealthFunc {
	return func(c echo.Context) map[string]interface{} {
		out := map[string]interface{}{}
		if gw != nil {
			out["gateway_multi_leg"] = gw.SupportsMultiLeg()
		}
		if collector != nil {
			out["feed_connected"] = collector.IsConnected()
		}
		if q != nil {
			ready, delayed, dead, err := q.Depth(c.Request().Context())
			if err != nil {
				out["audit_queue"] = err.Error()
			} else {
				out["audit_queue"] = map[string]int64{"ready": ready, "delayed": delayed, "dead": dead}
			}
		}
		return out
	}
}
