package di

import (
	"context"
	"fmt"
	"time"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/internal/domain/repository"
	domsvc "ZeroDTE/internal/domain/service"
	"ZeroDTE/internal/handler/api"
	mid "ZeroDTE/internal/middleware"
	internalrepo "ZeroDTE/internal/repository"
	"ZeroDTE/internal/service/feed"
	"ZeroDTE/internal/service/gateway"
	"ZeroDTE/internal/service/ratelimit"
	"ZeroDTE/internal/services/analytics"
	"ZeroDTE/internal/services/breaker"
	"ZeroDTE/internal/services/correlation"
	"ZeroDTE/internal/services/execution"
	"ZeroDTE/internal/services/regime"
	"ZeroDTE/internal/services/risk"
	"ZeroDTE/internal/services/signal"
	"ZeroDTE/internal/services/snapshot"
	"ZeroDTE/internal/services/strategy"
	"ZeroDTE/internal/usecase"
	"ZeroDTE/pkg/cache"
	pkgch "ZeroDTE/pkg/clickhouse"
	"ZeroDTE/pkg/config"
	xhttp "ZeroDTE/pkg/http"
	pkgkafka "ZeroDTE/pkg/kafka"
	"ZeroDTE/pkg/logger"
	"ZeroDTE/pkg/metrics"
	"ZeroDTE/pkg/queue"
	"ZeroDTE/pkg/server"
	"ZeroDTE/pkg/util"
)

// ProvideLogger creates the application logger from the log section.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	l, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(logger.String("env", cfg.Environment)), nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(cfg *config.Config) repository.Metrics {
	if !cfg.Metrics.Enabled {
		return metrics.Nop{}
	}
	return metrics.New()
}

func ProvideSession(cfg *config.Config) (*util.Session, error) {
	s, err := util.NewSession(cfg.Session.Timezone, cfg.Session.Open, cfg.Session.Close, cfg.Session.Holidays...)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return s, nil
}

// ProvideCache returns Redis when enabled so idempotency keys and breaker state survive a
// restart; otherwise an in-process cache.
func ProvideCache(cfg *config.Config, l *logger.Logger) (cache.Service, error) {
	if !cfg.Redis.Enabled {
		l.Warn("redis disabled: idempotency and breaker state are process-local")
		return cache.NewMemoryCache(cache.WithMemoryMaxSize(100000), cache.WithMemoryCleanup(time.Minute)), nil
	}
	c, err := cache.NewRedisCache(
		cache.WithRedisHost(cfg.Redis.Host),
		cache.WithRedisPort(cfg.Redis.Port),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPool(cfg.Redis.PoolSize, 2, 4*time.Second),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return c, nil
}

// ProvideAuditQueue builds the Redis-backed retry queue for failed audit writes. It is nil
// without Redis or ClickHouse.
func ProvideAuditQueue(cfg *config.Config, l *logger.Logger, c cache.Service) *queue.RedisQueue {
	rc, ok := c.(*cache.RedisCache)
	if !ok || !cfg.ClickHouse.Enabled || !cfg.Redis.AuditRetry.Enabled {
		return nil
	}
	return queue.NewRedisQueue(l, rc.Client(), queue.Config{
		Workers:      cfg.Redis.AuditRetry.Workers,
		RetryLimit:   cfg.Redis.AuditRetry.RetryLimit,
		RetryDelay:   cfg.Redis.AuditRetry.RetryDelay,
		PollInterval: cfg.Redis.AuditRetry.PollInterval,
	}, queue.WithKeyPrefix(cfg.Redis.Prefix+":audit"))
}

// ProvideClickHouseClient creates a ClickHouse client, or nil when the audit store is disabled.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	return client, nil
}

// ProvideAuditStore creates the ClickHouse audit store and its tables.
func ProvideAuditStore(ch *pkgch.Client, l *logger.Logger) (repository.AuditStore, error) {
	if ch == nil {
		return nil, nil
	}
	store := internalrepo.NewCHAuditStore(ch, l)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.InitSchema(ctx); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return store, nil
}

// ProvideKafkaProducer creates a Kafka producer, or nil when Kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatch(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.Linger),
		pkgkafka.WithWriteTimeout(cfg.Kafka.Producer.WriteTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideEventPublisher publishes core events and, when configured, error digests from the
// logger's collector.
func ProvideEventPublisher(producer *pkgkafka.Producer, cfg *config.Config, l *logger.Logger) *internalrepo.KafkaEventPublisher {
	if producer == nil {
		return nil
	}
	pub := internalrepo.NewKafkaEventPublisher(producer, cfg.Kafka.Topics.CoreEvents)
	if cfg.Log.Digest.Enabled {
		l.AddCollector(&logger.CollectionConfig{
			TimeInterval:   cfg.Log.Digest.Interval,
			CountThreshold: cfg.Log.Digest.Threshold,
			Topic:          cfg.Kafka.Topics.LogDigest,
			Publisher:      pub,
		})
	}
	return pub
}

func ProvideEventSink(
	pub *internalrepo.KafkaEventPublisher,
	audit repository.AuditStore,
	q *queue.RedisQueue,
	m repository.Metrics,
	l *logger.Logger,
) *usecase.EventSink {
	var opts []usecase.SinkOption
	if q != nil {
		for _, job := range usecase.AuditJobs(audit) {
			q.RegisterJob(job)
		}
		opts = append(opts, usecase.WithAuditRetry(q))
	}
	var ep repository.EventPublisher
	if pub != nil {
		ep = pub
	}
	return usecase.NewEventSink(ep, audit, m, l, opts...)
}

func ProvideHTTPClient(cfg *config.Config) *xhttp.Client {
	return xhttp.NewClient(
		xhttp.WithTimeout(cfg.Gateway.Timeout),
		xhttp.WithHeader("User-Agent", "zerodte-core"),
	)
}

func ProvideGateway(cfg *config.Config, client *xhttp.Client, l *logger.Logger) *gateway.Gateway {
	return gateway.New(cfg.Gateway.URL, client, l)
}

func ProvideAccountClient(cfg *config.Config, client *xhttp.Client) *gateway.AccountClient {
	return gateway.NewAccountClient(cfg.Account.URL, client, cfg.Account.CacheTTL)
}

func ProvideChainClient(cfg *config.Config, client *xhttp.Client) *gateway.ChainClient {
	return gateway.NewChainClient(cfg.Chain.URL, client, cfg.Chain.CacheTTL)
}

// ProvideScorer returns the external model scorer, or nil when disabled.
func ProvideScorer(cfg *config.Config) domsvc.Scorer {
	if !cfg.Scorer.Enabled {
		return nil
	}
	return analytics.NewHTTPScorer(analytics.NewHTTPServiceBase(cfg.Scorer.URL, cfg.Scorer.Timeout, cfg.Scorer.RPS), cfg.Scorer.CacheTTL)
}

func ProvideAggregator(cfg *config.Config, m repository.Metrics, l *logger.Logger) *snapshot.Aggregator {
	a := cfg.Aggregator
	return snapshot.NewAggregator(cfg.Symbols, m, l,
		snapshot.WithInterval(a.Interval),
		snapshot.WithLowActivity(a.LowActivityInterval, a.IdleIntervals),
		snapshot.WithStaleAfter(a.StaleIntervals),
		snapshot.WithBurst(a.BurstTicks),
		snapshot.WithBufferSize(a.BufferSize),
	)
}

func ProvideClassifier(cfg *config.Config, m repository.Metrics, l *logger.Logger, sink *usecase.EventSink) *regime.Classifier {
	r := cfg.Regime
	return regime.NewClassifier(m, l,
		regime.WithBands(regime.Bands{CalmMax: r.CalmMax, ElevatedMax: r.ElevatedMax, StressedMax: r.StressedMax}),
		regime.WithInversionRatio(r.InversionRatio),
		regime.WithHysteresis(r.MinDwell, r.MinDelta),
		regime.WithListener(sink.Regime),
	)
}

func ProvideCorrelationEngine(cfg *config.Config, m repository.Metrics, l *logger.Logger) (*correlation.Engine, error) {
	c := cfg.Correlation
	scale, err := regimeTable(c.ThresholdScale)
	if err != nil {
		return nil, fmt.Errorf("correlation.threshold_scale: %w", err)
	}
	return correlation.NewEngine(cfg.Symbols, m, l,
		correlation.WithWindows(c.ShortWindow, c.LongWindow),
		correlation.WithMinSamples(c.MinSamples),
		correlation.WithThreshold(c.Threshold, scale),
		correlation.WithEpsilon(c.Epsilon),
	), nil
}

func ProvideSignalGenerator(cfg *config.Config, m repository.Metrics, l *logger.Logger, scorer domsvc.Scorer) (*signal.Generator, error) {
	s := cfg.Signal
	weights := make(map[models.Regime]signal.Weights, len(s.Weights))
	for k, w := range s.Weights {
		r, err := models.ParseRegime(k)
		if err != nil {
			return nil, fmt.Errorf("signal.weights: %w", err)
		}
		weights[r] = signal.Weights{Correlation: w.Correlation, Momentum: w.Momentum, Regime: w.Regime, Model: w.Model}
	}
	minConf, err := regimeTable(s.MinConfidence)
	if err != nil {
		return nil, fmt.Errorf("signal.min_confidence: %w", err)
	}
	regimeScore, err := regimeTable(s.RegimeScore)
	if err != nil {
		return nil, fmt.Errorf("signal.regime_score: %w", err)
	}

	opts := []signal.Option{
		signal.WithWeights(weights),
		signal.WithMinConfidence(minConf),
		signal.WithRegimeScore(regimeScore),
		signal.WithReplaceMargin(s.ReplaceMargin),
		signal.WithValidity(time.Duration(s.ValidityIntervals) * cfg.Aggregator.Interval),
		signal.WithMomentum(s.MomentumWindow, s.MomentumBias),
		signal.WithVolatileDivergence(s.VolatileDivergence),
		signal.WithStalePenalty(s.StalePenalty),
		signal.WithMaxPerSnapshot(s.MaxPerSnapshot),
		signal.WithHistorySize(s.HistorySize),
		signal.WithHinter(strategy.Policy),
		signal.WithPeriodsPerYear(periodsPerYear(cfg)),
	}
	if scorer != nil {
		opts = append(opts, signal.WithScorer(scorer, cfg.Scorer.Timeout))
	}
	return signal.NewGenerator(m, l, opts...), nil
}

func ProvideSelector(cfg *config.Config, l *logger.Logger, session *util.Session) (*strategy.Selector, error) {
	s := cfg.Strategy
	hardExit, err := util.ParseClock(s.HardExit)
	if err != nil {
		return nil, fmt.Errorf("strategy.hard_exit: %w", err)
	}
	exits := make(map[models.StrategyType]strategy.ExitRule, len(s.Exits))
	for k, r := range s.Exits {
		exits[models.StrategyType(k)] = strategy.ExitRule{ProfitTargetPct: r.ProfitTargetPct, StopLossPct: r.StopLossPct}
	}
	return strategy.NewSelector(l,
		strategy.WithDeltas(strategy.Deltas{
			ATM:       s.ATMDelta,
			Short:     s.ShortDelta,
			Wing:      s.WingDelta,
			Vertical:  s.VerticalDelta,
			Strangle:  s.StrangleDelta,
			Tolerance: s.DeltaTolerance,
		}),
		strategy.WithContracts(s.Contracts),
		strategy.WithExits(exits),
		strategy.WithHardExit(hardExit, session.Loc, s.MinTimeToExit),
	), nil
}

func ProvideRiskManager(cfg *config.Config, m repository.Metrics, l *logger.Logger) (*risk.Manager, error) {
	r := cfg.Risk
	scale, err := regimeTable(r.VaRScale)
	if err != nil {
		return nil, fmt.Errorf("risk.var_scale: %w", err)
	}
	opts := []risk.Option{
		risk.WithConfidence(r.VaRConfidence),
		risk.WithRegimeScale(scale),
		risk.WithLimits(risk.Limits{
			PositionVaR:  r.MaxPositionVaRPct,
			PortfolioVaR: r.MaxPortfolioVaRPct,
			Underlying:   r.MaxUnderlyingPct,
			Sector:       r.MaxSectorPct,
		}),
		risk.WithSectors(cfg.Sectors),
		risk.WithSessionHours(r.SessionHours),
	}
	return risk.NewManager(m, l, opts...), nil
}

func ProvideBreakerStore(cfg *config.Config, c cache.Service) repository.BreakerStore {
	return internalrepo.NewBreakerStore(c, cfg.Breaker.StateKey, 7*24*time.Hour)
}

func ProvideBreaker(
	cfg *config.Config,
	m repository.Metrics,
	l *logger.Logger,
	store repository.BreakerStore,
	session *util.Session,
	sink *usecase.EventSink,
) *breaker.Breaker {
	b := cfg.Breaker
	return breaker.New(m, l,
		breaker.WithLimits(breaker.Limits{
			PositionLossPct:      b.PositionLossPct,
			DailyLossPct:         b.DailyLossPct,
			EmergencyDrawdownPct: b.EmergencyDrawdownPct,
			Level1Escalation:     b.Level1Escalation,
			ExecFailureLimit:     b.ExecFailureLimit,
		}),
		breaker.WithStore(store),
		breaker.WithSession(session),
		breaker.WithSubscriber(sink.Breaker),
	)
}

func ProvideLimiter() *ratelimit.Limiter { return ratelimit.New() }

func ProvideIdempotencyStore(c cache.Service) repository.IdempotencyStore {
	return internalrepo.NewIdempotencyStore(c)
}

func ProvideCoordinator(
	cfg *config.Config,
	gw *gateway.Gateway,
	idem repository.IdempotencyStore,
	chains *gateway.ChainClient,
	br *breaker.Breaker,
	limiter *ratelimit.Limiter,
	m repository.Metrics,
	l *logger.Logger,
	sink *usecase.EventSink,
) *execution.Coordinator {
	e := cfg.Execution
	return execution.NewCoordinator(gw, idem, chains, br, m, l,
		execution.WithMultiLeg(e.MultiLeg),
		execution.WithTimeouts(e.SubmitTimeout, e.FillTimeout, e.UnwindTimeout),
		execution.WithChainTimeout(e.ChainTimeout),
		execution.WithRetries(e.SubmitRetries),
		execution.WithIdempotencyTTL(e.IdempotencyTTL),
		execution.WithPacing(limiter, e.SubmitPerSec, e.SubmitBurst),
		execution.WithPositionLossPct(cfg.Breaker.PositionLossPct),
		execution.WithOrderListener(sink.Order),
		execution.WithPositionListener(sink.Position),
	)
}

// ProvideRealtimePipeline builds the middleware between tick sources and the aggregator.
func ProvideRealtimePipeline(cfg *config.Config, agg *snapshot.Aggregator, m repository.Metrics) *mid.RealtimePipeline {
	return mid.NewRealtimePipeline(agg, m,
		mid.WithMaxRPS(cfg.Feed.MaxRPS),
		mid.WithBufferSize(2000),
		mid.WithSymbols(cfg.Symbols),
	)
}

// ProvideTickCollector returns the direct websocket collector, or nil when the feed is disabled.
func ProvideTickCollector(cfg *config.Config, pipe *mid.RealtimePipeline, m repository.Metrics, l *logger.Logger) *usecase.TickCollector {
	if !cfg.Feed.Enabled {
		return nil
	}
	stream := feed.New(cfg.Feed.APIKey, cfg.Feed.WebSocketURL, cfg.Symbols, cfg.Feed.ReconnectDelay, cfg.Feed.PingInterval, l)
	return usecase.NewTickCollector(stream, pipe, cfg.Symbols, m, l)
}

// ProvideKafkaConsumer creates a Kafka consumer with the ticks, vol and execution handlers
// registered, or nil when Kafka is disabled.
func ProvideKafkaConsumer(
	cfg *config.Config,
	l *logger.Logger,
	pipe *mid.RealtimePipeline,
	agg *snapshot.Aggregator,
	exec *execution.Coordinator,
	m repository.Metrics,
) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	k := cfg.Kafka
	consumer, err := pkgkafka.NewConsumer(l,
		pkgkafka.WithConsumerBrokers(k.Brokers),
		pkgkafka.WithConsumerGroupID(k.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(k.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(k.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(k.Consumer.RetryMax, k.Consumer.BackoffMin, k.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(k.Consumer.DLQTopic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithHook(pkgkafka.Chain{pkgkafka.RejectEmpty(), pkgkafka.TraceHook()})
	consumer.RegisterHandler(usecase.NewTicksHandler(k.Topics.Ticks, pipe, m))
	consumer.RegisterHandler(usecase.NewVolHandler(k.Topics.Vol, agg, m))
	consumer.RegisterHandler(usecase.NewExecEventsHandler(k.Topics.ExecEvents, exec, m))
	return consumer, nil
}

func ProvideDecisionPipeline(
	cfg *config.Config,
	cls *regime.Classifier,
	corr *correlation.Engine,
	gen *signal.Generator,
	sel *strategy.Selector,
	rm *risk.Manager,
	br *breaker.Breaker,
	exec *execution.Coordinator,
	chains *gateway.ChainClient,
	account *gateway.AccountClient,
	sink *usecase.EventSink,
	m repository.Metrics,
	l *logger.Logger,
) *usecase.DecisionPipeline {
	return usecase.NewDecisionPipeline(cfg.Symbols, usecase.PipelineDeps{
		Classifier:  cls,
		Correlation: corr,
		Signals:     gen,
		Selector:    sel,
		Risk:        rm,
		Breaker:     br,
		Execution:   exec,
		Chains:      chains,
		Account:     account,
		Sink:        sink,
	}, cfg.Chain.Timeout, m, l)
}

func ProvideOperatorHandler(
	cfg *config.Config,
	l *logger.Logger,
	br *breaker.Breaker,
	cls *regime.Classifier,
	corr *correlation.Engine,
	gen *signal.Generator,
	exec *execution.Coordinator,
	limiter *ratelimit.Limiter,
	gw *gateway.Gateway,
	collector *usecase.TickCollector,
	q *queue.RedisQueue,
) *api.OperatorHandler {
	return api.NewOperatorHandler(l, br, cls, corr, gen, exec,
		api.WithMutationLimit(limiter, cfg.Server.MutationBurst, cfg.Server.MutationPerSec),
		api.WithHealth(server.Health(gw, collector, q)),
	)
}

func ProvideHTTPServer(cfg *config.Config, l *logger.Logger, h *api.OperatorHandler) *xhttp.Server {
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	return xhttp.NewServer(l, []xhttp.Handler{h},
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(cfg.Server.CORS),
		xhttp.WithMetricsPath(metricsPath),
	)
}

// ProvideApp assembles the application server.
func ProvideApp(
	cfg *config.Config,
	l *logger.Logger,
	agg *snapshot.Aggregator,
	pipe *mid.RealtimePipeline,
	collector *usecase.TickCollector,
	consumer *pkgkafka.Consumer,
	decisions *usecase.DecisionPipeline,
	sink *usecase.EventSink,
	br *breaker.Breaker,
	exec *execution.Coordinator,
	gw *gateway.Gateway,
	q *queue.RedisQueue,
	pub *internalrepo.KafkaEventPublisher,
	ch *pkgch.Client,
	c cache.Service,
	httpServer *xhttp.Server,
) *server.App {
	return server.New(cfg, l, server.Components{
		Aggregator: agg,
		Pipeline:   pipe,
		Collector:  collector,
		Consumer:   consumer,
		Decisions:  decisions,
		Sink:       sink,
		Breaker:    br,
		Execution:  exec,
		Gateway:    gw,
		AuditQueue: q,
		Publisher:  pub,
		ClickHouse: ch,
		Cache:      c,
		HTTP:       httpServer,
	})
}

// regimeTable converts a regime-name keyed table from config.
func regimeTable(in map[string]float64) (map[models.Regime]float64, error) {
	out := make(map[models.Regime]float64, len(in))
	for k, v := range in {
		r, err := models.ParseRegime(k)
		if err != nil {
			return nil, err
		}
		out[r] = v
	}
	return out, nil
}

// periodsPerYear annualizes per-snapshot returns over the trading session.
func periodsPerYear(cfg *config.Config) float64 {
	perSession := cfg.Risk.SessionHours * float64(time.Hour) / float64(cfg.Aggregator.Interval)
	return perSession * 252
}
