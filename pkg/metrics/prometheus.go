package metrics

import (
	"strconv"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/internal/domain/repository"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	errorsTotal   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	lastPrice     *prometheus.GaugeVec
	snapshots     prometheus.Counter
	staleSymbols  prometheus.Gauge
	regime        prometheus.Gauge
	divergences   *prometheus.CounterVec
	signals       *prometheus.CounterVec
	riskDecisions *prometheus.CounterVec
	breakerLevel  prometheus.Gauge
	orders        *prometheus.CounterVec
}

// New creates a recorder registered on the default Prometheus registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the recorder's collectors on reg.
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerodte_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zerodte_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"operation"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zerodte_last_price",
				Help: "Last recorded price for a symbol",
			},
			[]string{"symbol"},
		),
		snapshots: f.NewCounter(prometheus.CounterOpts{
			Name: "zerodte_snapshots_total",
			Help: "Snapshots emitted by the aggregator",
		}),
		staleSymbols: f.NewGauge(prometheus.GaugeOpts{
			Name: "zerodte_snapshot_stale_symbols",
			Help: "Stale symbols in the latest snapshot",
		}),
		regime: f.NewGauge(prometheus.GaugeOpts{
			Name: "zerodte_regime",
			Help: "Current volatility regime (0=calm .. 3=extreme)",
		}),
		divergences: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerodte_divergence_events_total",
				Help: "Correlation divergence events by pair and severity",
			},
			[]string{"pair", "level"},
		),
		signals: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerodte_signals_total",
				Help: "Signal candidates by outcome",
			},
			[]string{"symbol", "outcome"},
		),
		riskDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerodte_risk_decisions_total",
				Help: "Risk manager decisions by action",
			},
			[]string{"action"},
		),
		breakerLevel: f.NewGauge(prometheus.GaugeOpts{
			Name: "zerodte_breaker_level",
			Help: "Circuit breaker level (0=armed .. 4=manual halt)",
		}),
		orders: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zerodte_orders_total",
				Help: "Dispatched strategy orders by terminal status",
			},
			[]string{"status"},
		),
	}
}

func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

func (r *Recorder) RecordSnapshot(stale int) {
	r.snapshots.Inc()
	r.staleSymbols.Set(float64(stale))
}

func (r *Recorder) RecordRegime(reg models.Regime) {
	r.regime.Set(float64(reg))
}

func (r *Recorder) RecordDivergence(pair string, level int) {
	r.divergences.WithLabelValues(pair, strconv.Itoa(level)).Inc()
}

func (r *Recorder) RecordSignal(symbol, outcome string) {
	r.signals.WithLabelValues(symbol, outcome).Inc()
}

func (r *Recorder) RecordRiskDecision(action models.RiskAction) {
	r.riskDecisions.WithLabelValues(string(action)).Inc()
}

func (r *Recorder) RecordBreakerLevel(level models.BreakerLevel) {
	r.breakerLevel.Set(float64(level))
}

func (r *Recorder) RecordOrder(status models.OrderStatus) {
	r.orders.WithLabelValues(string(status)).Inc()
}

var _ repository.Metrics = (*Recorder)(nil)

// Nop discards all measurements.
type Nop struct{}

func (Nop) RecordError(string)                     {}
func (Nop) RecordLatency(string, float64)          {}
func (Nop) RecordLastPrice(string, float64)        {}
func (Nop) RecordSnapshot(int)                     {}
func (Nop) RecordRegime(models.Regime)             {}
func (Nop) RecordDivergence(string, int)           {}
func (Nop) RecordSignal(string, string)            {}
func (Nop) RecordRiskDecision(models.RiskAction)   {}
func (Nop) RecordBreakerLevel(models.BreakerLevel) {}
func (Nop) RecordOrder(models.OrderStatus)         {}

var _ repository.Metrics = Nop{}
