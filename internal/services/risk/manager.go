package risk

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/internal/domain/repository"
	"ZeroDTE/internal/services/features"
	"ZeroDTE/pkg/logger"
)

// Limits are fractions of account equity.
type Limits struct {
	PositionVaR  float64
	PortfolioVaR float64
	Underlying   float64
	Sector       float64
}

var DefaultLimits = Limits{PositionVaR: 0.02, PortfolioVaR: 0.06, Underlying: 0.10, Sector: 0.25}

type Option func(*Manager)

// WithConfidence sets the VaR confidence level, e.g. 0.99.
func WithConfidence(p float64) Option {
	return func(m *Manager) {
		if p > 0.5 && p < 1 {
			m.confidence = p
			m.z = features.NormalQuantile(p)
		}
	}
}

// WithRegimeScale widens VaR per regime.
func WithRegimeScale(s map[models.Regime]float64) Option {
	return func(m *Manager) {
		for r, v := range s {
			m.scale[r] = v
		}
	}
}

func WithLimits(l Limits) Option {
	return func(m *Manager) { m.limits = l }
}

// WithSectors maps symbols to sectors for concentration checks. Unmapped symbols form their own sector.
func WithSectors(s map[string]string) Option {
	return func(m *Manager) {
		for k, v := range s {
			m.sectors[k] = v
		}
	}
}

func WithSessionHours(h float64) Option {
	return func(m *Manager) {
		if h > 0 {
			m.sessionHours = h
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager sizes orders against position, portfolio and concentration limits.
type Manager struct {
	confidence   float64
	z            float64
	scale        map[models.Regime]float64
	limits       Limits
	sectors      map[string]string
	sessionHours float64
	now          func() time.Time
	metrics      repository.Metrics
	log          *logger.Logger
}

func NewManager(metrics repository.Metrics, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		confidence: 0.99,
		z:          features.NormalQuantile(0.99),
		scale: map[models.Regime]float64{
			models.RegimeCalm:     1.0,
			models.RegimeElevated: 1.2,
			models.RegimeStressed: 1.5,
			models.RegimeExtreme:  2.0,
		},
		limits:       DefaultLimits,
		sectors:      make(map[string]string),
		sessionHours: 6.5,
		now:          time.Now,
		metrics:      metrics,
		log:          log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) scaleFor(r models.Regime) float64 {
	if s, ok := m.scale[r]; ok && s > 0 {
		return s
	}
	return 1
}

// Sector returns the configured sector of a symbol.
func (m *Manager) Sector(symbol string) string {
	if s, ok := m.sectors[symbol]; ok {
		return s
	}
	return symbol
}

// Book is the portfolio the order is evaluated against.
type Book struct {
	Account   models.Account
	Positions []models.Position
}

// Evaluate approves the order unchanged, rescales it down to the largest size that fits every
// limit, or rejects it. The decision is logged whatever the outcome. A malformed order is an
// invariant failure and produces no decision.
func (m *Manager) Evaluate(order *models.StrategyOrder, book Book, matrix models.CorrelationMatrix) (models.RiskDecision, error) {
	if order == nil {
		return models.RiskDecision{}, models.NewInvariantError("risk", "nil order")
	}
	if err := order.Validate(); err != nil {
		return models.RiskDecision{}, models.NewInvariantError("risk", "order %s: %v", order.ID, err)
	}

	now := m.now()
	d := models.RiskDecision{
		OrderID:     order.ID,
		SignalID:    order.SignalID,
		Symbol:      order.Symbol,
		OriginalQty: order.Quantity,
		Regime:      order.Regime,
		Timestamp:   now,
	}

	equity := book.Account.Equity
	if equity <= 0 {
		d.Action = models.RiskReject
		d.Reason = "account equity unavailable"
		m.finish(d)
		return d, nil
	}

	unitVaR := m.UnitVaR(order, now)
	sector := m.Sector(order.Symbol)

	exps := make([]exposure, 0, len(book.Positions)+1)
	for _, p := range book.Positions {
		if p.Status == models.PositionClosed {
			continue
		}
		v := p.VaR
		if v <= 0 {
			v = p.MaxLoss
		}
		exps = append(exps, exposure{symbol: p.Symbol, sector: m.Sector(p.Symbol), vaR: v, loss: p.MaxLoss})
	}
	before := portfolioVaR(exps, matrix)

	var underlying, sectorLoss float64
	for _, e := range exps {
		if e.symbol == order.Symbol {
			underlying += e.loss
		}
		if e.sector == sector {
			sectorLoss += e.loss
		}
	}

	evalAt := func(qty int) (models.RiskMetrics, []string) {
		q := float64(qty)
		pos := exposure{symbol: order.Symbol, sector: sector, vaR: unitVaR * q, loss: order.MaxLossPerUnit * q}
		all := append(append(make([]exposure, 0, len(exps)+1), exps...), pos)
		after := portfolioVaR(all, matrix)

		required := order.MaxLossPerUnit * q
		if !order.IsCredit() {
			required = order.UnitCost * models.ContractMultiplier * q
		}

		met := models.RiskMetrics{
			PositionVaR:        pos.vaR,
			PortfolioVaRBefore: before,
			PortfolioVaRAfter:  after,
			MarginalVaR:        after - before,
			ComponentVaR:       componentVaR(all, len(all)-1, matrix, after),
			UnderlyingExposure: underlying + pos.loss,
			Sector:             sector,
			SectorExposure:     sectorLoss + pos.loss,
			RequiredCapital:    required,
			Equity:             equity,
		}

		var breaches []string
		if met.PositionVaR > m.limits.PositionVaR*equity {
			breaches = append(breaches, fmt.Sprintf("position_var %.2f > %.2f", met.PositionVaR, m.limits.PositionVaR*equity))
		}
		if met.PortfolioVaRAfter > m.limits.PortfolioVaR*equity {
			breaches = append(breaches, fmt.Sprintf("portfolio_var %.2f > %.2f", met.PortfolioVaRAfter, m.limits.PortfolioVaR*equity))
		}
		if met.UnderlyingExposure > m.limits.Underlying*equity {
			breaches = append(breaches, fmt.Sprintf("underlying_exposure %.2f > %.2f", met.UnderlyingExposure, m.limits.Underlying*equity))
		}
		if met.SectorExposure > m.limits.Sector*equity {
			breaches = append(breaches, fmt.Sprintf("sector_exposure[%s] %.2f > %.2f", sector, met.SectorExposure, m.limits.Sector*equity))
		}
		if book.Account.BuyingPower > 0 && required > book.Account.BuyingPower {
			breaches = append(breaches, fmt.Sprintf("buying_power %.2f > %.2f", required, book.Account.BuyingPower))
		}
		return met, breaches
	}

	met, breaches := evalAt(order.Quantity)
	d.Metrics = met
	if len(breaches) == 0 {
		d.Action = models.RiskApprove
		d.ApprovedQty = order.Quantity
		d.Order = order
		m.finish(d)
		return d, nil
	}
	d.Breaches = breaches

	// every limit grows monotonically with size, so the first fitting size from the top is the largest
	for q := order.Quantity - 1; q >= 1; q-- {
		qm, qb := evalAt(q)
		if len(qb) > 0 {
			continue
		}
		d.Action = models.RiskRescale
		d.ApprovedQty = q
		d.Order = order.Rescaled(uuid.NewString(), q)
		d.Metrics = qm
		d.Reason = fmt.Sprintf("rescaled %d -> %d", order.Quantity, q)
		m.finish(d)
		return d, nil
	}

	d.Action = models.RiskReject
	d.Reason = "limits breached at minimum size"
	m.finish(d)
	return d, nil
}

func (m *Manager) finish(d models.RiskDecision) {
	m.metrics.RecordRiskDecision(d.Action)

	fields := []logger.Field{
		logger.String("order_id", d.OrderID),
		logger.String("signal_id", d.SignalID),
		logger.String("symbol", d.Symbol),
		logger.String("action", string(d.Action)),
		logger.Int("original_qty", d.OriginalQty),
		logger.Int("approved_qty", d.ApprovedQty),
		logger.Float64("position_var", d.Metrics.PositionVaR),
		logger.Float64("portfolio_var_before", d.Metrics.PortfolioVaRBefore),
		logger.Float64("portfolio_var_after", d.Metrics.PortfolioVaRAfter),
		logger.Float64("marginal_var", d.Metrics.MarginalVaR),
		logger.Float64("component_var", d.Metrics.ComponentVaR),
		logger.Float64("underlying_exposure", d.Metrics.UnderlyingExposure),
		logger.Float64("sector_exposure", d.Metrics.SectorExposure),
		logger.Float64("equity", d.Metrics.Equity),
		logger.String("regime", d.Regime.String()),
	}
	if d.Reason != "" {
		fields = append(fields, logger.String("reason", d.Reason))
	}
	if len(d.Breaches) > 0 {
		fields = append(fields, logger.Strings("breaches", d.Breaches))
	}
	if d.Action == models.RiskReject {
		m.log.Warn("risk decision", fields...)
	} else {
		m.log.Info("risk decision", fields...)
	}
}
