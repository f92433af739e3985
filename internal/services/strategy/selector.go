package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/pkg/logger"
	"ZeroDTE/pkg/util"
)

var (
	ErrNoStrategy    = errors.New("no strategy for bias and regime")
	ErrNoStrikes     = errors.New("no strikes within delta tolerance")
	ErrBadPricing    = errors.New("strategy legs do not price to a defined risk")
	ErrTooLate       = errors.New("too close to the hard time exit")
	ErrSignalExpired = errors.New("signal expired")
	ErrChainMismatch = errors.New("option chain does not match signal")
)

// Deltas are the absolute delta targets used for strike selection.
type Deltas struct {
	ATM       float64
	Short     float64
	Wing      float64
	Vertical  float64
	Strangle  float64
	Tolerance float64
}

var DefaultDeltas = Deltas{ATM: 0.50, Short: 0.20, Wing: 0.10, Vertical: 0.30, Strangle: 0.25, Tolerance: 0.05}

type ExitRule struct {
	ProfitTargetPct float64
	StopLossPct     float64
}

var DefaultExits = map[models.StrategyType]ExitRule{
	models.StrategyIronCondor:    {ProfitTargetPct: 0.50, StopLossPct: 2.0},
	models.StrategyIronButterfly: {ProfitTargetPct: 0.25, StopLossPct: 1.0},
	models.StrategyVertical:      {ProfitTargetPct: 1.0, StopLossPct: 0.5},
	models.StrategyStraddle:      {ProfitTargetPct: 0.5, StopLossPct: 0.4},
	models.StrategyStrangle:      {ProfitTargetPct: 0.75, StopLossPct: 0.5},
}

type Option func(*Selector)

func WithDeltas(d Deltas) Option {
	return func(s *Selector) { s.deltas = d }
}

func WithContracts(n int) Option {
	return func(s *Selector) {
		if n > 0 {
			s.contracts = n
		}
	}
}

func WithExits(m map[models.StrategyType]ExitRule) Option {
	return func(s *Selector) {
		for k, v := range m {
			s.exits[k] = v
		}
	}
}

// WithHardExit sets the wall-clock exit applied on the expiration date and the minimum time
// that must remain before it for a new order.
func WithHardExit(c util.Clock, loc *time.Location, minRemaining time.Duration) Option {
	return func(s *Selector) {
		s.hardExit = c
		if loc != nil {
			s.loc = loc
		}
		s.minRemaining = minRemaining
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

// Selector deterministically turns a signal and an option chain into a StrategyOrder.
type Selector struct {
	deltas       Deltas
	contracts    int
	exits        map[models.StrategyType]ExitRule
	hardExit     util.Clock
	loc          *time.Location
	minRemaining time.Duration
	now          func() time.Time
	log          *logger.Logger
}

func NewSelector(log *logger.Logger, opts ...Option) *Selector {
	s := &Selector{
		deltas:       DefaultDeltas,
		contracts:    10,
		exits:        make(map[models.StrategyType]ExitRule, len(DefaultExits)),
		hardExit:     util.Clock{Hour: 15, Minute: 45},
		loc:          time.UTC,
		minRemaining: 10 * time.Minute,
		now:          time.Now,
		log:          log,
	}
	for k, v := range DefaultExits {
		s.exits[k] = v
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select builds the order for sig. Every failure is a policy decline: no order is produced.
func (s *Selector) Select(sig models.Signal, chain *models.OptionChain) (*models.StrategyOrder, error) {
	now := s.now()
	if sig.Expired(now) {
		return nil, fmt.Errorf("%w: %s", ErrSignalExpired, sig.ID)
	}
	if chain == nil || chain.Symbol != sig.Symbol || chain.Spot <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrChainMismatch, sig.Symbol)
	}

	typ := sig.Hint
	if typ == models.StrategyNone {
		typ = Policy(sig.Bias, sig.Regime)
	}
	if typ == models.StrategyNone {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoStrategy, sig.Bias, sig.Regime)
	}

	timeExit := s.hardExit.On(chain.Expiration, s.loc)
	if now.Add(s.minRemaining).After(timeExit) {
		return nil, fmt.Errorf("%w: exit at %s", ErrTooLate, timeExit.Format(time.RFC3339))
	}

	var (
		legs []models.OptionLeg
		err  error
	)
	switch typ {
	case models.StrategyIronCondor:
		legs, err = s.ironCondor(chain)
	case models.StrategyIronButterfly:
		legs, err = s.ironButterfly(chain)
	case models.StrategyVertical:
		legs, err = s.vertical(chain, sig.Bias)
	case models.StrategyStraddle:
		legs, err = s.straddle(chain)
	case models.StrategyStrangle:
		legs, err = s.strangle(chain)
	default:
		err = fmt.Errorf("%w: %s", ErrNoStrategy, typ)
	}
	if err != nil {
		return nil, err
	}

	cost := netPremium(legs)
	maxLoss, err := maxLossPerUnit(typ, legs, cost)
	if err != nil {
		return nil, err
	}

	rule := s.exits[typ]
	order := &models.StrategyOrder{
		ID:             uuid.NewString(),
		SignalID:       sig.ID,
		Symbol:         sig.Symbol,
		Type:           typ,
		Legs:           legs,
		Quantity:       s.contracts,
		UnitCost:       cost,
		MaxLossPerUnit: maxLoss,
		Underlying:     chain.Spot,
		ImpliedVol:     meanIV(legs),
		Exits: models.ExitConditions{
			ProfitTargetPct: rule.ProfitTargetPct,
			StopLossPct:     rule.StopLossPct,
			TimeExit:        timeExit,
		},
		SignalExpiresAt: sig.ExpiresAt,
		Regime:          sig.Regime,
		CreatedAt:       now,
	}
	if err := order.Validate(); err != nil {
		return nil, models.NewInvariantError("strategy", "built invalid order: %v", err)
	}

	s.log.Info("strategy selected",
		logger.String("order_id", order.ID),
		logger.String("signal_id", sig.ID),
		logger.String("symbol", order.Symbol),
		logger.String("type", string(order.Type)),
		logger.Int("legs", len(order.Legs)),
		logger.Float64("unit_cost", order.UnitCost),
		logger.Float64("max_loss_per_unit", order.MaxLossPerUnit),
		logger.Time("time_exit", timeExit),
	)
	return order, nil
}

func (s *Selector) pick(c *models.OptionChain, r models.OptionRight, target float64) (models.OptionQuote, error) {
	q, ok := byDelta(c.Quotes(r), target, s.deltas.Tolerance)
	if !ok {
		return q, fmt.Errorf("%w: %s %s delta %.2f", ErrNoStrikes, c.Symbol, r, target)
	}
	return q, nil
}

func (s *Selector) ironCondor(c *models.OptionChain) ([]models.OptionLeg, error) {
	sp, err := s.pick(c, models.RightPut, s.deltas.Short)
	if err != nil {
		return nil, err
	}
	lp, err := s.pick(c, models.RightPut, s.deltas.Wing)
	if err != nil {
		return nil, err
	}
	sc, err := s.pick(c, models.RightCall, s.deltas.Short)
	if err != nil {
		return nil, err
	}
	lc, err := s.pick(c, models.RightCall, s.deltas.Wing)
	if err != nil {
		return nil, err
	}
	if !(lp.Strike < sp.Strike && sp.Strike < sc.Strike && sc.Strike < lc.Strike) {
		return nil, fmt.Errorf("%w: condor strikes out of order", ErrNoStrikes)
	}
	return []models.OptionLeg{
		leg(models.RightPut, models.SideBuy, lp, c),
		leg(models.RightPut, models.SideSell, sp, c),
		leg(models.RightCall, models.SideSell, sc, c),
		leg(models.RightCall, models.SideBuy, lc, c),
	}, nil
}

func (s *Selector) ironButterfly(c *models.OptionChain) ([]models.OptionLeg, error) {
	sc, err := s.pick(c, models.RightCall, s.deltas.ATM)
	if err != nil {
		return nil, err
	}
	sp, ok := c.Lookup(models.RightPut, sc.Strike)
	if !ok || sp.Ask <= 0 {
		return nil, fmt.Errorf("%w: no put at body strike %.2f", ErrNoStrikes, sc.Strike)
	}
	lp, err := s.pick(c, models.RightPut, s.deltas.Short)
	if err != nil {
		return nil, err
	}
	lc, err := s.pick(c, models.RightCall, s.deltas.Short)
	if err != nil {
		return nil, err
	}
	if !(lp.Strike < sc.Strike && sc.Strike < lc.Strike) {
		return nil, fmt.Errorf("%w: butterfly wings do not straddle the body", ErrNoStrikes)
	}
	return []models.OptionLeg{
		leg(models.RightPut, models.SideBuy, lp, c),
		leg(models.RightPut, models.SideSell, sp, c),
		leg(models.RightCall, models.SideSell, sc, c),
		leg(models.RightCall, models.SideBuy, lc, c),
	}, nil
}

// vertical is a debit spread in the direction of the bias: long near the money, short further out.
func (s *Selector) vertical(c *models.OptionChain, bias models.Bias) ([]models.OptionLeg, error) {
	right := models.RightCall
	if bias == models.BiasBearish {
		right = models.RightPut
	}
	long, err := s.pick(c, right, s.deltas.ATM)
	if err != nil {
		return nil, err
	}
	short, err := s.pick(c, right, s.deltas.Vertical)
	if err != nil {
		return nil, err
	}
	if right == models.RightCall && short.Strike <= long.Strike || right == models.RightPut && short.Strike >= long.Strike {
		return nil, fmt.Errorf("%w: vertical strikes collapsed", ErrNoStrikes)
	}
	return []models.OptionLeg{
		leg(right, models.SideBuy, long, c),
		leg(right, models.SideSell, short, c),
	}, nil
}

func (s *Selector) straddle(c *models.OptionChain) ([]models.OptionLeg, error) {
	call, err := s.pick(c, models.RightCall, s.deltas.ATM)
	if err != nil {
		return nil, err
	}
	put, ok := c.Lookup(models.RightPut, call.Strike)
	if !ok || put.Ask <= 0 {
		return nil, fmt.Errorf("%w: no put at %.2f", ErrNoStrikes, call.Strike)
	}
	return []models.OptionLeg{
		leg(models.RightCall, models.SideBuy, call, c),
		leg(models.RightPut, models.SideBuy, put, c),
	}, nil
}

func (s *Selector) strangle(c *models.OptionChain) ([]models.OptionLeg, error) {
	call, err := s.pick(c, models.RightCall, s.deltas.Strangle)
	if err != nil {
		return nil, err
	}
	put, err := s.pick(c, models.RightPut, s.deltas.Strangle)
	if err != nil {
		return nil, err
	}
	if put.Strike >= call.Strike {
		return nil, fmt.Errorf("%w: strangle strikes overlap", ErrNoStrikes)
	}
	return []models.OptionLeg{
		leg(models.RightCall, models.SideBuy, call, c),
		leg(models.RightPut, models.SideBuy, put, c),
	}, nil
}

// maxLossPerUnit is the defined-risk loss per unit in dollars: the widest wing less the credit
// for short-premium structures, the debit for long-premium ones.
func maxLossPerUnit(typ models.StrategyType, legs []models.OptionLeg, cost float64) (float64, error) {
	var loss float64
	switch typ {
	case models.StrategyIronCondor, models.StrategyIronButterfly:
		if cost >= 0 {
			return 0, fmt.Errorf("%w: %s priced as a debit", ErrBadPricing, typ)
		}
		putWidth := legs[1].Strike - legs[0].Strike
		callWidth := legs[3].Strike - legs[2].Strike
		width := putWidth
		if callWidth > width {
			width = callWidth
		}
		loss = width + cost
	default:
		if cost <= 0 {
			return 0, fmt.Errorf("%w: %s priced as a credit", ErrBadPricing, typ)
		}
		loss = cost
	}
	if loss <= 0 {
		return 0, fmt.Errorf("%w: %s max loss %.4f", ErrBadPricing, typ, loss)
	}
	return loss * models.ContractMultiplier, nil
}
