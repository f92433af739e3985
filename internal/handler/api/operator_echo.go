package api

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/internal/service/ratelimit"
	"ZeroDTE/internal/services/breaker"
	"ZeroDTE/internal/services/correlation"
	"ZeroDTE/internal/services/execution"
	"ZeroDTE/internal/services/regime"
	"ZeroDTE/internal/services/signal"
	xhttp "ZeroDTE/pkg/http"
	xlogger "ZeroDTE/pkg/logger"
)

// HealthFunc reports component status for GET /api/health.
type HealthFunc func(c echo.Context) map[string]interface{}

// OperatorHandler exposes the decision core to operators: breaker control, regime and
// correlation views, signals, orders and positions.
type OperatorHandler struct {
	logger  *xlogger.Logger
	breaker *breaker.Breaker
	regime  *regime.Classifier
	corr    *correlation.Engine
	signals *signal.Generator
	exec    *execution.Coordinator
	limiter *ratelimit.Limiter
	health  HealthFunc

	mutationBurst float64
	mutationRate  float64
	now           func() time.Time
}

type OperatorOption func(*OperatorHandler)

// WithMutationLimit caps POST requests per client IP.
func WithMutationLimit(l *ratelimit.Limiter, burst, perSec float64) OperatorOption {
	return func(h *OperatorHandler) {
		h.limiter = l
		h.mutationBurst = burst
		h.mutationRate = perSec
	}
}

func WithHealth(f HealthFunc) OperatorOption {
	return func(h *OperatorHandler) { h.health = f }
}

func NewOperatorHandler(
	logger *xlogger.Logger,
	br *breaker.Breaker,
	cls *regime.Classifier,
	corr *correlation.Engine,
	gen *signal.Generator,
	exec *execution.Coordinator,
	opts ...OperatorOption,
) *OperatorHandler {
	h := &OperatorHandler{
		logger:  logger,
		breaker: br,
		regime:  cls,
		corr:    corr,
		signals: gen,
		exec:    exec,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ xhttp.Handler = (*OperatorHandler)(nil)

func (h *OperatorHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/health", h.Health)

	g.GET("/breaker", h.Breaker)
	g.POST("/breaker/trip", h.TripBreaker, h.limitMutations)
	g.POST("/breaker/reset", h.ResetBreaker, h.limitMutations)

	g.GET("/regime", h.Regime)
	g.GET("/correlations", h.Correlations)
	g.POST("/correlations/recalibrate", h.Recalibrate, h.limitMutations)
	g.POST("/correlations/baseline", h.SetBaseline, h.limitMutations)

	g.GET("/signals", h.Signals)
	g.GET("/orders", h.Orders)
	g.GET("/orders/:id", h.Order)
	g.GET("/positions", h.Positions)
	g.GET("/positions/:id", h.Position)
	g.POST("/positions/:id/close", h.ClosePosition, h.limitMutations)
}

func (h *OperatorHandler) limitMutations(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.limiter != nil && !h.limiter.Allow("operator:"+c.RealIP(), h.mutationBurst, h.mutationRate) {
			return xhttp.AppErrorResponse(c, xhttp.NewAppError("ERR_RATE_LIMITED", "", "too many operator requests", http.StatusTooManyRequests))
		}
		return next(c)
	}
}

func (h *OperatorHandler) Health(c echo.Context) error {
	out := map[string]interface{}{
		"breaker_level": h.breaker.Level().String(),
		"regime":        h.regime.Current().Regime.String(),
		"open":          len(h.exec.OpenPositions()),
	}
	if h.health != nil {
		for k, v := range h.health(c) {
			out[k] = v
		}
	}
	return xhttp.SuccessResponse(c, out)
}

func (h *OperatorHandler) Breaker(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.breaker.State())
}

func (h *OperatorHandler) TripBreaker(c echo.Context) error {
	req := &models.TripBreakerRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	tr, err := h.breaker.Trip(c.Request().Context(), req.Operator, req.Reason)
	if err != nil {
		return h.breakerError(c, err)
	}
	h.logger.Warn("breaker tripped by operator", xlogger.String("operator", req.Operator), xlogger.String("reason", req.Reason))
	return xhttp.SuccessResponse(c, tr)
}

func (h *OperatorHandler) ResetBreaker(c echo.Context) error {
	req := &models.ResetBreakerRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	tr, err := h.breaker.Reset(c.Request().Context(), req.Operator, req.Reason)
	if err != nil {
		return h.breakerError(c, err)
	}
	h.logger.Info("breaker reset by operator", xlogger.String("operator", req.Operator), xlogger.String("reason", req.Reason))
	return xhttp.SuccessResponse(c, tr)
}

func (h *OperatorHandler) breakerError(c echo.Context, err error) error {
	if errors.Is(err, breaker.ErrNotManual) {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("operator identity required").WithError(err))
	}
	h.logger.Error("breaker operator action failed", xlogger.Error(err))
	return xhttp.AppErrorResponse(c, err)
}

func (h *OperatorHandler) Regime(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.regime.Current())
}

func (h *OperatorHandler) Correlations(c echo.Context) error {
	req := &models.ListRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	m := h.corr.Matrix()
	if req.Symbol == "" {
		return xhttp.SuccessResponse(c, m)
	}
	rows := m.PairsWith(req.Symbol)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Pair.String() < rows[j].Pair.String() })
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *OperatorHandler) Recalibrate(c echo.Context) error {
	req := &models.RecalibrateRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	n := h.corr.Recalibrate(h.now())
	h.logger.Info("correlation baselines recalibrated", xlogger.String("operator", req.Operator), xlogger.Int("pairs", n))
	return xhttp.SuccessResponse(c, map[string]int{"pinned": n})
}

func (h *OperatorHandler) SetBaseline(c echo.Context) error {
	req := &models.SetBaselineRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if err := h.corr.SetBaseline(req.A, req.B, *req.Rho); err != nil {
		switch {
		case errors.Is(err, correlation.ErrUnknownPair):
			return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("pair %s/%s is not tracked", req.A, req.B))
		case errors.Is(err, correlation.ErrBaselineRange):
			return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("rho must be within [-1,1]").WithParam("rho", *req.Rho))
		}
		return xhttp.AppErrorResponse(c, err)
	}
	h.logger.Info("correlation baseline pinned", xlogger.String("a", req.A), xlogger.String("b", req.B), xlogger.Float64("rho", *req.Rho))
	st, _ := h.corr.Matrix().Get(req.A, req.B)
	return xhttp.SuccessResponse(c, st)
}

func (h *OperatorHandler) Signals(c echo.Context) error {
	req := &models.ListRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	var rows []models.Signal
	for _, s := range h.signals.Active(h.now()) {
		if req.Symbol != "" && s.Symbol != req.Symbol {
			continue
		}
		rows = append(rows, s)
	}
	return xhttp.ListResponse(c, limit(rows, req.Limit), int64(len(rows)))
}

func (h *OperatorHandler) Orders(c echo.Context) error {
	req := &models.ListRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	var rows []models.OrderRecord
	for _, r := range h.exec.Orders() {
		if req.Symbol != "" && r.Order.Symbol != req.Symbol {
			continue
		}
		if req.Status != "" && string(r.Status) != req.Status {
			continue
		}
		rows = append(rows, r)
	}
	return xhttp.ListResponse(c, limit(rows, req.Limit), int64(len(rows)))
}

func (h *OperatorHandler) Order(c echo.Context) error {
	req := &models.IDRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	rec, ok := h.exec.Order(req.ID)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("order %s not found", req.ID))
	}
	return xhttp.SuccessResponse(c, rec)
}

func (h *OperatorHandler) Positions(c echo.Context) error {
	req := &models.ListRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	var rows []models.Position
	for _, p := range h.exec.Positions() {
		if req.Symbol != "" && p.Symbol != req.Symbol {
			continue
		}
		if req.Status != "" && string(p.Status) != req.Status {
			continue
		}
		rows = append(rows, p)
	}
	return xhttp.ListResponse(c, limit(rows, req.Limit), int64(len(rows)))
}

func (h *OperatorHandler) Position(c echo.Context) error {
	req := &models.IDRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	p, ok := h.exec.Position(req.ID)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("position %s not found", req.ID))
	}
	return xhttp.SuccessResponse(c, p)
}

func (h *OperatorHandler) ClosePosition(c echo.Context) error {
	req := &models.ClosePositionRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	err := h.exec.ClosePosition(c.Request().Context(), req.ID, models.ExitReason(req.Reason))
	switch {
	case errors.Is(err, execution.ErrUnknownPosition):
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("position %s not found", req.ID))
	case errors.Is(err, execution.ErrNotOpen):
		return xhttp.AppErrorResponse(c, xhttp.ConflictErrorf("position %s is not open", req.ID))
	case err != nil:
		h.logger.Error("close position failed", xlogger.String("position_id", req.ID), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	p, _ := h.exec.Position(req.ID)
	return xhttp.AcceptedResponse(c, p)
}

func limit[T any](rows []T, n int) []T {
	if rows == nil {
		return []T{}
	}
	if n > 0 && len(rows) > n {
		return rows[:n]
	}
	return rows
}
