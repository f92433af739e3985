package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ZeroDTE/internal/domain/models"
	"ZeroDTE/internal/service/ratelimit"
	"ZeroDTE/internal/services/breaker"
	"ZeroDTE/internal/services/correlation"
	"ZeroDTE/internal/services/execution"
	"ZeroDTE/internal/services/regime"
	"ZeroDTE/internal/services/signal"
	"ZeroDTE/pkg/logger"
	"ZeroDTE/pkg/metrics"
)

type idleGateway struct{}

func (idleGateway) Submit(_ context.Context, in models.OrderIntent) (models.SubmitAck, error) {
	return models.SubmitAck{IdempotencyKey: in.IdempotencyKey, Accepted: true}, nil
}
func (idleGateway) Cancel(context.Context, string) error { return nil }
func (idleGateway) SupportsMultiLeg() bool              { return true }

type envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type fixture struct {
	e       *echo.Echo
	breaker *breaker.Breaker
}

func newFixture(t *testing.T, opts ...OperatorOption) *fixture {
	m, log := metrics.Nop{}, logger.NewNop()
	br := breaker.New(m, log)
	coord := execution.NewCoordinator(idleGateway{}, nil, nil, br, m, log)
	t.Cleanup(func() { _ = coord.Close(context.Background()) })

	h := NewOperatorHandler(log, br,
		regime.NewClassifier(m, log),
		correlation.NewEngine([]string{"SPY", "QQQ"}, m, log),
		signal.NewGenerator(m, log),
		coord,
		opts...,
	)
	e := echo.New()
	h.RegisterRoutes(e)
	return &fixture{e: e, breaker: br}
}

func (f *fixture) do(t *testing.T, method, target, body string) (int, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func TestHealth(t *testing.T) {
	f := newFixture(t, WithHealth(func(echo.Context) map[string]interface{} {
		return map[string]interface{}{"kafka": "ok"}
	}))
	code, env := f.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, code)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, "armed", out["breaker_level"])
	assert.Equal(t, "calm", out["regime"])
	assert.Equal(t, float64(0), out["open"])
	assert.Equal(t, "ok", out["kafka"])
}

func TestBreakerTripAndReset(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/api/breaker/trip", `{"reason":"no operator"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, models.BreakerArmed, f.breaker.Level())

	code, env := f.do(t, http.MethodPost, "/api/breaker/trip", `{"operator":"alice","reason":"fomc"}`)
	require.Equal(t, http.StatusOK, code)
	var tr models.BreakerTransition
	require.NoError(t, json.Unmarshal(env.Data, &tr))
	assert.Equal(t, models.BreakerManualHalt, tr.To)
	assert.Equal(t, models.EventManualTrip, tr.Event.Kind)

	code, env = f.do(t, http.MethodGet, "/api/breaker", "")
	require.Equal(t, http.StatusOK, code)
	var st models.BreakerState
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, models.BreakerManualHalt, st.Level)

	code, _ = f.do(t, http.MethodPost, "/api/breaker/reset", `{"operator":"alice"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.BreakerArmed, f.breaker.Level())
}

func TestSetBaseline(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"out of range", `{"a":"SPY","b":"QQQ","rho":1.5}`, http.StatusBadRequest},
		{"missing rho", `{"a":"SPY","b":"QQQ"}`, http.StatusBadRequest},
		{"same symbol", `{"a":"SPY","b":"SPY","rho":0.5}`, http.StatusBadRequest},
		{"untracked pair", `{"a":"SPY","b":"IWM","rho":0.5}`, http.StatusNotFound},
		{"pinned", `{"a":"QQQ","b":"SPY","rho":0.85}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := f.do(t, http.MethodPost, "/api/correlations/baseline", tt.body)
			assert.Equal(t, tt.code, code)
		})
	}

	code, env := f.do(t, http.MethodGet, "/api/correlations?symbol=SPY", "")
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Rows  []models.PairState `json:"rows"`
		Total int64              `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.EqualValues(t, 1, list.Total)
	assert.Equal(t, 0.85, list.Rows[0].Baseline)
	assert.True(t, list.Rows[0].Pinned)
}

func TestListsAndLookups(t *testing.T) {
	f := newFixture(t)

	for _, target := range []string{"/api/signals", "/api/orders?symbol=SPY", "/api/positions?status=open"} {
		code, env := f.do(t, http.MethodGet, target, "")
		require.Equal(t, http.StatusOK, code, target)
		assert.JSONEq(t, `{"rows":[],"total":0}`, string(env.Data), target)
	}

	code, _ := f.do(t, http.MethodGet, "/api/orders?limit=5000", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/api/orders/ord-404", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodGet, "/api/positions/pos-404", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodPost, "/api/positions/pos-404/close", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodGet, "/api/regime", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestMutationsAreRateLimited(t *testing.T) {
	f := newFixture(t, WithMutationLimit(ratelimit.New(), 1, 0))

	code, _ := f.do(t, http.MethodPost, "/api/correlations/recalibrate", `{"operator":"bob"}`)
	require.Equal(t, http.StatusOK, code)

	code, env := f.do(t, http.MethodPost, "/api/correlations/recalibrate", `{"operator":"bob"}`)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Contains(t, string(env.Data), "ERR_RATE_LIMITED")

	code, _ = f.do(t, http.MethodGet, "/api/breaker", "")
	assert.Equal(t, http.StatusOK, code, "reads are not limited")
}
