package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"ZeroDTE/internal/domain/models"
	drepo "ZeroDTE/internal/domain/repository"
	xhttp "ZeroDTE/pkg/http"
	"ZeroDTE/pkg/logger"
)

// Gateway submits order intents to the broker-facing execution gateway over HTTP.
// Fills come back asynchronously on the execution events topic.
//
//	POST {base}/orders                 OrderIntent -> SubmitAck
//	POST {base}/orders/{key}/cancel
//	GET  {base}/capabilities           {"multi_leg": bool}
type Gateway struct {
	base     string
	client   *xhttp.Client
	log      *logger.Logger
	multiLeg atomic.Bool
}

func New(base string, client *xhttp.Client, log *logger.Logger) *Gateway {
	return &Gateway{base: strings.TrimRight(base, "/"), client: client, log: log}
}

var _ drepo.ExecutionGateway = (*Gateway)(nil)

// Probe asks the gateway what it supports. Until it succeeds every order goes leg by leg.
func (g *Gateway) Probe(ctx context.Context) error {
	var caps struct {
		MultiLeg bool `json:"multi_leg"`
	}
	if err := g.client.GetJSON(ctx, g.base+"/capabilities", nil, &caps); err != nil {
		return fmt.Errorf("gateway capabilities: %w", err)
	}
	g.multiLeg.Store(caps.MultiLeg)
	g.log.Info("gateway capabilities", logger.Bool("multi_leg", caps.MultiLeg))
	return nil
}

func (g *Gateway) SupportsMultiLeg() bool { return g.multiLeg.Load() }

// Submit returns an error only when the outcome is unknown and the same key may be retried.
// A definite refusal comes back as an unaccepted ack.
func (g *Gateway) Submit(ctx context.Context, intent models.OrderIntent) (models.SubmitAck, error) {
	var ack models.SubmitAck
	err := g.client.PostJSON(ctx, g.base+"/orders", intent, &ack)
	if err != nil {
		var se *xhttp.StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return models.SubmitAck{
				IdempotencyKey: intent.IdempotencyKey,
				Accepted:       false,
				Reason:         fmt.Sprintf("gateway %d: %s", se.Code, se.Body),
			}, nil
		}
		return models.SubmitAck{}, fmt.Errorf("submit %s: %w", intent.IdempotencyKey, err)
	}
	if ack.IdempotencyKey == "" {
		ack.IdempotencyKey = intent.IdempotencyKey
	}
	return ack, nil
}

// Cancel treats an order the gateway no longer knows as already cancelled.
func (g *Gateway) Cancel(ctx context.Context, idempotencyKey string) error {
	err := g.client.PostJSON(ctx, g.base+"/orders/"+url.PathEscape(idempotencyKey)+"/cancel", nil, nil)
	var se *xhttp.StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel %s: %w", idempotencyKey, err)
	}
	return nil
}
