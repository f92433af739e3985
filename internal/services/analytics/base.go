package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	xhttp "ZeroDTE/pkg/http"
)

// HTTPServiceBase is the shared client for model services: base URL, client-side pacing and
// JSON POST with retry on transient failures.
type HTTPServiceBase struct {
	baseURL string
	client  *xhttp.Client
	limiter *rate.Limiter
}

// NewHTTPServiceBase paces calls at rps with a burst of one second's worth.
func NewHTTPServiceBase(baseURL string, timeout time.Duration, rps float64) *HTTPServiceBase {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	b := &HTTPServiceBase{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  xhttp.NewClient(xhttp.WithTimeout(timeout)),
	}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return b
}

// PostJSON posts payload to path and decodes the reply into dest. It waits for the limiter
// first, so a caller with a short deadline fails fast instead of queueing.
func (b *HTTPServiceBase) PostJSON(ctx context.Context, path string, payload, dest interface{}) error {
	if b.client == nil || b.baseURL == "" {
		return fmt.Errorf("analytics http client not initialized")
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("post %s: %w", path, err)
		}
	}
	if err := b.client.PostJSON(ctx, b.baseURL+path, payload, dest); err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	return nil
}

// PostJSONWithRetry retries transient failures up to attempts times with a linear backoff.
func (b *HTTPServiceBase) PostJSONWithRetry(ctx context.Context, path string, payload, dest interface{}, attempts int) error {
	var err error
	for i := 1; ; i++ {
		err = b.PostJSON(ctx, path, payload, dest)
		if err == nil || i >= attempts || !xhttp.IsRetryable(err) {
			return err
		}
		select {
		case <-time.After(time.Duration(i) * 50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
