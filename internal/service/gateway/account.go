package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ZeroDTE/internal/domain/models"
	drepo "ZeroDTE/internal/domain/repository"
	"ZeroDTE/internal/service/cache"
	xhttp "ZeroDTE/pkg/http"
)

// AccountClient reads equity and broker-side positions from GET {base}/account.
// Responses are reused for ttl so a burst of signals costs one request.
type AccountClient struct {
	base   string
	client *xhttp.Client
	ttl    time.Duration
	cache  *cache.TTLCache[*models.Account]
}

func NewAccountClient(base string, client *xhttp.Client, ttl time.Duration) *AccountClient {
	return &AccountClient{
		base:   strings.TrimRight(base, "/"),
		client: client,
		ttl:    ttl,
		cache:  cache.NewTTLCache[*models.Account](),
	}
}

var _ drepo.AccountState = (*AccountClient)(nil)

func (a *AccountClient) Account(ctx context.Context) (*models.Account, error) {
	if acc, ok := a.cache.Get("account"); ok {
		return acc, nil
	}
	var acc models.Account
	if err := a.client.GetJSON(ctx, a.base+"/account", nil, &acc); err != nil {
		return nil, fmt.Errorf("account: %w", err)
	}
	if acc.AsOf.IsZero() {
		acc.AsOf = time.Now()
	}
	a.cache.Set("account", &acc, a.ttl)
	return &acc, nil
}
