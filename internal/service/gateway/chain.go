package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"ZeroDTE/internal/domain/models"
	drepo "ZeroDTE/internal/domain/repository"
	"ZeroDTE/internal/service/cache"
	xhttp "ZeroDTE/pkg/http"
)

// ChainClient fetches the same-day expiration from GET {base}/chains/{symbol}.
// Concurrent requests for one symbol share a single call and the result is cached for ttl.
type ChainClient struct {
	base   string
	client *xhttp.Client
	ttl    time.Duration
	cache  *cache.TTLCache[*models.OptionChain]
	group  singleflight.Group
}

func NewChainClient(base string, client *xhttp.Client, ttl time.Duration) *ChainClient {
	return &ChainClient{
		base:   strings.TrimRight(base, "/"),
		client: client,
		ttl:    ttl,
		cache:  cache.NewTTLCache[*models.OptionChain](),
	}
}

var _ drepo.ChainProvider = (*ChainClient)(nil)

// Chain returns a shared chain; callers must not modify it.
func (c *ChainClient) Chain(ctx context.Context, symbol string) (*models.OptionChain, error) {
	if ch, ok := c.cache.Get(symbol); ok {
		return ch, nil
	}
	v, err, _ := c.group.Do(symbol, func() (interface{}, error) {
		var ch models.OptionChain
		if err := c.client.GetJSON(ctx, c.base+"/chains/"+url.PathEscape(symbol), nil, &ch); err != nil {
			return nil, err
		}
		if ch.Symbol == "" {
			ch.Symbol = symbol
		}
		if len(ch.Calls) == 0 && len(ch.Puts) == 0 {
			return nil, fmt.Errorf("empty chain")
		}
		c.cache.Set(symbol, &ch, c.ttl)
		return &ch, nil
	})
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", symbol, err)
	}
	return v.(*models.OptionChain), nil
}
