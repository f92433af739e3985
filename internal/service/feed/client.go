package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ZeroDTE/internal/domain/models"
	drepo "ZeroDTE/internal/domain/repository"
	"ZeroDTE/pkg/logger"
	"ZeroDTE/pkg/util"
)

var errNotConnected = errors.New("feed not connected")

// Client is a websocket tick stream speaking the trade/quote frame protocol:
//
//	{"type":"trade","data":[{"s":"SPY","p":512.3,"v":100,"t":1717000000000}]}
//	{"type":"quote","data":[{"s":"SPY","b":512.2,"a":512.4,"t":1717000000000}]}
type Client struct {
	apiKey         string
	websocketURL   string
	symbols        []string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *logger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	seq       atomic.Uint64
}

func New(apiKey, websocketURL string, symbols []string, reconnectDelay, pingInterval time.Duration, log *logger.Logger) *Client {
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	return &Client{
		apiKey:         apiKey,
		websocketURL:   websocketURL,
		symbols:        append([]string(nil), symbols...),
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
	}
}

var _ drepo.TickStream = (*Client)(nil)

func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.websocketURL)
	if err != nil {
		return fmt.Errorf("feed url: %w", err)
	}
	if c.apiKey != "" {
		q := u.Query()
		q.Set("token", c.apiKey)
		u.RawQuery = q.Encode()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("feed connect: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.log.Info("feed connected", logger.String("host", u.Host))
	return nil
}

func (c *Client) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	for _, s := range c.symbols {
		if err := c.conn.WriteJSON(map[string]string{"type": "subscribe", "symbol": s}); err != nil {
			return fmt.Errorf("subscribe %s: %w", s, err)
		}
	}
	c.log.Info("feed subscribed", logger.Strings("symbols", c.symbols))
	return nil
}

type frameItem struct {
	S string  `json:"s"`
	P float64 `json:"p"`
	V float64 `json:"v"`
	B float64 `json:"b"`
	A float64 `json:"a"`
	T int64   `json:"t"`
}

type frame struct {
	Type string      `json:"type"`
	Data []frameItem `json:"data"`
}

// decode turns one frame into ticks; frames that are not market data yield nothing.
func (c *Client) decode(b []byte) []models.Tick {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil || (f.Type != "trade" && f.Type != "quote") {
		return nil
	}
	out := make([]models.Tick, 0, len(f.Data))
	for _, d := range f.Data {
		t := models.Tick{Symbol: d.S, Timestamp: util.UnixAuto(d.T), Seq: c.seq.Add(1)}
		if f.Type == "trade" {
			t.Last, t.Size = d.P, d.V
		} else {
			t.Bid, t.Ask = d.B, d.A
		}
		out = append(out, t)
	}
	return out
}

// Read streams ticks until the connection fails or ctx ends. One error is sent before the
// channels close.
func (c *Client) Read(ctx context.Context) (<-chan models.Tick, <-chan error) {
	ticks := make(chan models.Tick, 1024)
	errs := make(chan error, 1)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		errs <- errNotConnected
		close(ticks)
		close(errs)
		return ticks, errs
	}

	done := make(chan struct{})
	go func() {
		t := time.NewTicker(c.pingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				c.mu.Lock()
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				c.mu.Unlock()
			}
		}
	}()

	go func() {
		defer close(done)
		defer close(ticks)
		defer close(errs)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				c.connected.Store(false)
				if ctx.Err() == nil {
					errs <- fmt.Errorf("feed read: %w", err)
				}
				return
			}
			for _, t := range c.decode(b) {
				select {
				case ticks <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ticks, errs
}

// Reconnect waits the configured delay, then dials and subscribes again.
func (c *Client) Reconnect(ctx context.Context) error {
	_ = c.Close()
	select {
	case <-time.After(c.reconnectDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.Subscribe(ctx)
}

func (c *Client) Close() error {
	c.connected.Store(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) IsConnected() bool { return c.connected.Load() }
