// Package marketdata implements the QuoteStream over a WebSocket price feed.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	domrepo "marketpulse/internal/domain/repository"
	applogger "marketpulse/pkg/logger"
)

// Client is a gorilla/websocket quote feed. One Connect per Read lifecycle;
// the MarkFeed owns reconnection.
type Client struct {
	apiKey       string
	websocketURL string
	pingInterval time.Duration
	l            *applogger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

func New(websocketURL, apiKey string, pingInterval time.Duration, l *applogger.Logger) *Client {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Client{
		apiKey:       apiKey,
		websocketURL: websocketURL,
		pingInterval: pingInterval,
		l:            l.With("marketdata"),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	u := c.websocketURL
	if c.apiKey != "" {
		u = fmt.Sprintf("%s?token=%s", c.websocketURL, c.apiKey)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("marketdata connect: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.l.Info("quote feed connected")
	return nil
}

func (c *Client) Subscribe(_ context.Context, marketIDs []string) error {
	c.mu.Lock()
	conn, ok := c.conn, c.connected
	c.mu.Unlock()
	if !ok || conn == nil {
		return fmt.Errorf("marketdata not connected")
	}
	for _, id := range marketIDs {
		msg := map[string]string{"type": "subscribe", "market": id}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("subscribe %s: %w", id, err)
		}
	}
	c.l.Info("subscribed to markets", applogger.Int("count", len(marketIDs)))
	return nil
}

type quoteFrame struct {
	Type string `json:"type"`
	Data []struct {
		Market string  `json:"market"`
		Price  float64 `json:"price"`
		TS     int64   `json:"ts"` // ms
	} `json:"data"`
}

// Read streams quotes until the connection drops or ctx ends. Frames that
// are not quotes are skipped. Slow consumers drop quotes rather than block
// the socket.
func (c *Client) Read(ctx context.Context) (<-chan domrepo.Quote, <-chan error) {
	quotes := make(chan domrepo.Quote, 1024)
	errs := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn != nil {
					_ = conn.WriteMessage(websocket.PingMessage, nil)
				}
			}
		}
	}()

	go func() {
		defer close(quotes)
		defer close(errs)
		for {
			if ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				errs <- fmt.Errorf("marketdata conn closed")
				return
			}
			_, b, err := conn.ReadMessage()
			if err != nil {
				errs <- fmt.Errorf("marketdata read: %w", err)
				return
			}
			var frame quoteFrame
			if err := json.Unmarshal(b, &frame); err != nil || frame.Type != "quote" {
				continue
			}
			for _, d := range frame.Data {
				q := domrepo.Quote{
					MarketID:  d.Market,
					Price:     d.Price,
					Timestamp: time.UnixMilli(d.TS),
				}
				select {
				case quotes <- q:
				default:
				}
			}
		}
	}()

	return quotes, errs
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

var _ domrepo.QuoteStream = (*Client)(nil)
