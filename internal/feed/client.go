// Package feed connects to the backend's real-time streams. The bet feed
// carries every user's placements (the engine's source of cross-user cell
// volume); the settlement feed carries authoritative slot outcomes, delivered
// at least once. Both arrive on one WebSocket as typed envelopes.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tickgrid/bet-engine/internal/metrics"
	"github.com/tickgrid/bet-engine/internal/model"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("feed: client closed")

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	pingInterval     = 30 * time.Second
	pongTimeout      = 75 * time.Second

	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Envelope is the wire frame for feed messages.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Envelope types.
const (
	TypeBet        = "bet"
	TypeSettlement = "settlement"
)

// Handler receives decoded feed events. Calls arrive on the client's read
// goroutine; handlers must not block.
type Handler interface {
	HandleBet(b model.Bet)
	HandleSettlement(s model.Settlement)
}

// ClientConfig configures the feed client.
type ClientConfig struct {
	URL    string
	APIKey string
}

// Client maintains the feed connection, reconnecting with exponential
// backoff whenever the stream drops.
type Client struct {
	cfg     ClientConfig
	handler Handler
	logger  *slog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	closed    bool
}

// NewClient creates a feed client. A nil logger uses slog.Default.
func NewClient(cfg ClientConfig, handler Handler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, handler: handler, logger: logger}
}

// IsConnected reports the live connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close tears the client down. A running Run loop exits on its next
// reconnect attempt.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return c.conn.Close()
	}
	return nil
}

// Run connects and consumes the feed until ctx is cancelled, reconnecting
// with exponential backoff on any drop. Run it in a goroutine.
func (c *Client) Run(ctx context.Context) {
	backoff := reconnectMin
	for {
		if err := c.connect(ctx); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
			c.logger.Warn("feed connect failed", "err", err, "retry_in", backoff)
		} else {
			backoff = reconnectMin
			c.readLoop(ctx)
			if ctx.Err() != nil || !c.open() {
				return
			}
			c.logger.Warn("feed disconnected", "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (c *Client) open() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

func (c *Client) connect(ctx context.Context) error {
	if !c.open() {
		return ErrClosed
	}

	header := make(map[string][]string)
	if c.cfg.APIKey != "" {
		header["Authorization"] = []string{"Bearer " + c.cfg.APIKey}
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.heartbeat(ctx, conn)

	c.logger.Info("feed connected", "url", c.cfg.URL)
	return nil
}

// readLoop consumes frames until the connection drops.
func (c *Client) readLoop(ctx context.Context) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		metrics.FeedMessages.WithLabelValues("malformed").Inc()
		c.logger.Warn("malformed feed frame", "err", err)
		return
	}

	switch env.Type {
	case TypeBet:
		var b model.Bet
		if err := json.Unmarshal(env.Payload, &b); err != nil {
			metrics.FeedMessages.WithLabelValues("malformed").Inc()
			c.logger.Warn("malformed bet payload", "err", err)
			return
		}
		metrics.FeedMessages.WithLabelValues(TypeBet).Inc()
		c.handler.HandleBet(b)

	case TypeSettlement:
		var s model.Settlement
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			metrics.FeedMessages.WithLabelValues("malformed").Inc()
			c.logger.Warn("malformed settlement payload", "err", err)
			return
		}
		metrics.FeedMessages.WithLabelValues(TypeSettlement).Inc()
		c.handler.HandleSettlement(s)

	default:
		metrics.FeedMessages.WithLabelValues("unknown").Inc()
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				return
			}
		}
	}
}
