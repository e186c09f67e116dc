package stream

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saveenergy/egresswatch/internal/logging"
	"github.com/saveenergy/egresswatch/internal/metrics"
	"github.com/saveenergy/egresswatch/pkg/errors"
)

const (
	defaultReconnectMin = 1 * time.Second
	defaultReconnectMax = 30 * time.Second
	feedReadLimit       = 64 * 1024
)

// WSClient subscribes to a prober feed over websocket and keeps the
// subscription alive with capped exponential backoff. Frames received
// across reconnects are delivered as-is; nothing is deduplicated.
type WSClient struct {
	url          string
	dialer       websocket.Dialer
	reconnectMin time.Duration
	reconnectMax time.Duration
	readTimeout  time.Duration
	collector    *metrics.Collector
	logger       *logging.Logger

	events  chan []byte
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	mu      sync.Mutex
}

type WSOption func(*WSClient)

// WithBackoff bounds the reconnect delay.
func WithBackoff(min, max time.Duration) WSOption {
	return func(c *WSClient) {
		if min > 0 {
			c.reconnectMin = min
		}
		if max >= c.reconnectMin {
			c.reconnectMax = max
		}
	}
}

// WithReadTimeout drops a connection that stays silent for d.
func WithReadTimeout(d time.Duration) WSOption {
	return func(c *WSClient) {
		c.readTimeout = d
	}
}

func WithCollector(collector *metrics.Collector) WSOption {
	return func(c *WSClient) {
		c.collector = collector
	}
}

func WithLogger(logger *logging.Logger) WSOption {
	return func(c *WSClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewWSClient(feedURL string, opts ...WSOption) (*WSClient, error) {
	u, err := url.Parse(feedURL)
	if err != nil {
		return nil, errors.ErrInvalidConfig("parse feed URL", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, errors.ErrInvalidConfig(fmt.Sprintf("unsupported feed URL scheme %q", u.Scheme), nil)
	}

	c := &WSClient{
		url: u.String(),
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		reconnectMin: defaultReconnectMin,
		reconnectMax: defaultReconnectMax,
		logger:       logging.NewLogger("feed"),
		events:       make(chan []byte),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *WSClient) URL() string {
	return c.url
}

// Connect starts the subscription in the background and returns
// immediately. An unreachable feed is retried until Disconnect.
func (c *WSClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.events = make(chan []byte, 256)
	c.done = make(chan struct{})
	c.running = true
	go c.run(runCtx, c.events, c.done)
	return nil
}

func (c *WSClient) Disconnect() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel, done := c.cancel, c.done
	c.running = false
	c.mu.Unlock()

	cancel()
	<-done
	return nil
}

func (c *WSClient) Events() <-chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func (c *WSClient) run(ctx context.Context, events chan<- []byte, done chan<- struct{}) {
	defer close(done)
	defer close(events)

	backoff := c.reconnectMin
	connectedBefore := false
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Feed dial failed",
				logging.Field{Key: "url", Value: c.url},
				logging.Field{Key: "retry_in", Value: backoff},
				logging.Field{Key: "error", Value: err})
			if !sleepContext(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.reconnectMax)
			continue
		}

		if connectedBefore && c.collector != nil {
			c.collector.Reconnect()
		}
		connectedBefore = true
		backoff = c.reconnectMin
		c.logger.Info("Feed connected", logging.Field{Key: "url", Value: c.url})

		err = c.readLoop(ctx, conn, events)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("Feed disconnected",
			logging.Field{Key: "url", Value: c.url},
			logging.Field{Key: "retry_in", Value: backoff},
			logging.Field{Key: "error", Value: err})
		if !sleepContext(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, c.reconnectMax)
	}
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- []byte) error {
	conn.SetReadLimit(feedReadLimit)

	// Close connection on context cancellation to unblock ReadMessage immediately.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		if c.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("feed closed: %w", err)
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		select {
		case events <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next <= 0 {
		return max
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
