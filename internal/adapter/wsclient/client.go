// Package wsclient provides the shared WebSocket transport shell venue
// adapters build on: dial with exponential backoff, a read loop, keepalive
// pings, and a resubscribe hook fired after every (re)connection. Venue wire
// protocols stay inside the adapters; this package only moves frames.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/quantrelay/tradecore/internal/observability"
)

const (
	defaultPingInterval         = 30 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultMaxReconnectInterval = 30 * time.Second
	defaultReadLimit            = 2 * 1024 * 1024
	readyTimeout                = 10 * time.Second
)

// Config parameterizes a stream client.
type Config struct {
	URL string
	// Handler consumes every received frame. Errors are logged, not fatal.
	Handler func(frame []byte) error
	// OnConnected runs after each successful dial, before frames flow. Venue
	// adapters replay their protocol-level subscriptions here.
	OnConnected func(ctx context.Context) error

	PingInterval         time.Duration
	WriteTimeout         time.Duration
	MaxReconnectInterval time.Duration
	ReadLimit            int64
}

func (c Config) normalize() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return c
}

// Client keeps one WebSocket session alive until stopped.
type Client struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.RWMutex
	conn   *websocket.Conn

	started   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

// New constructs a stream client for the URL.
func New(cfg Config) *Client {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	client := new(Client)
	client.cfg = cfg
	client.ctx = ctx
	client.cancel = cancel
	client.ready = make(chan struct{})
	client.done = make(chan struct{})
	return client
}

// Start establishes the connection in the background and waits for the first
// successful dial.
func (c *Client) Start(ctx context.Context) error {
	c.started.Store(true)
	go func() {
		defer close(c.done)
		c.run()
	}()

	select {
	case <-c.ready:
		return nil
	case <-time.After(readyTimeout):
		c.cancel()
		return errors.New("timeout waiting for websocket connection")
	case <-ctx.Done():
		c.cancel()
		return fmt.Errorf("start cancelled: %w", ctx.Err())
	case <-c.ctx.Done():
		return fmt.Errorf("client stopped: %w", c.ctx.Err())
	}
}

// Stop closes the session and halts reconnection. Stopping a client that was
// never started only cancels it.
func (c *Client) Stop() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		c.conn = nil
	}
	c.connMu.Unlock()
	if c.started.Load() {
		<-c.done
	}
}

// Send JSON-encodes the value and writes it as a text frame.
func (c *Client) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// run keeps a single session alive until the client context terminates. The
// loop dials, fires the connected hook, and coordinates reader and pinger
// goroutines for each session.
func (c *Client) run() {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = c.cfg.MaxReconnectInterval

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(c.ctx, c.cfg.URL, nil)
		if err != nil {
			observability.Log().Error("websocket dial failed",
				observability.Field{Key: "url", Value: c.cfg.URL},
				observability.Field{Key: "error", Value: err})
			if !c.sleep(policy) {
				return
			}
			continue
		}

		conn.SetReadLimit(c.cfg.ReadLimit)
		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		policy.Reset()

		if c.cfg.OnConnected != nil {
			if err := c.cfg.OnConnected(c.ctx); err != nil {
				observability.Log().Error("websocket connected hook failed",
					observability.Field{Key: "error", Value: err})
			}
		}

		c.readyOnce.Do(func() { close(c.ready) })

		c.serve(conn)

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()

		if c.ctx.Err() != nil {
			return
		}
		if !c.sleep(policy) {
			return
		}
	}
}

// serve runs isolated read and ping loops for one session; either loop
// failing ends the session.
func (c *Client) serve(conn *websocket.Conn) {
	sessionCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		errCh <- c.readLoop(sessionCtx, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- c.pingLoop(sessionCtx, conn)
	}()

	err := <-errCh
	cancel()
	_ = conn.Close(websocket.StatusGoingAway, "session ended")
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		observability.Log().Error("websocket session ended",
			observability.Field{Key: "url", Value: c.cfg.URL},
			observability.Field{Key: "error", Value: err})
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if c.cfg.Handler == nil {
			continue
		}
		if err := c.cfg.Handler(frame); err != nil {
			observability.Log().Error("websocket frame handler failed",
				observability.Field{Key: "error", Value: err})
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// sleep backs off before the next dial; false means the client is stopping.
func (c *Client) sleep(policy *backoff.ExponentialBackOff) bool {
	delay := policy.NextBackOff()
	if delay == backoff.Stop {
		delay = c.cfg.MaxReconnectInterval
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
