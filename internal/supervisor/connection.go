package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/quantrelay/tradecore/errs"
	"github.com/quantrelay/tradecore/internal/adapter"
	"github.com/quantrelay/tradecore/internal/bus/eventbus"
	"github.com/quantrelay/tradecore/internal/observability"
	"github.com/quantrelay/tradecore/internal/schema"
)

// Sleeper waits for the duration or until the context is cancelled. Tests
// inject deterministic implementations to observe the backoff sequence.
type Sleeper func(ctx context.Context, d time.Duration) error

func defaultSleeper(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Connection drives the state machine for one venue: connect, heartbeat,
// reconnect with backoff, and subscription replay. Transitions are serialized
// under the connection mutex; every transition is announced on the bus.
type Connection struct {
	name     string
	adapter  adapter.Adapter
	settings adapter.Settings
	bus      eventbus.Bus
	resetter VenueResetter
	sleep    Sleeper

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         schema.ConnectionState
	subscriptions map[string]schema.SubscribeRequest

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
	tasks         conc.WaitGroup

	// policy and attempts persist across outages and are reset only after a
	// sustained healthy period, so connection flapping cannot shrink the
	// backoff. Both are touched only from the sequential monitor/recover
	// task chain.
	policy   *backoff.ExponentialBackOff
	attempts int
}

// VenueResetter clears venue-scoped state ahead of a full resync.
type VenueResetter interface {
	ResetVenue(venue string)
}

func newConnection(name string, adp adapter.Adapter, settings adapter.Settings, bus eventbus.Bus, resetter VenueResetter, sleep Sleeper) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	if sleep == nil {
		sleep = defaultSleeper
	}
	conn := new(Connection)
	conn.name = name
	conn.adapter = adp
	conn.settings = settings.Normalize()
	conn.bus = bus
	conn.resetter = resetter
	conn.sleep = sleep
	conn.ctx = ctx
	conn.cancel = cancel
	conn.state = schema.StateDisconnected
	conn.subscriptions = make(map[string]schema.SubscribeRequest)
	conn.policy = backoff.NewExponentialBackOff()
	conn.policy.InitialInterval = conn.settings.ReconnectBaseDelay
	conn.policy.MaxInterval = conn.settings.ReconnectMaxDelay
	conn.policy.Multiplier = 2
	conn.policy.RandomizationFactor = 0
	conn.policy.Reset()
	return conn
}

// Name returns the venue identifier.
func (c *Connection) Name() string { return c.name }

// State returns the current connection state.
func (c *Connection) State() schema.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Adapter exposes the venue adapter handle for command routing.
func (c *Connection) Adapter() adapter.Adapter { return c.adapter }

// setState records the transition and announces it on the bus. Closed is
// terminal: once announced, no in-flight task may transition out of it.
func (c *Connection) setState(state schema.ConnectionState, reason string) {
	c.mu.Lock()
	prev := c.state
	if prev == schema.StateClosed && state != schema.StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	if prev == state {
		return
	}
	observability.Log().Info("connection state changed",
		observability.Field{Key: "venue", Value: c.name},
		observability.Field{Key: "from", Value: string(prev)},
		observability.Field{Key: "to", Value: string(state)},
		observability.Field{Key: "reason", Value: reason})
	c.bus.Publish(schema.NewEvent(c.name, schema.ConnectionStatusPayload{
		Venue:  c.name,
		State:  state,
		Reason: reason,
	}))
}

// Connect runs the initial authenticate/connect sequence under the configured
// timeout. Failures leave the venue Disconnected; the caller decides whether
// to retry. Only the supervisor's recovery loop retries automatically, and
// only for retryable error categories.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case schema.StateClosed:
		c.mu.Unlock()
		return errs.New(c.name, errs.CodeInvalid, errs.WithMessage("connection is closed"))
	case schema.StateDisconnected:
		c.state = schema.StateConnecting
		c.mu.Unlock()
	default:
		state := c.state
		c.mu.Unlock()
		return errs.New(c.name, errs.CodeInvalid,
			errs.WithMessage("connect not allowed from state "+string(state)))
	}
	c.bus.Publish(schema.NewEvent(c.name, schema.ConnectionStatusPayload{
		Venue: c.name, State: schema.StateConnecting,
	}))

	connectCtx, cancel := context.WithTimeout(ctx, c.settings.ConnectTimeout)
	defer cancel()
	if err := c.adapter.Connect(connectCtx, c.settings); err != nil {
		c.setState(schema.StateDisconnected, err.Error())
		return err
	}

	if err := c.replaySubscriptions(ctx); err != nil {
		c.setState(schema.StateDisconnected, "subscription replay failed: "+err.Error())
		return err
	}

	c.setState(schema.StateConnected, "connected")
	c.startMonitor()
	return nil
}

// Subscribe records the subscription for recovery and forwards it when a
// session is live. Recorded-but-deferred subscriptions are established by the
// next successful connect.
func (c *Connection) Subscribe(ctx context.Context, req schema.SubscribeRequest) error {
	key := schema.JoinSymbol(req.Symbol, req.Venue)
	c.mu.Lock()
	if c.state == schema.StateClosed {
		c.mu.Unlock()
		return errs.New(c.name, errs.CodeInvalid, errs.WithMessage("connection is closed"))
	}
	c.subscriptions[key] = req
	live := c.state == schema.StateConnected
	c.mu.Unlock()

	if !live {
		return nil
	}
	if err := c.adapter.Subscribe(ctx, req); err != nil {
		return err
	}
	return nil
}

// Unsubscribe drops the subscription from the recovery set and the venue.
func (c *Connection) Unsubscribe(ctx context.Context, req schema.SubscribeRequest) error {
	key := schema.JoinSymbol(req.Symbol, req.Venue)
	c.mu.Lock()
	_, known := c.subscriptions[key]
	delete(c.subscriptions, key)
	live := c.state == schema.StateConnected
	c.mu.Unlock()
	if !known || !live {
		return nil
	}
	return c.adapter.Unsubscribe(ctx, req)
}

// Subscriptions returns the active subscription set.
func (c *Connection) Subscriptions() []schema.SubscribeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]schema.SubscribeRequest, 0, len(c.subscriptions))
	for _, req := range c.subscriptions {
		subs = append(subs, req)
	}
	return subs
}

// Close transitions the venue to Closed, cancelling heartbeat and reconnect
// loops immediately rather than at the next backoff boundary.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == schema.StateClosed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.cancel()
	c.stopMonitor()
	disconnectCtx, cancel := context.WithTimeout(context.Background(), c.settings.ConnectTimeout)
	defer cancel()
	if err := c.adapter.Disconnect(disconnectCtx); err != nil {
		observability.Log().Error("disconnect failed",
			observability.Field{Key: "venue", Value: c.name},
			observability.Field{Key: "error", Value: err})
	}
	c.setState(schema.StateClosed, "shutdown requested")
	c.tasks.Wait()
}

// startMonitor launches the heartbeat loop for the current session.
func (c *Connection) startMonitor() {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	if c.monitorCancel != nil {
		c.monitorCancel()
	}
	monitorCtx, cancel := context.WithCancel(c.ctx)
	c.monitorCancel = cancel
	c.tasks.Go(func() { c.heartbeatLoop(monitorCtx) })
}

func (c *Connection) stopMonitor() {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	if c.monitorCancel != nil {
		c.monitorCancel()
		c.monitorCancel = nil
	}
}

// heartbeatLoop probes liveness on the configured interval. Missing the
// configured number of consecutive probes degrades the connection and hands
// control to the recovery loop. A sustained healthy period resets the
// reconnect attempt counter and backoff, so connection flapping never
// shrinks the delay sequence.
func (c *Connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.settings.HeartbeatInterval)
	defer ticker.Stop()

	missed := 0
	healthy := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, c.settings.HeartbeatInterval)
		err := c.adapter.Ping(probeCtx)
		cancel()

		if err == nil {
			missed = 0
			healthy++
			if healthy == 1 && c.attempts > 0 {
				c.attempts = 0
				c.policy.Reset()
			}
			continue
		}

		healthy = 0
		missed++
		observability.Log().Debug("heartbeat missed",
			observability.Field{Key: "venue", Value: c.name},
			observability.Field{Key: "missed", Value: missed})
		if missed < c.settings.MaxMissedHeartbeats {
			continue
		}

		c.setState(schema.StateDegraded, "missed heartbeats")
		c.tasks.Go(c.recover)
		return
	}
}

// recover drives the Degraded -> Reconnecting -> Connected path with
// exponential backoff. Authentication failures and exhausted attempts
// escalate to Closed with a diagnostic reason; the loop never spins silently.
func (c *Connection) recover() {
	c.setState(schema.StateReconnecting, "reconnecting")

	for {
		if c.ctx.Err() != nil {
			return
		}
		if c.settings.MaxReconnectAttempts > 0 && c.attempts >= c.settings.MaxReconnectAttempts {
			c.escalate("reconnect attempts exhausted", errs.CodeTransientNetwork)
			return
		}

		delay := c.policy.NextBackOff()
		if delay == backoff.Stop {
			delay = c.settings.ReconnectMaxDelay
		}
		if err := c.sleep(c.ctx, delay); err != nil {
			return
		}
		c.attempts++

		connectCtx, cancel := context.WithTimeout(c.ctx, c.settings.ConnectTimeout)
		err := c.adapter.Connect(connectCtx, c.settings)
		cancel()
		if err != nil {
			if errs.IsCode(err, errs.CodeAuth) {
				c.escalate("authentication failed during reconnect: "+err.Error(), errs.CodeAuth)
				return
			}
			observability.Log().Error("reconnect attempt failed",
				observability.Field{Key: "venue", Value: c.name},
				observability.Field{Key: "attempt", Value: c.attempts},
				observability.Field{Key: "error", Value: err})
			continue
		}

		// Close may have landed while the connect attempt was in flight.
		if c.ctx.Err() != nil {
			return
		}

		if !c.adapter.SupportsResync() {
			if c.resetter != nil {
				c.resetter.ResetVenue(c.name)
			}
			refreshCtx, cancelRefresh := context.WithTimeout(c.ctx, c.settings.ConnectTimeout)
			if err := c.adapter.QueryAccount(refreshCtx); err != nil {
				observability.Log().Error("account refresh after reconnect failed",
					observability.Field{Key: "venue", Value: c.name},
					observability.Field{Key: "error", Value: err})
			}
			if err := c.adapter.QueryPositions(refreshCtx); err != nil {
				observability.Log().Error("position refresh after reconnect failed",
					observability.Field{Key: "venue", Value: c.name},
					observability.Field{Key: "error", Value: err})
			}
			cancelRefresh()
		}

		if err := c.replaySubscriptions(c.ctx); err != nil {
			c.escalate("subscription replay failed: "+err.Error(), errs.CodeOf(err))
			return
		}

		c.setState(schema.StateConnected, "reconnected")
		c.startMonitor()
		return
	}
}

// replaySubscriptions re-establishes every recorded subscription before the
// Connected transition is announced, so no market-data gap goes unnoticed.
func (c *Connection) replaySubscriptions(ctx context.Context) error {
	for _, req := range c.Subscriptions() {
		if err := c.adapter.Subscribe(ctx, req); err != nil {
			return errs.New(c.name, errs.CodeTransientNetwork,
				errs.WithMessage("replay subscription "+schema.JoinSymbol(req.Symbol, req.Venue)),
				errs.WithCause(err))
		}
	}
	return nil
}

// escalate permanently fails the connection with a diagnostic reason. The
// taxonomy code of the causing failure rides on the error event so consumers
// can tell an auth revocation from an exhausted network outage.
func (c *Connection) escalate(reason string, code errs.Code) {
	c.cancel()
	c.setState(schema.StateClosed, reason)
	c.bus.Publish(schema.NewEvent(c.name, schema.ErrorPayload{
		Code:    string(code),
		Message: reason,
		Source:  "supervisor",
	}))
}
