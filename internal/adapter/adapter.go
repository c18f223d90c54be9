// Package adapter defines the contract venue connectivity modules implement.
// A venue adapter is assembled by composition from four capability interfaces;
// the runtime never assumes anything about the wire protocol behind them.
package adapter

import (
	"context"
	"time"

	"github.com/quantrelay/tradecore/internal/schema"
)

// EventSink receives normalized events pushed by adapters. The runtime wires
// the event bus in here; tests substitute recorders.
type EventSink interface {
	Publish(evt *schema.Event)
}

// Settings carries the normalized connection options for one venue. Values the
// runtime does not interpret travel opaquely in Credentials and Extra.
type Settings struct {
	Host                 string
	Port                 int
	Credentials          map[string]string
	Extra                map[string]string
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	MaxMissedHeartbeats  int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	OrdersPerSecond      float64
}

// Normalize fills unset durations and thresholds with runtime defaults.
func (s Settings) Normalize() Settings {
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = 10 * time.Second
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 5 * time.Second
	}
	if s.MaxMissedHeartbeats <= 0 {
		s.MaxMissedHeartbeats = 3
	}
	if s.ReconnectBaseDelay <= 0 {
		s.ReconnectBaseDelay = time.Second
	}
	if s.ReconnectMaxDelay <= 0 {
		s.ReconnectMaxDelay = 30 * time.Second
	}
	if s.OrdersPerSecond <= 0 {
		s.OrdersPerSecond = 10
	}
	return s
}

// ConnectionManager owns session establishment and liveness.
type ConnectionManager interface {
	// Connect authenticates and establishes the venue session. It blocks up
	// to the context deadline. Authentication failures must surface as
	// errs.CodeAuth so the supervisor never auto-retries them.
	Connect(ctx context.Context, settings Settings) error
	// Disconnect releases the session.
	Disconnect(ctx context.Context) error
	// Ping probes session liveness. The supervisor calls it on the heartbeat
	// interval and treats consecutive failures as silent connection loss.
	Ping(ctx context.Context) error
}

// OrderManager forwards outbound trading commands to the venue.
type OrderManager interface {
	// SendOrder submits an order and returns the venue's immediate
	// acknowledgment. The ack means "accepted for submission" only: the
	// authoritative order state arrives later as Order events.
	SendOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error)
	// CancelOrder requests cancellation of a working order.
	CancelOrder(ctx context.Context, req schema.CancelRequest) error
}

// MarketDataManager manages market data subscriptions.
type MarketDataManager interface {
	Subscribe(ctx context.Context, req schema.SubscribeRequest) error
	Unsubscribe(ctx context.Context, req schema.SubscribeRequest) error
}

// AccountManager triggers account and position refreshes. Results arrive as
// Account and Position events, never as return values.
type AccountManager interface {
	QueryAccount(ctx context.Context) error
	QueryPositions(ctx context.Context) error
}

// Adapter is the full per-venue facade assembled from the capability
// interfaces.
type Adapter interface {
	ConnectionManager
	OrderManager
	MarketDataManager
	AccountManager

	// Name returns the unique venue identifier.
	Name() string
	// SupportsResync reports whether the venue can resynchronize state
	// incrementally after a reconnect. When false the supervisor clears the
	// venue's records and forces a fresh full-state pull.
	SupportsResync() bool
}
