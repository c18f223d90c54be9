// Package supervisor manages one connection state machine per venue: connect,
// heartbeat-based health monitoring, reconnection with backoff, and
// subscription recovery.
package supervisor

import (
	"context"
	"sort"
	"sync"

	"github.com/quantrelay/tradecore/errs"
	"github.com/quantrelay/tradecore/internal/adapter"
	"github.com/quantrelay/tradecore/internal/bus/eventbus"
	"github.com/quantrelay/tradecore/internal/schema"
)

// Option configures optional supervisor behaviour.
type Option func(*Supervisor)

// WithSleeper overrides the backoff sleeper. Tests use it to observe the
// deterministic delay sequence without waiting it out.
func WithSleeper(sleep Sleeper) Option {
	return func(s *Supervisor) {
		s.sleep = sleep
	}
}

// Supervisor owns the per-venue connection state machines.
type Supervisor struct {
	bus      eventbus.Bus
	resetter VenueResetter
	sleep    Sleeper

	mu    sync.RWMutex
	conns map[string]*Connection
}

// New constructs a supervisor publishing lifecycle events on the bus. The
// resetter (usually the state store) is invoked when a venue needs a full
// resync after reconnection; it may be nil.
func New(bus eventbus.Bus, resetter VenueResetter, opts ...Option) *Supervisor {
	s := new(Supervisor)
	s.bus = bus
	s.resetter = resetter
	s.conns = make(map[string]*Connection)
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Register creates the state machine for a venue. Registering an existing
// name is an explicit error, not a silent replacement.
func (s *Supervisor) Register(name string, adp adapter.Adapter, settings adapter.Settings) (*Connection, error) {
	if name == "" || adp == nil {
		return nil, errs.New(name, errs.CodeInvalid, errs.WithMessage("venue name and adapter required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conns[name]; exists {
		return nil, errs.New(name, errs.CodeInvalid, errs.WithMessage("venue already registered"))
	}
	conn := newConnection(name, adp, settings, s.bus, s.resetter, s.sleep)
	s.conns[name] = conn
	return conn, nil
}

// Connection resolves the state machine for a venue.
func (s *Supervisor) Connection(name string) (*Connection, bool) {
	s.mu.RLock()
	conn, ok := s.conns[name]
	s.mu.RUnlock()
	return conn, ok
}

// Connect drives the initial connect sequence for the venue.
func (s *Supervisor) Connect(ctx context.Context, name string) error {
	conn, ok := s.Connection(name)
	if !ok {
		return errs.New(name, errs.CodeNotFound, errs.WithMessage("unknown venue"))
	}
	return conn.Connect(ctx)
}

// Subscribe records a market-data subscription for recovery and forwards it
// to the venue when connected.
func (s *Supervisor) Subscribe(ctx context.Context, name string, req schema.SubscribeRequest) error {
	conn, ok := s.Connection(name)
	if !ok {
		return errs.New(name, errs.CodeNotFound, errs.WithMessage("unknown venue"))
	}
	return conn.Subscribe(ctx, req)
}

// Unsubscribe removes a recorded subscription.
func (s *Supervisor) Unsubscribe(ctx context.Context, name string, req schema.SubscribeRequest) error {
	conn, ok := s.Connection(name)
	if !ok {
		return errs.New(name, errs.CodeNotFound, errs.WithMessage("unknown venue"))
	}
	return conn.Unsubscribe(ctx, req)
}

// State reports the connection state for a venue.
func (s *Supervisor) State(name string) (schema.ConnectionState, bool) {
	conn, ok := s.Connection(name)
	if !ok {
		return "", false
	}
	return conn.State(), true
}

// Venues lists registered venue names in sorted order.
func (s *Supervisor) Venues() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.conns))
	for name := range s.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close shuts down a single venue connection.
func (s *Supervisor) Close(name string) error {
	conn, ok := s.Connection(name)
	if !ok {
		return errs.New(name, errs.CodeNotFound, errs.WithMessage("unknown venue"))
	}
	conn.Close()
	return nil
}

// CloseAll shuts down every registered connection.
func (s *Supervisor) CloseAll() {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}
