// Package runtime assembles the trading core: event bus, state store,
// connection supervisor, and command router. One Runtime is constructed at
// process start and passed by reference to everything that needs it; there
// are no package-level singletons.
package runtime

import (
	"context"

	"github.com/quantrelay/tradecore/config"
	"github.com/quantrelay/tradecore/internal/adapter"
	"github.com/quantrelay/tradecore/internal/bus/eventbus"
	"github.com/quantrelay/tradecore/internal/oms"
	"github.com/quantrelay/tradecore/internal/router"
	"github.com/quantrelay/tradecore/internal/supervisor"
)

// Runtime owns the core components and their wiring.
type Runtime struct {
	bus        *eventbus.Engine
	store      *oms.StateStore
	supervisor *supervisor.Supervisor
	router     *router.Router
}

// Option configures optional runtime behaviour.
type Option func(*options)

type options struct {
	supervisorOpts []supervisor.Option
}

// WithSupervisorOptions forwards options to the connection supervisor.
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(o *options) {
		o.supervisorOpts = append(o.supervisorOpts, opts...)
	}
}

// New constructs and wires the core components.
func New(cfg config.Config, opts ...Option) *Runtime {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	bus := eventbus.NewEngine(eventbus.Config{
		QueueSize:     cfg.Bus.QueueSize,
		TimerInterval: cfg.TimerInterval(),
		StopTimeout:   cfg.StopTimeout(),
	})
	store := oms.NewStateStore()
	store.Register(bus)
	sup := supervisor.New(bus, store, o.supervisorOpts...)

	r := new(Runtime)
	r.bus = bus
	r.store = store
	r.supervisor = sup
	r.router = router.New(store, sup)
	return r
}

// Bus exposes the event bus.
func (r *Runtime) Bus() *eventbus.Engine { return r.bus }

// Store exposes the state store.
func (r *Runtime) Store() *oms.StateStore { return r.store }

// Supervisor exposes the connection supervisor.
func (r *Runtime) Supervisor() *supervisor.Supervisor { return r.supervisor }

// Router exposes the command router.
func (r *Runtime) Router() *router.Router { return r.router }

// Start launches the bus loops.
func (r *Runtime) Start() {
	r.bus.Start()
}

// AddVenue registers the adapter with both the supervisor and the router.
func (r *Runtime) AddVenue(name string, adp adapter.Adapter, settings adapter.Settings) error {
	settings = settings.Normalize()
	if _, err := r.supervisor.Register(name, adp, settings); err != nil {
		return err
	}
	r.router.Register(name, adp, settings.OrdersPerSecond)
	return nil
}

// Connect drives the initial connect for a registered venue.
func (r *Runtime) Connect(ctx context.Context, name string) error {
	return r.supervisor.Connect(ctx, name)
}

// Shutdown closes every venue connection and stops the bus, reporting a
// failure to terminate rather than hanging.
func (r *Runtime) Shutdown() error {
	r.supervisor.CloseAll()
	return r.bus.Stop()
}
