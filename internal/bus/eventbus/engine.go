package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantrelay/tradecore/errs"
	"github.com/quantrelay/tradecore/internal/observability"
	"github.com/quantrelay/tradecore/internal/schema"
)

// Engine is the channel-backed Bus implementation. One goroutine drains the
// dispatch queue, a second publishes the periodic Timer beat. Events enqueued
// from a single goroutine reach every handler in publish order; no ordering
// holds between events from different publishers.
type Engine struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	queue chan *schema.Event

	mu      sync.RWMutex
	typed   map[schema.EventType][]Handler
	general []Handler

	startOnce    sync.Once
	stopOnce     sync.Once
	started      atomic.Bool
	dispatchDone chan struct{}
	timerDone    chan struct{}

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	panicCounter     metric.Int64Counter
	dispatchDuration metric.Float64Histogram
}

// NewEngine constructs an engine with the supplied configuration.
func NewEngine(cfg Config) *Engine {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())

	engine := new(Engine)
	engine.cfg = cfg
	engine.ctx = ctx
	engine.cancel = cancel
	engine.queue = make(chan *schema.Event, cfg.QueueSize)
	engine.typed = make(map[schema.EventType][]Handler)
	engine.dispatchDone = make(chan struct{})
	engine.timerDone = make(chan struct{})

	meter := otel.Meter("eventbus")
	engine.publishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events accepted onto the dispatch queue"),
		metric.WithUnit("{event}"))
	engine.droppedCounter, _ = meter.Int64Counter("eventbus.events.dropped",
		metric.WithDescription("Number of events dropped under queue backpressure"),
		metric.WithUnit("{event}"))
	engine.panicCounter, _ = meter.Int64Counter("eventbus.handler.panics",
		metric.WithDescription("Number of handler panics recovered during dispatch"),
		metric.WithUnit("{panic}"))
	engine.dispatchDuration, _ = meter.Float64Histogram("eventbus.dispatch.duration",
		metric.WithDescription("Latency of a full dispatch cycle for one event"),
		metric.WithUnit("ms"))
	_, _ = meter.Int64ObservableGauge("eventbus.queue.depth",
		metric.WithDescription("Number of events waiting in the dispatch queue"),
		metric.WithUnit("{event}"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(len(engine.queue)))
			return nil
		}))

	return engine
}

// Start launches the dispatch and timer loops. Calling Start on a running or
// stopped engine is a no-op.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.started.Store(true)
		go e.dispatchLoop()
		go e.timerLoop()
	})
}

// Stop signals both loops and joins them up to the configured timeout. A loop
// failing to exit within the timeout is reported as an internal error naming
// the stuck loop; it is never silently ignored. Stop is idempotent: repeated
// calls return nil once the loops are down.
func (e *Engine) Stop() error {
	var firstStop bool
	e.stopOnce.Do(func() {
		firstStop = true
		e.cancel()
	})
	if !e.started.Load() {
		return nil
	}

	deadline := time.NewTimer(e.cfg.StopTimeout)
	defer deadline.Stop()

	loops := []struct {
		name string
		done chan struct{}
	}{
		{name: "dispatch", done: e.dispatchDone},
		{name: "timer", done: e.timerDone},
	}
	for _, loop := range loops {
		select {
		case <-loop.done:
		case <-deadline.C:
			err := errs.New("", errs.CodeInternal,
				errs.WithMessage("eventbus "+loop.name+" loop failed to exit within stop timeout"))
			if firstStop {
				observability.Log().Error("eventbus stop timed out",
					observability.Field{Key: "loop", Value: loop.name})
			}
			return err
		}
	}
	return nil
}

// Publish enqueues an event without blocking the caller. Missing event IDs and
// timestamps are stamped here so adapters may publish bare payloads. Under
// queue overflow the oldest queued event is dropped to admit the new one.
func (e *Engine) Publish(evt *schema.Event) {
	if evt == nil || evt.Type == "" {
		return
	}
	if e.ctx.Err() != nil {
		return
	}
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	for {
		select {
		case e.queue <- evt:
			if e.publishedCounter != nil {
				e.publishedCounter.Add(e.ctx, 1, metric.WithAttributes(
					attribute.String("event_type", string(evt.Type)),
					attribute.String("venue", evt.Venue)))
			}
			return
		default:
		}

		select {
		case dropped := <-e.queue:
			observability.Log().Error("eventbus queue full; dropped oldest event",
				observability.Field{Key: "event_type", Value: string(dropped.Type)},
				observability.Field{Key: "venue", Value: dropped.Venue})
			if e.droppedCounter != nil {
				e.droppedCounter.Add(e.ctx, 1, metric.WithAttributes(
					attribute.String("event_type", string(dropped.Type)),
					attribute.String("venue", dropped.Venue)))
			}
		default:
			// Dispatch drained the queue between the two selects; retry.
		}
	}
}

// Subscribe registers a type-specific handler. Registration order defines
// invocation order; re-registering an existing name for the type is a no-op.
func (e *Engine) Subscribe(typ schema.EventType, handler Handler) {
	if typ == "" || handler.Fn == nil || handler.Name == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.typed[typ] = appendHandler(e.typed[typ], handler)
}

// Unsubscribe removes the named handler for the type. Unknown names are a
// no-op. In-flight dispatches keep iterating their own snapshot.
func (e *Engine) Unsubscribe(typ schema.EventType, name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.typed[typ] = removeHandler(e.typed[typ], name)
	if len(e.typed[typ]) == 0 {
		delete(e.typed, typ)
	}
}

// SubscribeAll registers a general handler invoked for every event after the
// type-specific handlers have run.
func (e *Engine) SubscribeAll(handler Handler) {
	if handler.Fn == nil || handler.Name == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.general = appendHandler(e.general, handler)
}

// UnsubscribeAll removes the named general handler.
func (e *Engine) UnsubscribeAll(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.general = removeHandler(e.general, name)
}

func (e *Engine) dispatchLoop() {
	defer close(e.dispatchDone)
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-e.queue:
			e.dispatch(evt)
		}
	}
}

func (e *Engine) timerLoop() {
	defer close(e.timerDone)
	ticker := time.NewTicker(e.cfg.TimerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.Publish(schema.NewEvent("", schema.TimerPayload{}))
		}
	}
}

// dispatch invokes type-specific handlers then general handlers against a
// registry snapshot taken before the first call. The registry lock is never
// held across a handler invocation.
func (e *Engine) dispatch(evt *schema.Event) {
	start := time.Now()

	e.mu.RLock()
	typed := e.typed[evt.Type]
	general := e.general
	e.mu.RUnlock()

	for _, handler := range typed {
		e.invoke(handler, evt)
	}
	for _, handler := range general {
		e.invoke(handler, evt)
	}

	if e.dispatchDuration != nil {
		e.dispatchDuration.Record(e.ctx, float64(time.Since(start).Microseconds())/1000.0,
			metric.WithAttributes(attribute.String("event_type", string(evt.Type))))
	}
}

// invoke runs one handler, recovering any panic so a failing handler never
// prevents delivery to the remaining handlers or subsequent events.
func (e *Engine) invoke(handler Handler, evt *schema.Event) {
	recovered := panics.Try(func() { handler.Fn(evt) })
	if recovered == nil {
		return
	}
	observability.Log().Error("eventbus handler panicked",
		observability.Field{Key: "handler", Value: handler.Name},
		observability.Field{Key: "event_type", Value: string(evt.Type)},
		observability.Field{Key: "panic", Value: recovered.Value})
	if e.panicCounter != nil {
		e.panicCounter.Add(e.ctx, 1, metric.WithAttributes(
			attribute.String("handler", handler.Name),
			attribute.String("event_type", string(evt.Type))))
	}
}

// appendHandler returns a fresh slice so registry mutation never aliases a
// snapshot held by an in-flight dispatch.
func appendHandler(handlers []Handler, handler Handler) []Handler {
	for _, existing := range handlers {
		if existing.Name == handler.Name {
			return handlers
		}
	}
	next := make([]Handler, 0, len(handlers)+1)
	next = append(next, handlers...)
	return append(next, handler)
}

func removeHandler(handlers []Handler, name string) []Handler {
	next := make([]Handler, 0, len(handlers))
	for _, existing := range handlers {
		if existing.Name != name {
			next = append(next, existing)
		}
	}
	if len(next) == 0 {
		return nil
	}
	return next
}
