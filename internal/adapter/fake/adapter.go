// Package fake provides a synthetic venue adapter for testing and
// development. It speaks no wire protocol: connectivity, fills, and market
// data are simulated in-process and pushed through the event sink exactly the
// way a real adapter would.
package fake

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/quantrelay/tradecore/errs"
	"github.com/quantrelay/tradecore/internal/adapter"
	"github.com/quantrelay/tradecore/internal/schema"
)

// Options configures the fake venue runtime.
type Options struct {
	Name         string
	Sink         adapter.EventSink
	TickInterval time.Duration
	// Balance seeds the synthetic account snapshot.
	Balance decimal.Decimal
	// RejectAuth makes every connect fail with an auth error.
	RejectAuth bool
	// FailConnects makes the first N connect attempts fail transiently.
	FailConnects int
	// Resync reports incremental resync support to the supervisor.
	Resync bool
	// AutoFill emits Submitted then Filled order events plus the matching
	// trade for every accepted order. Disable to keep orders working.
	AutoFill bool
}

// Adapter is the synthetic venue implementation of adapter.Adapter.
type Adapter struct {
	name         string
	sink         adapter.EventSink
	tickInterval time.Duration
	balance      decimal.Decimal
	rejectAuth   bool
	resync       bool
	autoFill     bool

	failConnects atomic.Int64
	connected    atomic.Bool
	healthy      atomic.Bool

	mu       sync.Mutex
	subs     map[string]schema.SubscribeRequest
	working  map[string]schema.OrderPayload
	tickStop context.CancelFunc
	tasks    conc.WaitGroup

	basePrice decimal.Decimal
}

// New constructs a fake venue adapter.
func New(opts Options) *Adapter {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "FAKE"
	}
	tickInterval := opts.TickInterval
	if tickInterval <= 0 {
		tickInterval = 100 * time.Millisecond
	}
	balance := opts.Balance
	if balance.IsZero() {
		balance = decimal.NewFromInt(1_000_000)
	}

	a := new(Adapter)
	a.name = name
	a.sink = opts.Sink
	a.tickInterval = tickInterval
	a.balance = balance
	a.rejectAuth = opts.RejectAuth
	a.resync = opts.Resync
	a.autoFill = opts.AutoFill
	a.failConnects.Store(int64(opts.FailConnects))
	a.healthy.Store(true)
	a.subs = make(map[string]schema.SubscribeRequest)
	a.working = make(map[string]schema.OrderPayload)
	a.basePrice = decimal.NewFromInt(100)
	return a
}

// Name returns the venue identifier.
func (a *Adapter) Name() string { return a.name }

// SupportsResync reports whether the fake venue resyncs incrementally.
func (a *Adapter) SupportsResync() bool { return a.resync }

// SetHealthy toggles heartbeat probe results, simulating silent connection
// loss without tearing the session down.
func (a *Adapter) SetHealthy(healthy bool) { a.healthy.Store(healthy) }

// Connect simulates session establishment.
func (a *Adapter) Connect(ctx context.Context, _ adapter.Settings) error {
	if err := ctx.Err(); err != nil {
		return errs.New(a.name, errs.CodeTransientNetwork,
			errs.WithMessage("connect cancelled"), errs.WithCause(err))
	}
	if a.rejectAuth {
		return errs.New(a.name, errs.CodeAuth, errs.WithMessage("invalid credentials"))
	}
	if a.failConnects.Add(-1) >= 0 {
		return errs.New(a.name, errs.CodeTransientNetwork, errs.WithMessage("simulated network fault"))
	}
	a.failConnects.Store(-1)
	a.connected.Store(true)
	a.healthy.Store(true)
	a.startTicks()
	return nil
}

// Disconnect releases the simulated session.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.connected.Store(false)
	a.stopTicks()
	a.tasks.Wait()
	return nil
}

// Ping probes simulated liveness.
func (a *Adapter) Ping(_ context.Context) error {
	if !a.connected.Load() || !a.healthy.Load() {
		return errs.New(a.name, errs.CodeTransientNetwork, errs.WithMessage("heartbeat lost"))
	}
	return nil
}

// Subscribe records the market data subscription.
func (a *Adapter) Subscribe(_ context.Context, req schema.SubscribeRequest) error {
	if req.Symbol == "" {
		return errs.New(a.name, errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	a.mu.Lock()
	a.subs[req.Symbol] = req
	a.mu.Unlock()
	return nil
}

// Unsubscribe removes the market data subscription.
func (a *Adapter) Unsubscribe(_ context.Context, req schema.SubscribeRequest) error {
	a.mu.Lock()
	delete(a.subs, req.Symbol)
	a.mu.Unlock()
	return nil
}

// Subscriptions lists symbols with live subscriptions, for assertions on
// recovery behaviour.
func (a *Adapter) Subscriptions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	symbols := make([]string, 0, len(a.subs))
	for symbol := range a.subs {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// SendOrder acknowledges the submission and, when auto-fill is on, walks the
// order through Submitted and Filled with a matching trade.
func (a *Adapter) SendOrder(_ context.Context, req schema.OrderRequest) (schema.OrderAck, error) {
	if !a.connected.Load() {
		return schema.OrderAck{}, errs.New(a.name, errs.CodeTransientNetwork,
			errs.WithMessage("not connected"))
	}
	orderID := uuid.NewString()
	now := time.Now().UTC()

	submitted := schema.OrderPayload{
		OrderID:      orderID,
		Symbol:       req.Symbol,
		Venue:        a.name,
		Status:       schema.OrderStatusSubmitted,
		Side:         req.Side,
		OrderType:    req.OrderType,
		Price:        req.Price,
		Volume:       req.Volume,
		FilledVolume: decimal.Zero,
		Timestamp:    now,
	}
	a.mu.Lock()
	a.working[orderID] = submitted
	a.mu.Unlock()
	a.publish(schema.NewEvent(a.name, submitted))

	if a.autoFill {
		filled := submitted
		filled.Status = schema.OrderStatusFilled
		filled.FilledVolume = req.Volume
		filled.Timestamp = now.Add(time.Millisecond)
		a.mu.Lock()
		a.working[orderID] = filled
		a.mu.Unlock()
		a.publish(schema.NewEvent(a.name, filled))
		a.publish(schema.NewEvent(a.name, schema.TradePayload{
			TradeID:   uuid.NewString(),
			OrderID:   orderID,
			Symbol:    req.Symbol,
			Venue:     a.name,
			Side:      req.Side,
			Price:     req.Price,
			Volume:    req.Volume,
			Timestamp: filled.Timestamp,
		}))
	}

	return schema.OrderAck{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Venue:         a.name,
		AcceptedAt:    now,
	}, nil
}

// CancelOrder cancels a working order, emitting the Cancelled update.
func (a *Adapter) CancelOrder(_ context.Context, req schema.CancelRequest) error {
	a.mu.Lock()
	order, ok := a.working[req.OrderID]
	if ok && !order.Status.Terminal() {
		order.Status = schema.OrderStatusCancelled
		order.Timestamp = time.Now().UTC()
		a.working[req.OrderID] = order
	}
	a.mu.Unlock()
	if !ok {
		return errs.New(a.name, errs.CodeNotFound, errs.WithMessage("unknown order "+req.OrderID))
	}
	if order.Status == schema.OrderStatusCancelled {
		a.publish(schema.NewEvent(a.name, order))
	}
	return nil
}

// QueryAccount emits the synthetic account snapshot.
func (a *Adapter) QueryAccount(_ context.Context) error {
	a.publish(schema.NewEvent(a.name, schema.AccountPayload{
		AccountID: "sim",
		Venue:     a.name,
		Balance:   a.balance,
		Available: a.balance,
		Frozen:    decimal.Zero,
	}))
	return nil
}

// QueryPositions emits a flat synthetic position per subscribed symbol.
func (a *Adapter) QueryPositions(_ context.Context) error {
	a.mu.Lock()
	symbols := make([]string, 0, len(a.subs))
	for symbol := range a.subs {
		symbols = append(symbols, symbol)
	}
	a.mu.Unlock()
	for _, symbol := range symbols {
		a.publish(schema.NewEvent(a.name, schema.PositionPayload{
			Symbol:    symbol,
			Venue:     a.name,
			Direction: schema.PositionNet,
			Volume:    decimal.Zero,
			AvgPrice:  a.basePrice,
			PnL:       decimal.Zero,
		}))
	}
	return nil
}

func (a *Adapter) startTicks() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tickStop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.tickStop = cancel
	a.tasks.Go(func() { a.tickLoop(ctx) })
}

func (a *Adapter) stopTicks() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tickStop != nil {
		a.tickStop()
		a.tickStop = nil
	}
}

// tickLoop emits a synthetic quote per subscribed symbol with a small price
// drift so consumers see changing data.
func (a *Adapter) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(a.tickInterval)
	defer ticker.Stop()
	drift := decimal.NewFromFloat(0.05)
	spread := decimal.NewFromFloat(0.01)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		a.mu.Lock()
		subs := make([]schema.SubscribeRequest, 0, len(a.subs))
		for _, req := range a.subs {
			subs = append(subs, req)
		}
		a.basePrice = a.basePrice.Add(drift)
		price := a.basePrice
		a.mu.Unlock()

		for _, req := range subs {
			a.publish(schema.NewEvent(a.name, schema.TickPayload{
				Symbol:    req.Symbol,
				Venue:     a.name,
				LastPrice: price,
				BidPrice:  price.Sub(spread),
				AskPrice:  price.Add(spread),
				Volume:    decimal.NewFromInt(1),
				Timestamp: time.Now().UTC(),
			}))
		}
	}
}

func (a *Adapter) publish(evt *schema.Event) {
	if a.sink != nil {
		a.sink.Publish(evt)
	}
}
