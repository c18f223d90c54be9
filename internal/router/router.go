// Package router maps venue names to live adapter handles and forwards
// outbound commands to them.
package router

import (
	"context"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/iter"
	"golang.org/x/time/rate"

	"github.com/quantrelay/tradecore/errs"
	"github.com/quantrelay/tradecore/internal/adapter"
	"github.com/quantrelay/tradecore/internal/observability"
	"github.com/quantrelay/tradecore/internal/oms"
	"github.com/quantrelay/tradecore/internal/schema"
)

// Subscriptions records market-data subscriptions so they survive
// reconnection. The connection supervisor implements it.
type Subscriptions interface {
	Subscribe(ctx context.Context, venue string, req schema.SubscribeRequest) error
	Unsubscribe(ctx context.Context, venue string, req schema.SubscribeRequest) error
}

type target struct {
	adapter adapter.Adapter
	limiter *rate.Limiter
}

// Router resolves venue names to adapter handles and forwards commands.
// Queries aggregate over the state store's cached views rather than live
// venue round-trips.
type Router struct {
	store *oms.StateStore
	subs  Subscriptions

	mu      sync.RWMutex
	targets map[string]target
}

// New constructs a router over the given state store. subs may be nil, in
// which case Subscribe forwards directly to the adapter without recovery
// bookkeeping.
func New(store *oms.StateStore, subs Subscriptions) *Router {
	r := new(Router)
	r.store = store
	r.subs = subs
	r.targets = make(map[string]target)
	return r
}

// Register installs the adapter handle for a venue, throttled to
// ordersPerSecond outbound submissions. Re-registering replaces the handle.
func (r *Router) Register(name string, adp adapter.Adapter, ordersPerSecond float64) {
	if name == "" || adp == nil {
		return
	}
	if ordersPerSecond <= 0 {
		ordersPerSecond = 10
	}
	r.mu.Lock()
	r.targets[name] = target{
		adapter: adp,
		limiter: rate.NewLimiter(rate.Limit(ordersPerSecond), 1),
	}
	r.mu.Unlock()
}

// Deregister removes the venue's handle. Commands already holding the handle
// complete against it; every later lookup gets a definitive not-found.
func (r *Router) Deregister(name string) {
	r.mu.Lock()
	delete(r.targets, name)
	r.mu.Unlock()
}

// Venues lists registered venue names in sorted order.
func (r *Router) Venues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) resolve(name string) (target, error) {
	r.mu.RLock()
	tgt, ok := r.targets[name]
	r.mu.RUnlock()
	if !ok {
		return target{}, errs.New(name, errs.CodeNotFound, errs.WithMessage("unknown venue"))
	}
	return tgt, nil
}

// SendOrder forwards an order submission to the venue adapter and returns its
// immediate acknowledgment. The ack means "accepted for submission" only;
// the authoritative order state arrives later as Order events on the bus.
func (r *Router) SendOrder(ctx context.Context, name string, req schema.OrderRequest) (schema.OrderAck, error) {
	tgt, err := r.resolve(name)
	if err != nil {
		return schema.OrderAck{}, err
	}
	if req.Symbol == "" || !req.Volume.IsPositive() {
		return schema.OrderAck{}, errs.New(name, errs.CodeInvalid,
			errs.WithMessage("order requires a symbol and positive volume"))
	}
	if !tgt.limiter.Allow() {
		return schema.OrderAck{}, errs.New(name, errs.CodeRateLimited,
			errs.WithMessage("order submission rate exceeded"),
			errs.WithRemediation("slow outbound order flow or raise the venue throttle"))
	}
	ack, err := tgt.adapter.SendOrder(ctx, req)
	if err != nil {
		return schema.OrderAck{}, err
	}
	return ack, nil
}

// CancelOrder forwards a cancellation request to the venue adapter.
func (r *Router) CancelOrder(ctx context.Context, name string, req schema.CancelRequest) error {
	tgt, err := r.resolve(name)
	if err != nil {
		return err
	}
	if req.OrderID == "" {
		return errs.New(name, errs.CodeInvalid, errs.WithMessage("cancel requires an order id"))
	}
	return tgt.adapter.CancelOrder(ctx, req)
}

// Subscribe establishes a market-data subscription for the venue, recording
// it for replay after reconnection when a supervisor is wired in.
func (r *Router) Subscribe(ctx context.Context, name string, req schema.SubscribeRequest) error {
	tgt, err := r.resolve(name)
	if err != nil {
		return err
	}
	if req.Symbol == "" {
		return errs.New(name, errs.CodeInvalid, errs.WithMessage("subscription requires a symbol"))
	}
	if r.subs != nil {
		return r.subs.Subscribe(ctx, name, req)
	}
	return tgt.adapter.Subscribe(ctx, req)
}

// Unsubscribe tears down a market-data subscription.
func (r *Router) Unsubscribe(ctx context.Context, name string, req schema.SubscribeRequest) error {
	tgt, err := r.resolve(name)
	if err != nil {
		return err
	}
	if r.subs != nil {
		return r.subs.Unsubscribe(ctx, name, req)
	}
	return tgt.adapter.Unsubscribe(ctx, req)
}

// AllAccounts merges the cached account snapshots of every registered venue.
func (r *Router) AllAccounts() []schema.AccountPayload {
	registered := r.venueSet()
	accounts := make([]schema.AccountPayload, 0)
	for _, account := range r.store.Accounts() {
		if _, ok := registered[account.Venue]; ok {
			accounts = append(accounts, account)
		}
	}
	return accounts
}

// AllPositions merges the cached position snapshots of every registered venue.
func (r *Router) AllPositions() []schema.PositionPayload {
	registered := r.venueSet()
	positions := make([]schema.PositionPayload, 0)
	for _, position := range r.store.Positions() {
		if _, ok := registered[position.Venue]; ok {
			positions = append(positions, position)
		}
	}
	return positions
}

// RefreshAll asks every registered adapter to re-emit account and position
// snapshots. Failures are logged per venue and never abort the fan-out.
func (r *Router) RefreshAll(ctx context.Context) {
	r.mu.RLock()
	targets := make([]target, 0, len(r.targets))
	names := make([]string, 0, len(r.targets))
	for name, tgt := range r.targets {
		targets = append(targets, tgt)
		names = append(names, name)
	}
	r.mu.RUnlock()

	iter.ForEachIdx(targets, func(idx int, tgt *target) {
		if err := tgt.adapter.QueryAccount(ctx); err != nil {
			observability.Log().Error("account refresh failed",
				observability.Field{Key: "venue", Value: names[idx]},
				observability.Field{Key: "error", Value: err})
		}
		if err := tgt.adapter.QueryPositions(ctx); err != nil {
			observability.Log().Error("position refresh failed",
				observability.Field{Key: "venue", Value: names[idx]},
				observability.Field{Key: "error", Value: err})
		}
	})
}

func (r *Router) venueSet() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(map[string]struct{}, len(r.targets))
	for name := range r.targets {
		set[name] = struct{}{}
	}
	return set
}
