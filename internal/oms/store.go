// Package oms maintains the authoritative in-memory view of orders, trades,
// positions, and accounts, built purely from the event stream.
package oms

import (
	"sort"
	"sync"

	"github.com/quantrelay/tradecore/internal/bus/eventbus"
	"github.com/quantrelay/tradecore/internal/observability"
	"github.com/quantrelay/tradecore/internal/schema"
)

// StateStore is the single source of truth for trading state. All writes
// happen on the bus dispatch goroutine, so the mutex only has to shield
// concurrent readers from in-progress updates. Records are value types and
// every query returns copies, so callers never observe a torn write.
type StateStore struct {
	mu        sync.RWMutex
	orders    map[string]schema.OrderPayload
	active    map[string]struct{}
	trades    map[string]schema.TradePayload
	positions map[string]schema.PositionPayload
	accounts  map[string]schema.AccountPayload
	contracts map[string]schema.ContractPayload
	ticks     map[string]schema.TickPayload
}

// NewStateStore constructs an empty state store.
func NewStateStore() *StateStore {
	store := new(StateStore)
	store.orders = make(map[string]schema.OrderPayload)
	store.active = make(map[string]struct{})
	store.trades = make(map[string]schema.TradePayload)
	store.positions = make(map[string]schema.PositionPayload)
	store.accounts = make(map[string]schema.AccountPayload)
	store.contracts = make(map[string]schema.ContractPayload)
	store.ticks = make(map[string]schema.TickPayload)
	return store
}

// Register wires the store's handlers onto the bus. Handler names are stable
// so repeated registration stays a no-op.
func (s *StateStore) Register(bus eventbus.Bus) {
	bus.Subscribe(schema.EventTypeOrder, eventbus.Handler{Name: "oms.order", Fn: s.onEvent})
	bus.Subscribe(schema.EventTypeTrade, eventbus.Handler{Name: "oms.trade", Fn: s.onEvent})
	bus.Subscribe(schema.EventTypePosition, eventbus.Handler{Name: "oms.position", Fn: s.onEvent})
	bus.Subscribe(schema.EventTypeAccount, eventbus.Handler{Name: "oms.account", Fn: s.onEvent})
	bus.Subscribe(schema.EventTypeContract, eventbus.Handler{Name: "oms.contract", Fn: s.onEvent})
	bus.Subscribe(schema.EventTypeTick, eventbus.Handler{Name: "oms.tick", Fn: s.onEvent})
}

func (s *StateStore) onEvent(evt *schema.Event) {
	switch payload := evt.Payload.(type) {
	case schema.OrderPayload:
		s.applyOrder(payload)
	case schema.TradePayload:
		s.applyTrade(payload)
	case schema.PositionPayload:
		s.applyPosition(payload)
	case schema.AccountPayload:
		s.applyAccount(payload)
	case schema.ContractPayload:
		s.applyContract(payload)
	case schema.TickPayload:
		s.applyTick(payload)
	}
}

// applyOrder upserts the order record under the monotonic-status policy:
// updates ranked strictly below the stored status are stale and ignored, so
// reconnection replay converges to the same terminal state. Equal-rank
// updates apply last-write-wins, letting partial-fill progress through.
func (s *StateStore) applyOrder(order schema.OrderPayload) {
	key := order.QualifiedID()
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.orders[key]; ok {
		if order.Status.Rank() < existing.Status.Rank() {
			observability.Log().Debug("discarded stale order update",
				observability.Field{Key: "order_id", Value: key},
				observability.Field{Key: "stored", Value: string(existing.Status)},
				observability.Field{Key: "received", Value: string(order.Status)})
			return
		}
	}
	s.orders[key] = order
	if order.Status.Terminal() {
		delete(s.active, key)
	} else {
		s.active[key] = struct{}{}
	}
}

// applyTrade appends the trade fact. Trades are immutable: a duplicate trade
// ID (reconnection replay) leaves state unchanged.
func (s *StateStore) applyTrade(trade schema.TradePayload) {
	key := trade.QualifiedID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[key]; ok {
		return
	}
	s.trades[key] = trade
}

func (s *StateStore) applyPosition(position schema.PositionPayload) {
	s.mu.Lock()
	s.positions[position.Key()] = position
	s.mu.Unlock()
}

func (s *StateStore) applyAccount(account schema.AccountPayload) {
	s.mu.Lock()
	s.accounts[schema.JoinSymbol(account.AccountID, account.Venue)] = account
	s.mu.Unlock()
}

func (s *StateStore) applyContract(contract schema.ContractPayload) {
	s.mu.Lock()
	s.contracts[schema.JoinSymbol(contract.Symbol, contract.Venue)] = contract
	s.mu.Unlock()
}

func (s *StateStore) applyTick(tick schema.TickPayload) {
	s.mu.Lock()
	s.ticks[schema.JoinSymbol(tick.Symbol, tick.Venue)] = tick
	s.mu.Unlock()
}

// GetOrder returns the order stored under the venue-qualified ID.
func (s *StateStore) GetOrder(qualifiedID string) (schema.OrderPayload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[qualifiedID]
	return order, ok
}

// ActiveOrders returns every non-terminal order, sorted by qualified ID for
// deterministic iteration.
func (s *StateStore) ActiveOrders() []schema.OrderPayload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.active))
	for key := range s.active {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	orders := make([]schema.OrderPayload, 0, len(keys))
	for _, key := range keys {
		orders = append(orders, s.orders[key])
	}
	return orders
}

// GetTrade returns the trade stored under the venue-qualified trade ID.
func (s *StateStore) GetTrade(qualifiedID string) (schema.TradePayload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trade, ok := s.trades[qualifiedID]
	return trade, ok
}

// Trades returns all recorded trades sorted by qualified ID.
func (s *StateStore) Trades() []schema.TradePayload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.trades))
	for key := range s.trades {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	trades := make([]schema.TradePayload, 0, len(keys))
	for _, key := range keys {
		trades = append(trades, s.trades[key])
	}
	return trades
}

// GetPosition returns the position stored under the composite key.
func (s *StateStore) GetPosition(key string) (schema.PositionPayload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	position, ok := s.positions[key]
	return position, ok
}

// Positions returns every position snapshot sorted by key.
func (s *StateStore) Positions() []schema.PositionPayload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.positions))
	for key := range s.positions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	positions := make([]schema.PositionPayload, 0, len(keys))
	for _, key := range keys {
		positions = append(positions, s.positions[key])
	}
	return positions
}

// GetAccount returns the account stored under the venue-qualified account ID.
func (s *StateStore) GetAccount(qualifiedID string) (schema.AccountPayload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[qualifiedID]
	return account, ok
}

// Accounts returns every account snapshot sorted by key.
func (s *StateStore) Accounts() []schema.AccountPayload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.accounts))
	for key := range s.accounts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	accounts := make([]schema.AccountPayload, 0, len(keys))
	for _, key := range keys {
		accounts = append(accounts, s.accounts[key])
	}
	return accounts
}

// GetContract returns the instrument metadata stored under the vt-symbol.
func (s *StateStore) GetContract(vtSymbol string) (schema.ContractPayload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contract, ok := s.contracts[vtSymbol]
	if !ok {
		return schema.ContractPayload{}, false
	}
	return cloneContract(contract), true
}

// GetTick returns the latest quote stored under the vt-symbol.
func (s *StateStore) GetTick(vtSymbol string) (schema.TickPayload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tick, ok := s.ticks[vtSymbol]
	return tick, ok
}

// ResetVenue clears every record scoped to the venue. The supervisor invokes
// this on reconnection when the venue cannot resync incrementally, forcing a
// fresh full-state pull.
func (s *StateStore) ResetVenue(venue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, order := range s.orders {
		if order.Venue == venue {
			delete(s.orders, key)
			delete(s.active, key)
		}
	}
	for key, trade := range s.trades {
		if trade.Venue == venue {
			delete(s.trades, key)
		}
	}
	for key, position := range s.positions {
		if position.Venue == venue {
			delete(s.positions, key)
		}
	}
	for key, account := range s.accounts {
		if account.Venue == venue {
			delete(s.accounts, key)
		}
	}
	for key, contract := range s.contracts {
		if contract.Venue == venue {
			delete(s.contracts, key)
		}
	}
	for key, tick := range s.ticks {
		if tick.Venue == venue {
			delete(s.ticks, key)
		}
	}
}

// cloneContract deep-copies the attribute map so callers cannot mutate the
// stored record. Other payloads are plain value types and copy implicitly.
func cloneContract(contract schema.ContractPayload) schema.ContractPayload {
	if contract.Attributes == nil {
		return contract
	}
	attrs := make(map[string]string, len(contract.Attributes))
	for k, v := range contract.Attributes {
		attrs[k] = v
	}
	contract.Attributes = attrs
	return contract
}
