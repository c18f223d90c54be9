package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide captures the direction of an order or fill.
type TradeSide string

const (
	// TradeSideBuy indicates buy side orders and fills.
	TradeSideBuy TradeSide = "Buy"
	// TradeSideSell indicates sell side orders and fills.
	TradeSideSell TradeSide = "Sell"
)

// OrderType enumerates supported order pricing modes.
type OrderType string

const (
	// OrderTypeLimit represents limit orders.
	OrderTypeLimit OrderType = "Limit"
	// OrderTypeMarket represents market orders.
	OrderTypeMarket OrderType = "Market"
)

// OrderStatus enumerates order lifecycle states.
type OrderStatus string

const (
	// OrderStatusSubmitted indicates the venue accepted the order for working.
	OrderStatusSubmitted OrderStatus = "Submitted"
	// OrderStatusPartiallyFilled indicates a partial execution.
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	// OrderStatusFilled indicates complete execution.
	OrderStatusFilled OrderStatus = "Filled"
	// OrderStatusCancelled indicates venue-confirmed cancellation.
	OrderStatusCancelled OrderStatus = "Cancelled"
	// OrderStatusRejected indicates the venue refused the order.
	OrderStatusRejected OrderStatus = "Rejected"
)

// statusRank orders lifecycle states monotonically. Terminal states share the
// top rank; an update carrying a strictly lower rank than the stored record is
// stale and must be discarded.
var statusRank = map[OrderStatus]int{
	OrderStatusSubmitted:       1,
	OrderStatusPartiallyFilled: 2,
	OrderStatusFilled:          3,
	OrderStatusCancelled:       3,
	OrderStatusRejected:        3,
}

// Rank returns the monotonic lifecycle rank of the status. Unknown statuses
// rank lowest so they never displace recorded state.
func (s OrderStatus) Rank() int {
	return statusRank[s]
}

// Terminal reports whether the status ends the order lifecycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// OrderPayload represents an order lifecycle update emitted by a venue adapter.
type OrderPayload struct {
	OrderID      string          `json:"order_id"`
	Symbol       string          `json:"symbol"`
	Venue        string          `json:"venue"`
	Status       OrderStatus     `json:"status"`
	Side         TradeSide       `json:"side"`
	OrderType    OrderType       `json:"order_type"`
	Price        decimal.Decimal `json:"price"`
	Volume       decimal.Decimal `json:"volume"`
	FilledVolume decimal.Decimal `json:"filled_volume"`
	Timestamp    time.Time       `json:"timestamp"`
}

// EventType identifies the order payload category.
func (OrderPayload) EventType() EventType { return EventTypeOrder }

// QualifiedID returns the venue-qualified order key used by the state store.
func (p OrderPayload) QualifiedID() string {
	return JoinSymbol(p.OrderID, p.Venue)
}

// TradePayload represents an immutable execution fact.
type TradePayload struct {
	TradeID   string          `json:"trade_id"`
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Venue     string          `json:"venue"`
	Side      TradeSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventType identifies the trade payload category.
func (TradePayload) EventType() EventType { return EventTypeTrade }

// QualifiedID returns the venue-qualified trade key used by the state store.
func (p TradePayload) QualifiedID() string {
	return JoinSymbol(p.TradeID, p.Venue)
}

// PositionDirection distinguishes long and short legs on venues that keep
// them separate. Netting venues use PositionNet.
type PositionDirection string

const (
	// PositionLong marks the long leg of a two-sided position.
	PositionLong PositionDirection = "Long"
	// PositionShort marks the short leg of a two-sided position.
	PositionShort PositionDirection = "Short"
	// PositionNet marks a netted single-sided position.
	PositionNet PositionDirection = "Net"
)

// PositionPayload carries the latest position snapshot, not a delta.
type PositionPayload struct {
	Symbol    string            `json:"symbol"`
	Venue     string            `json:"venue"`
	Direction PositionDirection `json:"direction"`
	Volume    decimal.Decimal   `json:"volume"`
	AvgPrice  decimal.Decimal   `json:"avg_price"`
	PnL       decimal.Decimal   `json:"pnl"`
}

// EventType identifies the position payload category.
func (PositionPayload) EventType() EventType { return EventTypePosition }

// Key returns the composite position key: vt-symbol plus direction.
func (p PositionPayload) Key() string {
	direction := p.Direction
	if direction == "" {
		direction = PositionNet
	}
	return JoinSymbol(p.Symbol, p.Venue) + ":" + string(direction)
}

// AccountPayload carries the latest account balance snapshot.
type AccountPayload struct {
	AccountID string          `json:"account_id"`
	Venue     string          `json:"venue"`
	Balance   decimal.Decimal `json:"balance"`
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
}

// EventType identifies the account payload category.
func (AccountPayload) EventType() EventType { return EventTypeAccount }

// OrderRequest represents an order submission handed to a venue adapter.
type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Venue         string          `json:"venue"`
	Side          TradeSide       `json:"side"`
	OrderType     OrderType       `json:"order_type"`
	Price         decimal.Decimal `json:"price"`
	Volume        decimal.Decimal `json:"volume"`
}

// CancelRequest asks a venue adapter to cancel a working order.
type CancelRequest struct {
	OrderID string `json:"order_id"`
	Symbol  string `json:"symbol"`
	Venue   string `json:"venue"`
}

// SubscribeRequest asks a venue adapter to stream market data for a symbol.
type SubscribeRequest struct {
	Symbol string `json:"symbol"`
	Venue  string `json:"venue"`
}

// OrderAck is an adapter's immediate acknowledgment of a submission. It means
// "accepted for submission" only; authoritative order state arrives later via
// Order events on the bus.
type OrderAck struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Venue         string    `json:"venue"`
	AcceptedAt    time.Time `json:"accepted_at"`
}
