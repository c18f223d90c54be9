// Package schema defines canonical event types and payload shapes shared
// across the runtime.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType enumerates canonical event categories. The set is closed: every
// payload shape carried by the bus maps to exactly one of these values.
type EventType string

const (
	// EventTypeTick identifies market quote updates.
	EventTypeTick EventType = "Tick"
	// EventTypeOrder identifies order lifecycle updates.
	EventTypeOrder EventType = "Order"
	// EventTypeTrade identifies trade executions.
	EventTypeTrade EventType = "Trade"
	// EventTypePosition identifies position snapshots.
	EventTypePosition EventType = "Position"
	// EventTypeAccount identifies account balance snapshots.
	EventTypeAccount EventType = "Account"
	// EventTypeContract identifies instrument metadata refreshes.
	EventTypeContract EventType = "Contract"
	// EventTypeLog identifies diagnostic log notifications.
	EventTypeLog EventType = "Log"
	// EventTypeTimer identifies the periodic bus timer beat.
	EventTypeTimer EventType = "Timer"
	// EventTypeConnectionStatus identifies venue connectivity transitions.
	EventTypeConnectionStatus EventType = "ConnectionStatus"
	// EventTypeError identifies asynchronous runtime failures.
	EventTypeError EventType = "Error"
)

// Payload is the sealed interface implemented by every event payload shape.
// Each implementation reports the single EventType it travels under.
type Payload interface {
	EventType() EventType
}

// Event represents an immutable notification distributed via the bus.
type Event struct {
	EventID   string    `json:"event_id"`
	Type      EventType `json:"type"`
	Venue     string    `json:"venue"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event for the given venue, deriving Type from the payload.
func NewEvent(venue string, payload Payload) *Event {
	evt := new(Event)
	evt.Venue = venue
	evt.Payload = payload
	evt.Timestamp = time.Now().UTC()
	if payload != nil {
		evt.Type = payload.EventType()
	}
	return evt
}

// TickPayload conveys a market quote update.
type TickPayload struct {
	Symbol    string          `json:"symbol"`
	Venue     string          `json:"venue"`
	LastPrice decimal.Decimal `json:"last_price"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventType identifies the tick payload category.
func (TickPayload) EventType() EventType { return EventTypeTick }

// TimerPayload is the empty payload carried by periodic timer events.
type TimerPayload struct{}

// EventType identifies the timer payload category.
func (TimerPayload) EventType() EventType { return EventTypeTimer }

// LogLevel grades log payload severity.
type LogLevel string

const (
	// LogLevelInfo marks informational notifications.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn marks recoverable anomalies.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError marks failures needing operator attention.
	LogLevelError LogLevel = "error"
)

// LogPayload conveys a diagnostic notification through the event stream.
type LogPayload struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
	Source  string   `json:"source,omitempty"`
}

// EventType identifies the log payload category.
func (LogPayload) EventType() EventType { return EventTypeLog }

// ErrorPayload conveys an asynchronous runtime failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// EventType identifies the error payload category.
func (ErrorPayload) EventType() EventType { return EventTypeError }

// ConnectionState enumerates venue connectivity phases. Mutated only by the
// connection supervisor; observed by everything else through status events.
type ConnectionState string

const (
	// StateDisconnected marks a venue with no session and no recovery running.
	StateDisconnected ConnectionState = "Disconnected"
	// StateConnecting marks an in-flight initial connect attempt.
	StateConnecting ConnectionState = "Connecting"
	// StateConnected marks a healthy authenticated session.
	StateConnected ConnectionState = "Connected"
	// StateDegraded marks a session that stopped answering heartbeats.
	StateDegraded ConnectionState = "Degraded"
	// StateReconnecting marks an active backoff-driven recovery loop.
	StateReconnecting ConnectionState = "Reconnecting"
	// StateClosed marks a permanently released connection.
	StateClosed ConnectionState = "Closed"
)

// ConnectionStatusPayload announces a venue connectivity transition.
type ConnectionStatusPayload struct {
	Venue  string          `json:"venue"`
	State  ConnectionState `json:"state"`
	Reason string          `json:"reason,omitempty"`
}

// EventType identifies the connection status payload category.
func (ConnectionStatusPayload) EventType() EventType { return EventTypeConnectionStatus }

// ContractPayload conveys instrument metadata. The runtime stores it opaquely;
// venue adapters own the semantics of the attribute map.
type ContractPayload struct {
	Symbol     string            `json:"symbol"`
	Venue      string            `json:"venue"`
	Name       string            `json:"name,omitempty"`
	PriceTick  decimal.Decimal   `json:"price_tick"`
	LotSize    decimal.Decimal   `json:"lot_size"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// EventType identifies the contract payload category.
func (ContractPayload) EventType() EventType { return EventTypeContract }
