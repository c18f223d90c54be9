// Package eventbus implements the in-process publish/subscribe engine that
// distributes canonical events to registered handlers.
package eventbus

import (
	"time"

	"github.com/quantrelay/tradecore/internal/schema"
)

// HandlerFunc consumes a dispatched event. Handlers run synchronously on the
// dispatch goroutine and are expected to be fast; long-running work must be
// offloaded by the handler itself.
type HandlerFunc func(evt *schema.Event)

// Handler pairs a callback with a stable name. The name is the registration
// identity: a handler name may appear at most once per event type, and
// re-registering it is a no-op.
type Handler struct {
	Name string
	Fn   HandlerFunc
}

// Config sizes the engine queues and loops.
type Config struct {
	// QueueSize bounds the dispatch queue. When full, Publish drops the
	// oldest queued event rather than blocking the publisher.
	QueueSize int
	// TimerInterval spaces the periodic Timer events.
	TimerInterval time.Duration
	// StopTimeout bounds how long Stop waits for the loops to join.
	StopTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.TimerInterval <= 0 {
		c.TimerInterval = time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	return c
}

// Bus is the publish/subscribe contract consumed by the rest of the runtime.
type Bus interface {
	Publish(evt *schema.Event)
	Subscribe(typ schema.EventType, handler Handler)
	Unsubscribe(typ schema.EventType, name string)
	SubscribeAll(handler Handler)
	UnsubscribeAll(name string)
}
