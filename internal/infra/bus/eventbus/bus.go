// Package eventbus fans connection events out to independently registered consumers.
package eventbus

import (
	"time"

	"github.com/coachpo/tickwire/errs"
	"github.com/coachpo/tickwire/internal/domain/schema"
	"github.com/coachpo/tickwire/internal/observability"
)

// DefaultQueueWarnDepth is the re-entrant queue depth above which publishes are logged.
const DefaultQueueWarnDepth = 1024

// Kind identifies the event type.
type Kind string

const (
	KindOpen    Kind = "open"
	KindMessage Kind = "message"
	KindClose   Kind = "close"
	KindError   Kind = "error"
)

// Handle identifies a consumer registration.
type Handle string

// Consumer receives events. It runs on the publishing goroutine and must not block.
type Consumer func(Event)

// Open describes a transport that reached the open state.
type Open struct {
	// Epoch increments on every successful open.
	Epoch uint64
	// Reconnect is true for every open after the first one.
	Reconnect bool
}

// Close describes a transport close.
type Close struct {
	Code   int
	Reason string
	Clean  bool
}

// Failure carries a connection-level error.
type Failure struct {
	Err *errs.E
	// Terminal is set when the connection manager stopped reconnecting.
	Terminal bool
}

// Event is a typed bus event. Exactly one payload matching Kind is set.
type Event struct {
	Kind    Kind
	At      time.Time
	Open    *Open
	Message *schema.Message
	Close   *Close
	Failure *Failure
}

// OpenEvent builds an open event.
func OpenEvent(epoch uint64, reconnect bool) Event {
	return Event{Kind: KindOpen, At: time.Now(), Open: &Open{Epoch: epoch, Reconnect: reconnect}}
}

// MessageEvent builds a message event.
func MessageEvent(msg *schema.Message) Event {
	return Event{Kind: KindMessage, At: time.Now(), Message: msg}
}

// CloseEvent builds a close event.
func CloseEvent(code int, reason string, clean bool) Event {
	return Event{Kind: KindClose, At: time.Now(), Close: &Close{Code: code, Reason: reason, Clean: clean}}
}

// ErrorEvent builds an error event.
func ErrorEvent(err *errs.E, terminal bool) Event {
	return Event{Kind: KindError, At: time.Now(), Failure: &Failure{Err: err, Terminal: terminal}}
}

// Bus delivers events to registered consumers.
type Bus interface {
	Register(consumer Consumer) Handle
	Unregister(handle Handle)
	Scope(consumer Consumer) (release func())
	Publish(evt Event)
	Close()
}

// MemoryConfig configures the in-process bus.
type MemoryConfig struct {
	Logger         observability.Logger
	QueueWarnDepth int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.QueueWarnDepth <= 0 {
		c.QueueWarnDepth = DefaultQueueWarnDepth
	}
	c.Logger = observability.OrDefault(c.Logger)
	return c
}
