package session

import (
	"errors"
	"fmt"

	"ivbench/internal/protocol"
)

// State represents the lifecycle state of a measurement session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateMeasuring    State = "measuring"
	StateFinishing    State = "finishing"
	StateError        State = "error"
)

var (
	// ErrNotConnected is returned when no transport is open.
	ErrNotConnected = errors.New("session is not connected")
	// ErrClosing is wrapped in the TransportError Connect returns while a
	// disconnect is pending.
	ErrClosing = errors.New("session is closing")
)

// TransportError reports a connection that failed to open or broke while
// in use.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("transport: %v", e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// EventKind distinguishes the notifications a Controller emits.
type EventKind string

const (
	EventState   EventKind = "state"
	EventData    EventKind = "data"
	EventMessage EventKind = "message"
	EventError   EventKind = "error"
)

// Event is a single notification from the Controller. Data and message
// events arrive in transport delivery order.
type Event struct {
	Kind      EventKind
	SessionID string
	State     State
	// Index is the position of Point in the session's data sequence.
	Index int
	Point protocol.DataPoint
	// Raw is the unmodified inbound frame for message events.
	Raw string
	Err error
}

// Observer receives session events. It is called without the Controller's
// locks held and on the goroutine that caused the event.
type Observer interface {
	OnSessionEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnSessionEvent(ev Event) { f(ev) }
