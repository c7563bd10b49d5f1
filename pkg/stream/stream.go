// Package stream keeps a logically continuous, event-driven connection over a
// physical transport that may drop, be rejected, or need fresh credentials.
//
// An Engine owns at most one Stream at a time. Streams come from a Factory;
// the engine classifies their close and error signals, schedules reconnects with
// a doubling backoff, and forwards every event to listeners registered on the
// engine, so callers never re-subscribe after a reconnect.
package stream

import (
	"context"

	"tether/internal/ws"
	"tether/pkg/core"
)

// ConnState is the engine's lifecycle state.
type ConnState = ws.ConnState

const (
	StateConnecting    = ws.StateConnecting
	StateConnected     = ws.StateConnected
	StateAwaitingRetry = ws.StateAwaitingRetry
	StateDisconnected  = ws.StateDisconnected
	StateDisposed      = ws.StateDisposed
)

// EventKind identifies a stream lifecycle or data event.
type EventKind int

const (
	EventOpen EventKind = iota
	EventMessage
	EventError
	EventClose
)

// EventKinds lists every kind in dispatch order.
var EventKinds = [...]EventKind{EventOpen, EventMessage, EventError, EventClose}

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	names := [...]string{"open", "message", "error", "close"}
	if k < 0 || int(k) >= len(names) {
		return "unknown"
	}
	return names[k]
}

// Event is delivered to listeners. Fields not relevant to Kind are zero.
type Event struct {
	Kind EventKind
	// URL is the endpoint of the stream that produced the event.
	URL string

	// Data is the opaque message payload.
	Data []byte
	// Name is the event name for server-sent events.
	Name string
	// ID is the last event ID for server-sent events.
	ID string

	// Code and Reason describe a close event.
	Code   core.CloseCode
	Reason string

	// Err is the error carried by an error event.
	Err error
}

// Listener is a registered callback. Identity is the pointer: registering the
// same *Listener twice for a kind delivers once.
type Listener struct {
	fn func(Event)
}

// Listen wraps fn in a Listener handle.
func Listen(fn func(Event)) *Listener {
	return &Listener{fn: fn}
}

// Stream is the capability contract the engine requires from a transport.
type Stream interface {
	URL() string
	AddEventListener(kind EventKind, l *Listener)
	RemoveEventListener(kind EventKind, l *Listener)
	Close(code core.CloseCode, reason string) error
}

// Starter is implemented by streams that hold back events until the engine
// has attached its listeners.
type Starter interface {
	Start()
}

// Sender is implemented by duplex streams.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Factory opens a new stream. It reports handshake rejections as *core.HandshakeError.
// Retry timing belongs to the engine; factories must not retry on their own.
type Factory func(ctx context.Context) (Stream, error)

// RefreshFunc refreshes client credentials. It returns true when a retry is worth attempting.
type RefreshFunc func(ctx context.Context) (bool, error)
