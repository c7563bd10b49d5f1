package ws

import "sync/atomic"

// ConnState represents the lifecycle state of a reconnecting connection.
type ConnState int32

// Connection states. Every state except StateDisposed can be left again.
const (
	// StateConnecting indicates a connection attempt is in flight.
	StateConnecting ConnState = iota
	// StateConnected indicates a stream is active.
	StateConnected
	// StateAwaitingRetry indicates a reconnect is scheduled after a backoff delay.
	StateAwaitingRetry
	// StateDisconnected indicates the connection is suspended until an explicit reconnect.
	StateDisconnected
	// StateDisposed indicates the connection has been permanently closed.
	StateDisposed
)

// String returns the string representation of the connection state.
func (s ConnState) String() string {
	names := [...]string{
		"connecting",
		"connected",
		"awaiting_retry",
		"disconnected",
		"disposed",
	}
	if s < 0 || int(s) >= len(names) {
		return "unknown"
	}
	return names[s]
}

// Settled reports whether the state is one a caller waiting for an outcome can stop at.
func (s ConnState) Settled() bool {
	return s == StateConnected || s == StateDisconnected || s == StateDisposed
}

// State provides thread-safe atomic access to a ConnState value.
type State struct {
	state atomic.Int32
}

// Load returns the current connection state.
func (s *State) Load() ConnState {
	return ConnState(s.state.Load())
}

// Store sets the connection state to the given value.
func (s *State) Store(state ConnState) {
	s.state.Store(int32(state))
}
