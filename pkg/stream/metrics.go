package stream

import (
	"sync/atomic"

	"tether/internal/ratelimit"
)

// Metrics tracks connection statistics for an engine.
type Metrics struct {
	attempts      atomic.Int64
	connects      atomic.Int64
	failures      atomic.Int64
	retries       atomic.Int64
	refreshes     atomic.Int64
	staleDiscards atomic.Int64
}

// MetricsSnapshot is a point-in-time capture of engine statistics.
type MetricsSnapshot struct {
	// Attempts is the number of factory invocations.
	Attempts int64
	// Connects is the number of streams that became active.
	Connects int64
	// Failures is the number of classified failures.
	Failures int64
	// Retries is the number of backoff timers armed.
	Retries int64
	// Refreshes is the number of credential-refresh hook invocations.
	Refreshes int64
	// StaleDiscards is the number of async results dropped because a newer generation existed.
	StaleDiscards int64
	// Sends is the number of sends that passed through the rate limiter.
	Sends int64
	// SendsDenied is the number of sends abandoned while waiting for the rate limiter.
	SendsDenied int64
	// CurrentState is the engine state when the snapshot was taken.
	CurrentState string
}

func (m *Metrics) snapshot(state ConnState, sends ratelimit.MetricsSnapshot) MetricsSnapshot {
	return MetricsSnapshot{
		Attempts:      m.attempts.Load(),
		Connects:      m.connects.Load(),
		Failures:      m.failures.Load(),
		Retries:       m.retries.Load(),
		Refreshes:     m.refreshes.Load(),
		StaleDiscards: m.staleDiscards.Load(),
		Sends:         sends.TotalRequests,
		SendsDenied:   sends.DeniedRequests,
		CurrentState:  state.String(),
	}
}
