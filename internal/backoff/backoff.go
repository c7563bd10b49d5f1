// Package backoff computes reconnect delays.
package backoff

import (
	"math"
	"time"
)

// Policy is a deterministic doubling backoff: Base, 2×Base, 4×Base, ... capped at Max.
// A Max of zero or less leaves the sequence unbounded.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// New creates a Policy with the given bounds.
func New(base, max time.Duration) Policy {
	return Policy{Base: base, Max: max}
}

// Delay returns the wait before the retry that follows attempts consecutive failures,
// i.e. min(Base × 2^attempts, Max). It saturates instead of overflowing.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	limit := p.Max
	if limit <= 0 {
		limit = math.MaxInt64
	}
	if p.Base <= 0 {
		return 0
	}

	wait := p.Base
	for i := 0; i < attempts; i++ {
		if wait > limit/2 {
			return limit
		}
		wait *= 2
	}
	return min(wait, limit)
}
