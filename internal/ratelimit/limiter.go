// Package ratelimit throttles outbound stream writes.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter allows up to a number of sends per period with a burst of the same size.
// A nil *RateLimiter never throttles.
type RateLimiter struct {
	limiter *rate.Limiter
	metrics *Metrics
}

// Metrics tracks statistics about rate limiter usage.
type Metrics struct {
	totalRequests   atomic.Int64
	allowedRequests atomic.Int64
	deniedRequests  atomic.Int64
}

// New creates a RateLimiter allowing requests per period. It returns nil when
// requests or period is not positive, which disables limiting.
func New(requests int, period time.Duration) *RateLimiter {
	if requests <= 0 || period <= 0 {
		return nil
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(perSecond(requests, period), requests),
		metrics: &Metrics{},
	}
}

func perSecond(requests int, period time.Duration) rate.Limit {
	return rate.Limit(float64(requests) / period.Seconds())
}

// Wait blocks until a send is allowed or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.metrics.totalRequests.Add(1)
	if err := r.limiter.Wait(ctx); err != nil {
		r.metrics.deniedRequests.Add(1)
		return err
	}
	r.metrics.allowedRequests.Add(1)
	return nil
}

// Allow reports whether a send is allowed right now.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}
	r.metrics.totalRequests.Add(1)
	allowed := r.limiter.Allow()
	if allowed {
		r.metrics.allowedRequests.Add(1)
	} else {
		r.metrics.deniedRequests.Add(1)
	}
	return allowed
}

// Metrics returns a snapshot of the current rate limiter statistics.
func (r *RateLimiter) Metrics() MetricsSnapshot {
	if r == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		TotalRequests:   r.metrics.totalRequests.Load(),
		AllowedRequests: r.metrics.allowedRequests.Load(),
		DeniedRequests:  r.metrics.deniedRequests.Load(),
	}
}

// MetricsSnapshot is a point-in-time capture of rate limiter statistics.
type MetricsSnapshot struct {
	// TotalRequests is the total number of rate limit checks performed.
	TotalRequests int64
	// AllowedRequests is the number of requests that were allowed.
	AllowedRequests int64
	// DeniedRequests is the number of requests that were denied.
	DeniedRequests int64
}
