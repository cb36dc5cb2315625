package jira

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RateLimiter spaces request starts by a fixed minimum interval and caps the
// number of requests in flight. One instance is shared by every caller of a
// single sync run and must not be reused across credential sets.
type RateLimiter struct {
	limiter  *rate.Limiter
	gate     *semaphore.Weighted
	interval time.Duration
}

// NewRateLimiter allows requestsPerMinute request starts per minute, with at
// most maxConcurrent requests in flight.
func NewRateLimiter(requestsPerMinute, maxConcurrent int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 100
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	interval := time.Minute / time.Duration(requestsPerMinute)
	return &RateLimiter{
		// Burst 1 means no two grants are closer than interval.
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		gate:     semaphore.NewWeighted(int64(maxConcurrent)),
		interval: interval,
	}
}

// Interval returns the minimum spacing between granted requests.
func (r *RateLimiter) Interval() time.Duration {
	return r.interval
}

// Acquire blocks until the caller may start a request. The returned release
// func must be called once the request has completed.
func (r *RateLimiter) Acquire(ctx context.Context) (func(), error) {
	if err := r.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		r.gate.Release(1)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { r.gate.Release(1) })
	}, nil
}
