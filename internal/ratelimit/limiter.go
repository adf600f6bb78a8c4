// Package ratelimit throttles requests per route, method, and caller using
// token buckets.
package ratelimit

import (
	"context"
	"net/http"
	"time"
)

// DefaultWindow is the period over which a bucket's full capacity refills.
const DefaultWindow = time.Minute

// Limiter decides whether a request fits its caller's budget.
type Limiter interface {
	// Allow checks a request of the given token cost against the bucket
	// for key. Plain requests cost 1; a cost at or below zero is treated
	// as 1. A denied request consumes nothing, so steady retries at the
	// limit boundary do not push recovery further away.
	Allow(ctx context.Context, key Key, cost float64) (*Result, error)

	// Close releases background resources. Safe to call multiple times.
	Close() error
}

// Result is the outcome of a limit check.
type Result struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Limit is the bucket capacity that applied.
	Limit int

	// Remaining is the whole number of tokens left after this check.
	Remaining int

	// RetryAfter is how long until enough tokens accrue for the denied
	// cost. Zero when the request was allowed.
	RetryAfter time.Duration
}

// Limits maps HTTP methods to bucket capacities per refill window. Write
// methods get smaller budgets than reads.
type Limits struct {
	// PerMethod holds the capacity for each method.
	PerMethod map[string]int

	// Default applies to methods not listed in PerMethod.
	Default int

	// Window is the period over which a full bucket refills.
	Window time.Duration
}

// DefaultLimits returns the standard per-method budgets.
func DefaultLimits() Limits {
	return Limits{
		PerMethod: map[string]int{
			http.MethodGet:    100,
			http.MethodPost:   30,
			http.MethodPut:    30,
			http.MethodPatch:  30,
			http.MethodDelete: 20,
		},
		Default: 60,
		Window:  DefaultWindow,
	}
}

// CapacityFor returns the bucket capacity for the given method.
func (l Limits) CapacityFor(method string) int {
	if capacity, ok := l.PerMethod[method]; ok {
		return capacity
	}
	return l.Default
}

// rateFor returns the refill rate in tokens per second for the given method.
func (l Limits) rateFor(method string) float64 {
	window := l.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return float64(l.CapacityFor(method)) / window.Seconds()
}

// NoopLimiter always allows. Used when rate limiting is disabled.
type NoopLimiter struct{}

// NewNoopLimiter creates a limiter that never rejects.
func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

// Allow implements Limiter.
func (l *NoopLimiter) Allow(_ context.Context, _ Key, _ float64) (*Result, error) {
	return &Result{Allowed: true}, nil
}

// Close implements Limiter.
func (l *NoopLimiter) Close() error {
	return nil
}
