package mctext

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// CircuitBreaker guards client creation in a ClientPool. It is satisfied by
// *gobreaker.CircuitBreaker[*Client].
type CircuitBreaker interface {
	Execute(req func() (*Client, error)) (*Client, error)
	State() gobreaker.State
}

// CircuitBreakerState is the state reported by ClientPool.CircuitBreakerState.
type CircuitBreakerState = gobreaker.State

const (
	CircuitBreakerClosed   = gobreaker.StateClosed
	CircuitBreakerHalfOpen = gobreaker.StateHalfOpen
	CircuitBreakerOpen     = gobreaker.StateOpen
)

var _ CircuitBreaker = (*gobreaker.CircuitBreaker[*Client])(nil)

// NewCircuitBreakerConfig returns a function that creates circuit breakers
// for PoolConfig.NewCircuitBreaker. The breaker opens once at least 3
// creations were attempted in the interval and 60% of them failed.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(string) CircuitBreaker {
	return func(serverAddr string) CircuitBreaker {
		settings := gobreaker.Settings{
			Name:        serverAddr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
		}
		return gobreaker.NewCircuitBreaker[*Client](settings)
	}
}
