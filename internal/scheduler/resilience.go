package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// newDispatchBreaker builds the circuit breaker guarding dispatch-script
// invocations. Repeated script failures (missing script, broken interpreter)
// trip the breaker so the scheduler stops burning task retries on a hand-off
// path that cannot currently succeed.
func newDispatchBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dispatch",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[scheduler] circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// User cancellation is not a dispatch-path failure.
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
}

// breakerOpen reports whether the error came from the breaker refusing the
// call rather than from the script itself.
func breakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
