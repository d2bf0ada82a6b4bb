package orchestrator

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/blackflagsec/sentinel/internal/jobs"
)

// breakerPool holds one circuit breaker per capability. Every executor
// attempt for the capability, from any tenant's jobs, is recorded;
// defaultMaxRetries+1 consecutive failed (fatal or retryable) attempts trip
// the breaker, and new CreateJob calls for that capability fail fast with
// ErrConfigurationError instead of queuing doomed dispatches, until a
// half-open probe (allowed 30s after tripping) succeeds. While closed, the
// failure counts reset every minute.
type breakerPool struct {
	mu       sync.Mutex
	breakers map[jobs.Capability]*gobreaker.CircuitBreaker
}

func newBreakerPool() *breakerPool {
	return &breakerPool{breakers: make(map[jobs.Capability]*gobreaker.CircuitBreaker)}
}

func (p *breakerPool) forCapability(cap jobs.Capability) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[cap]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(cap),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(defaultMaxRetries+1)
		},
	})
	p.breakers[cap] = cb
	return cb
}

// Allow reports whether a new dispatch for cap may proceed.
func (p *breakerPool) Allow(cap jobs.Capability) bool {
	cb := p.forCapability(cap)
	return cb.State() != gobreaker.StateOpen
}

// RecordOutcome feeds the dispatch result back into the capability's
// breaker.
func (p *breakerPool) RecordOutcome(cap jobs.Capability, o outcome) {
	cb := p.forCapability(cap)
	_, _ = cb.Execute(func() (any, error) {
		if o == outcomeFatal || o == outcomeRetryable {
			return nil, errCancelled // any non-nil error counts as a failure
		}
		return nil, nil
	})
}
