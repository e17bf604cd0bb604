package interpreter

import (
	"sync"
	"time"
)

// circuitBreaker is the "simple circuit-breaker" spec.md §4.6 calls for:
// it trips once consecutive failures reach threshold, then stays open
// (rejecting every call with CircuitOpen) until cooldown elapses.
type circuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openedAt  time.Time
	tripped   bool
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, cooldown: cooldown}
}

func (b *circuitBreaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tripped {
		return false
	}
	if time.Since(b.openedAt) >= b.cooldown {
		b.tripped = false
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.tripped = true
		b.openedAt = time.Now()
	}
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}
