package gateway

import (
	"sync"
	"time"

	"github.com/symphainy/gateway/internal/metrics"
)

// breakerState is the per-(connection, channel) circuit breaker state.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// breakerTransitions enumerates the legal state transitions. Anything else is
// a programming error and is refused.
var breakerTransitions = map[breakerState][]breakerState{
	breakerClosed:   {breakerOpen},
	breakerOpen:     {breakerHalfOpen},
	breakerHalfOpen: {breakerClosed, breakerOpen},
}

// breaker isolates one slow consumer channel. After threshold consecutive
// full-queue failures it opens and sheds deliveries; after the cool-down it
// half-opens and admits exactly one trial. A failed trial reopens it with
// exponential backoff, capped at maxBackoff.
type breaker struct {
	threshold  int
	cooldown   time.Duration
	maxBackoff time.Duration

	mu               sync.Mutex
	state            breakerState
	consecutiveFails int
	openUntil        time.Time
	backoff          time.Duration
	probing          bool
}

func newBreaker(threshold int, cooldown, maxBackoff time.Duration) *breaker {
	return &breaker{
		threshold:  threshold,
		cooldown:   cooldown,
		maxBackoff: maxBackoff,
		backoff:    cooldown,
	}
}

// transitionLocked moves to a new state if the transition table allows it.
// Callers hold b.mu.
func (b *breaker) transitionLocked(to breakerState) bool {
	for _, allowed := range breakerTransitions[b.state] {
		if allowed == to {
			b.state = to
			metrics.BreakerTransitions.WithLabelValues(to.String()).Inc()
			return true
		}
	}
	return false
}

// allow reports whether a delivery attempt may proceed now. In half_open it
// admits a single trial; concurrent attempts during the trial are shed.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerOpen && !now.Before(b.openUntil) {
		b.transitionLocked(breakerHalfOpen)
		b.probing = false
	}

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		return false
	case breakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// success records a delivered payload.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	if b.state == breakerHalfOpen {
		b.transitionLocked(breakerClosed)
		b.backoff = b.cooldown
		b.probing = false
	}
}

// failure records a full-queue delivery failure.
func (b *breaker) failure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.threshold {
			b.transitionLocked(breakerOpen)
			b.backoff = b.cooldown
			b.openUntil = now.Add(b.backoff)
		}
	case breakerHalfOpen:
		// The trial failed: reopen and back off further.
		b.transitionLocked(breakerOpen)
		b.backoff *= 2
		if b.backoff > b.maxBackoff {
			b.backoff = b.maxBackoff
		}
		b.openUntil = now.Add(b.backoff)
		b.probing = false
	}
}

// currentState is used by tests and the eviction/cleanup paths.
func (b *breaker) currentState() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) backoffValue() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backoff
}
