package fallback

import (
	"sync"
	"time"

	"github.com/oceanic-passage/orchestrator/core"
)

// BreakerState is the circuit breaker state machine of spec.md §4.6.1.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// breaker is one per-(agent, operation) circuit breaker. Grounded on
// the teacher's resilience/circuit_breaker.go state machine,
// simplified from its sliding-window error-rate model to the spec's
// consecutive-failure-count model.
type breaker struct {
	mu sync.Mutex

	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenSuccesses   int
	halfOpenInFlight    int

	cfg   core.BreakerConfig
	clock core.Clock
}

func newBreaker(cfg core.BreakerConfig, clock core.Clock) *breaker {
	return &breaker{state: BreakerClosed, cfg: cfg, clock: clock}
}

// allow reports whether a request may be dispatched right now, and
// transitions open -> half_open when reset_timeout has elapsed, per
// spec.md §4.6.1.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = BreakerHalfOpen
			b.halfOpenSuccesses = 0
			b.halfOpenInFlight = 0
		} else {
			return false
		}
		fallthrough
	case BreakerHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenRequests {
			return false
		}
		b.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// recordSuccess credits a successful call. In closed state it
// decrements the failure counter (floor 0); in half-open it counts
// toward the close threshold.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		if b.consecutiveFailures > 0 {
			b.consecutiveFailures--
		}
	case BreakerHalfOpen:
		b.halfOpenSuccesses++
		b.halfOpenInFlight--
		if b.halfOpenSuccesses >= b.cfg.HalfOpenRequests {
			b.state = BreakerClosed
			b.consecutiveFailures = 0
		}
	}
}

// recordFailure debits a failed call, opening the breaker when the
// consecutive-failure threshold is crossed, or immediately re-opening
// from half-open on any failure.
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.clock.Now()
		}
	case BreakerHalfOpen:
		b.halfOpenInFlight--
		b.state = BreakerOpen
		b.openedAt = b.clock.Now()
	}
}

// forceOpen opens the breaker immediately regardless of its current
// failure count, used by the Health Monitor after persistent
// unreachability (spec.md §4.3).
func (b *breaker) forceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerOpen
	b.openedAt = b.clock.Now()
	b.consecutiveFailures = b.cfg.FailureThreshold
}

func (b *breaker) currentState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// breakerKey identifies one breaker.
type breakerKey struct {
	agentID   string
	operation string
}

// breakerStore is the registry of every per-(agent, operation) breaker
// in the process, created lazily on first use.
type breakerStore struct {
	mu          sync.Mutex
	breakers    map[breakerKey]*breaker
	forcedAgent map[string]bool // agents force-opened before their per-op breaker existed
	cfg         core.BreakerConfig
	clock       core.Clock
}

func newBreakerStore(cfg core.BreakerConfig, clock core.Clock) *breakerStore {
	return &breakerStore{
		breakers:    make(map[breakerKey]*breaker),
		forcedAgent: make(map[string]bool),
		cfg:         cfg,
		clock:       clock,
	}
}

func (s *breakerStore) get(agentID, operation string) *breaker {
	key := breakerKey{agentID, operation}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = newBreaker(s.cfg, s.clock)
		if s.forcedAgent[agentID] {
			b.forceOpen()
		}
		s.breakers[key] = b
	}
	return b
}

// forceOpenAgent opens every operation's breaker for agentID, per
// spec.md §4.3's escalation from the Health Monitor. Future breakers
// created for this agent (an operation not yet seen) also start open,
// until a health probe marks the agent healthy again.
func (s *breakerStore) forceOpenAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forcedAgent[agentID] = true
	for key, b := range s.breakers {
		if key.agentID == agentID {
			b.forceOpen()
		}
	}
}

// clearForcedAgent lets new breakers for agentID start closed again,
// called once the Health Monitor reports the agent healthy.
func (s *breakerStore) clearForcedAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.forcedAgent, agentID)
}
