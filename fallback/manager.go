// Package fallback implements the Fallback Manager of spec.md §4.6: the
// single chokepoint through which the Coordinator talks to agents. It
// owns per-(agent, operation) circuit breakers, a response cache, and
// applies the ordered strategy chain (retry, alternative agent, cache,
// queue on RATE_LIMIT, degraded) until one succeeds.
//
// Grounded on the teacher's resilience/circuit_breaker.go (breaker
// state machine) and the r3e example's infrastructure/fallback package
// (ordered Execute chain, backoff calculation, TTL cache map),
// generalized to this spec's five named strategies and per-(agent,
// operation) breaker keys.
package fallback

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/oceanic-passage/orchestrator/agentclient"
	"github.com/oceanic-passage/orchestrator/core"
	"github.com/oceanic-passage/orchestrator/events"
)

// AgentLookup is the subset of registry.Registry the Manager needs:
// resolving an agent id to its base endpoint, finding alternative
// agents for an operation, and crediting/debiting outcome metrics.
type AgentLookup interface {
	Lookup(agentID string) (*core.AgentDescriptor, bool)
	SelectByCapability(operation string) []string
	RecordOutcome(agentID string, latency time.Duration, ok bool, errMsg string)
}

// invoker is the subset of agentclient.Client the Manager calls
// through; narrowed so tests can inject a fake.
type invoker interface {
	Invoke(ctx context.Context, operation string, inputs map[string]interface{}, deadline time.Duration) (map[string]interface{}, error)
}

// CallRequest is one Coordinator-issued call, per spec.md §4.5 point 2.
type CallRequest struct {
	Operation       string
	AgentID         string // required agent, or "" for any-capable
	FallbackAgentID string // Router's second-ranked pick, tried by strategy 2 first
	Inputs          map[string]interface{}
	Deadline        time.Duration
	RetryBudget     int // strategy-1 total attempts (1 = no retry), shared with the Coordinator's own counter
}

// CallOutcome is the Manager's result, consumed by the Coordinator to
// build a StepResult.
type CallOutcome struct {
	Payload       map[string]interface{}
	SourceAgentID string
	Latency       time.Duration
	Fallback      bool
	Degraded      bool
	Strategy      string
	Queued        bool
	QueueID       string
}

// Manager is the Fallback Manager.
type Manager struct {
	lookup AgentLookup
	cache  *Cache
	breakers *breakerStore

	logger core.Logger
	bus    *events.Bus
	clock  core.Clock

	retryPolicy core.RetryPolicy
	newClient   func(agentID, baseURL string) invoker

	sharedCache SharedBackend // staged until Cache exists, then applied
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger attaches a component logger.
func WithLogger(l core.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithEventBus attaches the process-wide event bus.
func WithEventBus(b *events.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithClock overrides the clock, for deterministic tests.
func WithClock(c core.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithClientFactory overrides how the Manager builds an agent caller,
// used by tests to inject a fake instead of a real HTTP client.
func WithClientFactory(f func(agentID, baseURL string) invoker) Option {
	return func(m *Manager) { m.newClient = f }
}

// WithSharedCache attaches a cross-process cache backend (e.g. Redis).
func WithSharedCache(b SharedBackend) Option {
	return func(m *Manager) { m.sharedCache = b }
}

// New builds a Manager over lookup, configured with breakerCfg and
// retryPolicy.
func New(lookup AgentLookup, breakerCfg core.BreakerConfig, retryPolicy core.RetryPolicy, opts ...Option) *Manager {
	m := &Manager{
		lookup:      lookup,
		logger:      core.NoOpLogger{},
		clock:       core.SystemClock{},
		retryPolicy: retryPolicy,
		newClient: func(agentID, baseURL string) invoker {
			return agentclient.New(agentID, baseURL)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cache = NewCache(m.clock)
	if m.sharedCache != nil {
		m.cache.WithSharedBackend(m.sharedCache)
	}
	m.breakers = newBreakerStore(breakerCfg, m.clock)
	return m
}

// ForceOpen implements health.BreakerNotifier: every operation's
// breaker for agentID opens immediately.
func (m *Manager) ForceOpen(agentID string, reason string) {
	m.breakers.forceOpenAgent(agentID)
	m.logger.Warn("breaker force-opened", map[string]interface{}{"agent_id": agentID, "reason": reason})
}

// ClearForced lets agentID's breakers start closed again once it is
// reported healthy.
func (m *Manager) ClearForced(agentID string) {
	m.breakers.clearForcedAgent(agentID)
}

// Call resolves req through the breaker + strategy chain of spec.md
// §4.6.3, returning the first strategy that succeeds.
func (m *Manager) Call(ctx context.Context, req CallRequest) (*CallOutcome, error) {
	target := req.AgentID
	if target == "" {
		ranked := m.lookup.SelectByCapability(req.Operation)
		if len(ranked) > 0 {
			target = ranked[0]
		}
	}

	if target == "" {
		return nil, core.NewAgentError(core.ErrCapabilityNotFound, "", req.Operation, "no agent exposes this operation", nil)
	}

	outcome, err := m.tryWithRetry(ctx, target, req)
	if err == nil {
		return outcome, nil
	}

	if core.KindOf(err) == core.ErrInvalidInput {
		return nil, err // INVALID_INPUT never falls through to other strategies
	}

	// Strategy 2 applies only to retryable failures (plus CIRCUIT_OPEN,
	// which tryWithRetry never retries itself) and never to
	// CAPABILITY_NOT_FOUND, where no other agent can help either.
	kind := core.KindOf(err)
	if (core.IsRetryable(err) || kind == core.ErrCircuitOpen) && kind != core.ErrCapabilityNotFound {
		if alt, ok := m.tryAlternativeAgent(ctx, target, req); ok {
			return alt, nil
		}
	}

	key := cacheKey(target, req.Operation, req.Inputs)
	if payload, ok := m.cache.Get(key); ok {
		m.emit(ctx, events.StepCompleted, req.Operation, target, "cache hit")
		return &CallOutcome{Payload: payload, SourceAgentID: target, Fallback: true, Strategy: "cache"}, nil
	}

	if core.KindOf(err) == core.ErrRateLimit {
		queueID := uuid.New().String()
		m.emit(ctx, events.RequestQueued, req.Operation, target, queueID)
		return &CallOutcome{SourceAgentID: target, Queued: true, QueueID: queueID, Strategy: "queued"}, nil
	}

	if core.AllowsDegraded(err) {
		return &CallOutcome{
			Payload:       degradedPayload(req.Operation, err),
			SourceAgentID: target,
			Degraded:      true,
			Strategy:      "degraded",
		}, nil
	}

	return nil, err
}

// tryWithRetry calls target once, then retries on TIMEOUT while both
// req.RetryBudget and the Manager's retry policy allow it — strategy 1
// of spec.md §4.6.3, coordinated with the Coordinator's own counter by
// sharing req.RetryBudget.
func (m *Manager) tryWithRetry(ctx context.Context, target string, req CallRequest) (*CallOutcome, error) {
	var lastErr error
	attempts := req.RetryBudget
	if attempts < 1 {
		attempts = 1
	}
	if m.retryPolicy.MaxAttempts > 0 && attempts > m.retryPolicy.MaxAttempts {
		attempts = m.retryPolicy.MaxAttempts
	}

	for attempt := 0; attempt < attempts; attempt++ {
		outcome, err := m.attempt(ctx, target, req, attempt == 0)
		if err == nil {
			return outcome, nil
		}
		lastErr = err

		if core.KindOf(err) != core.ErrTimeout || attempt == attempts-1 {
			return nil, err
		}

		delay := backoffDelay(m.retryPolicy, attempt)
		select {
		case <-ctx.Done():
			return nil, core.NewAgentError(core.ErrCancelled, target, req.Operation, "cancelled during retry backoff", ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// attempt makes exactly one call against target, honoring its breaker.
func (m *Manager) attempt(ctx context.Context, target string, req CallRequest, isPrimary bool) (*CallOutcome, error) {
	b := m.breakers.get(target, req.Operation)
	if !b.allow() {
		return nil, core.NewAgentError(core.ErrCircuitOpen, target, req.Operation, "breaker open", nil)
	}

	descriptor, ok := m.lookup.Lookup(target)
	if !ok {
		b.recordFailure()
		return nil, core.NewAgentError(core.ErrUnreachable, target, req.Operation, "agent not found in registry", nil)
	}

	client := m.newClient(target, descriptor.BaseEndpoint)
	start := m.clock.Now()
	payload, err := client.Invoke(ctx, req.Operation, req.Inputs, req.Deadline)
	latency := m.clock.Now().Sub(start)

	if err != nil {
		b.recordFailure()
		m.lookup.RecordOutcome(target, latency, false, err.Error())
		return nil, err
	}

	b.recordSuccess()
	m.lookup.RecordOutcome(target, latency, true, "")

	strategy := "primary"
	if !isPrimary {
		strategy = "retry"
	}

	m.cache.Set(cacheKey(target, req.Operation, req.Inputs), req.Operation, payload)

	return &CallOutcome{
		Payload:       payload,
		SourceAgentID: target,
		Latency:       latency,
		Strategy:      strategy,
	}, nil
}

// tryAlternativeAgent implements strategy 2: ask the Registry for the
// next best agent exposing the same operation, excluding the one that
// already failed, and call it once.
func (m *Manager) tryAlternativeAgent(ctx context.Context, failedAgentID string, req CallRequest) (*CallOutcome, bool) {
	candidates := []string{req.FallbackAgentID}
	candidates = append(candidates, m.lookup.SelectByCapability(req.Operation)...)

	for _, candidate := range candidates {
		if candidate == "" || candidate == failedAgentID {
			continue
		}
		outcome, err := m.attempt(ctx, candidate, req, false)
		if err != nil {
			continue
		}
		outcome.Fallback = true
		outcome.Strategy = "alternative_agent"
		return outcome, true
	}
	return nil, false
}

func (m *Manager) emit(ctx context.Context, t events.Type, operation, agentID, message string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, events.Event{Type: t, AgentID: agentID, Message: fmt.Sprintf("%s: %s", operation, message)})
}

// backoffDelay computes initial_delay * multiplier^attempt, capped at
// max_delay, per spec.md §4.5 point 3.
func backoffDelay(p core.RetryPolicy, attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if cap := float64(p.MaxDelay); delay > cap {
		delay = cap
	}
	return time.Duration(delay)
}

// degradedPayload builds an operation-specific placeholder marked
// degraded, per spec.md §4.6.3 strategy 4.
func degradedPayload(operation string, cause error) map[string]interface{} {
	return map[string]interface{}{
		"degraded": true,
		"message":  fmt.Sprintf("%s unavailable: %s", operation, cause.Error()),
	}
}
