// Package health implements the Health Monitor of spec.md §4.3: a
// probe loop over every agent that escalates status on repeated failure and
// notifies the Fallback Manager to force-open that agent's breakers
// after persistent unreachability.
//
// Grounded on the teacher's resilience package's probe/classify idiom
// (resilience/circuit_breaker.go) and core/agent.go's heartbeat shape,
// generalized from a single HTTP-call breaker wrapper to a standalone
// polling loop that probes each agent in turn.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/oceanic-passage/orchestrator/agentclient"
	"github.com/oceanic-passage/orchestrator/core"
	"github.com/oceanic-passage/orchestrator/events"
	"github.com/oceanic-passage/orchestrator/registry"
)

// consecutiveFailureThreshold is the number of consecutive probe
// failures that escalates an agent to StatusError, per spec.md §4.3.
const consecutiveFailureThreshold = 3

// prober is the subset of agentclient.Client the Monitor needs.
type prober interface {
	Health(ctx context.Context, deadline time.Duration) (*agentclient.HealthResponse, error)
}

// BreakerNotifier is implemented by the Fallback Manager. ForceOpen is
// called when an agent crosses the consecutive-failure threshold so
// every operation's breaker for that agent opens immediately, per
// spec.md §4.3.
type BreakerNotifier interface {
	ForceOpen(agentID string, reason string)
}

// Monitor runs a single probe loop that probes every registered agent
// once per interval.
type Monitor struct {
	reg    *registry.Registry
	logger core.Logger
	bus    *events.Bus
	clock  core.Clock

	interval time.Duration
	deadline time.Duration

	newProber func(agentID, baseURL string) prober
	notifier  BreakerNotifier

	mu            sync.Mutex
	consecutive   map[string]int
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithLogger attaches a component logger.
func WithLogger(l core.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithEventBus attaches the process-wide event bus.
func WithEventBus(b *events.Bus) Option {
	return func(m *Monitor) { m.bus = b }
}

// WithClock overrides the clock, for deterministic tests.
func WithClock(c core.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithBreakerNotifier wires the Fallback Manager so persistent
// unreachability forces that agent's breakers open.
func WithBreakerNotifier(n BreakerNotifier) Option {
	return func(m *Monitor) { m.notifier = n }
}

// WithProberFactory overrides how the Monitor builds a prober, used by
// tests to inject a fake instead of a real HTTP client.
func WithProberFactory(f func(agentID, baseURL string) prober) Option {
	return func(m *Monitor) { m.newProber = f }
}

// New builds a Monitor bound to reg, probing at interval with the given
// per-probe deadline.
func New(reg *registry.Registry, interval, deadline time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		reg:         reg,
		logger:      core.NoOpLogger{},
		clock:       core.SystemClock{},
		interval:    interval,
		deadline:    deadline,
		consecutive: make(map[string]int),
		newProber: func(agentID, baseURL string) prober {
			return agentclient.New(agentID, baseURL)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ProbeOnce probes agentID at baseURL a single time and applies the
// status-escalation rule of spec.md §4.3.
func (m *Monitor) ProbeOnce(ctx context.Context, agentID, baseURL string) {
	prober := m.newProber(agentID, baseURL)
	probeCtx, cancel := context.WithTimeout(ctx, m.deadline)
	defer cancel()

	_, err := prober.Health(probeCtx, m.deadline)

	if err == nil {
		m.onSuccess(ctx, agentID)
		return
	}
	m.onFailure(ctx, agentID, err.Error())
}

func (m *Monitor) onSuccess(ctx context.Context, agentID string) {
	m.mu.Lock()
	m.consecutive[agentID] = 0
	m.mu.Unlock()

	m.reg.UpdateStatus(agentID, core.StatusActive, "")
	m.reg.Heartbeat(agentID, m.clock.Now())

	if c, ok := m.notifier.(interface{ ClearForced(agentID string) }); ok {
		c.ClearForced(agentID)
	}

	if m.bus != nil {
		m.bus.Publish(ctx, events.Event{Type: events.AgentHealthy, AgentID: agentID})
	}
}

func (m *Monitor) onFailure(ctx context.Context, agentID, reason string) {
	m.mu.Lock()
	m.consecutive[agentID]++
	count := m.consecutive[agentID]
	m.mu.Unlock()

	if count >= consecutiveFailureThreshold {
		m.reg.UpdateStatus(agentID, core.StatusError, reason)
		if m.notifier != nil {
			m.notifier.ForceOpen(agentID, reason)
		}
	} else {
		m.reg.UpdateStatus(agentID, core.StatusDegraded, reason)
	}

	m.logger.Warn("health probe failed", map[string]interface{}{
		"agent_id":    agentID,
		"consecutive": count,
		"reason":      reason,
	})

	if m.bus != nil {
		m.bus.Publish(ctx, events.Event{Type: events.AgentUnhealthy, AgentID: agentID, Message: reason})
	}
}

// Run probes every agent in agents (id -> base URL) once per interval
// until ctx is cancelled. Intended to run in its own goroutine for the
// lifetime of the host process; agents is re-read from the Registry on
// every tick so newly discovered agents are picked up automatically.
func (m *Monitor) Run(ctx context.Context, agentURLs func() map[string]string) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for agentID, baseURL := range agentURLs() {
				m.ProbeOnce(ctx, agentID, baseURL)
			}
		}
	}
}

// ConsecutiveFailures returns the current consecutive-failure count for
// agentID, used by tests asserting the escalation threshold.
func (m *Monitor) ConsecutiveFailures(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutive[agentID]
}
