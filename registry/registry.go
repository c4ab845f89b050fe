// Package registry implements the Agent Registry of spec.md §4.1: the
// authoritative in-memory map from agent id to (AgentDescriptor,
// AgentRuntimeState), with deterministic capability-ranked selection.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oceanic-passage/orchestrator/core"
	"github.com/oceanic-passage/orchestrator/events"
)

// Registry is the Agent Registry. It is safe for concurrent use: readers
// (Router, Coordinator) take the read lock, writers (Discovery, Health
// Monitor) take the write lock, per spec.md §5's reader/writer
// discipline.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*core.AgentDescriptor
	runtime     map[string]*core.AgentRuntimeState

	logger core.Logger
	bus    *events.Bus // optional: process-wide registration events
	clock  core.Clock
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithLogger attaches a component logger.
func WithLogger(l core.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithEventBus attaches a process-wide bus for agent:registered
// events. Optional — nil means no events are emitted.
func WithEventBus(b *events.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

// WithClock overrides the clock, for deterministic tests.
func WithClock(c core.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		descriptors: make(map[string]*core.AgentDescriptor),
		runtime:     make(map[string]*core.AgentRuntimeState),
		logger:      core.NoOpLogger{},
		clock:       core.SystemClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register upserts a descriptor by agent id. If the agent is new, or
// its version changed, the runtime state is reset to defaults, per
// spec.md §4.1.
func (r *Registry) Register(ctx context.Context, descriptor *core.AgentDescriptor) {
	r.mu.Lock()
	existing, had := r.descriptors[descriptor.AgentID]
	versionChanged := had && existing.Version != descriptor.Version
	r.descriptors[descriptor.AgentID] = descriptor
	if !had || versionChanged {
		r.runtime[descriptor.AgentID] = core.NewAgentRuntimeState()
	}
	r.mu.Unlock()

	r.logger.Info("agent registered", map[string]interface{}{
		"agent_id":      descriptor.AgentID,
		"version":       descriptor.Version,
		"version_reset": versionChanged,
	})

	if r.bus != nil {
		r.bus.Publish(ctx, events.Event{
			Type:    events.AgentRegistered,
			AgentID: descriptor.AgentID,
		})
	}
}

// Lookup returns the descriptor for agentID, or (nil, false).
func (r *Registry) Lookup(agentID string) (*core.AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[agentID]
	return d, ok
}

// RuntimeState returns a snapshot of agentID's runtime state.
func (r *Registry) RuntimeState(agentID string) (core.AgentRuntimeState, bool) {
	r.mu.RLock()
	rs, ok := r.runtime[agentID]
	r.mu.RUnlock()
	if !ok {
		return core.AgentRuntimeState{}, false
	}
	return rs.Snapshot(), true
}

// candidate is an internal ranking row.
type candidate struct {
	agentID string
	state   core.AgentRuntimeState
}

// SelectByCapability returns agents exposing operation, ordered by
// (success rate desc, average latency asc, agent id asc) — the
// tie-break by id is what makes alternative-agent selection
// deterministic, per spec.md §4.1 and the "Registry determinism"
// property of spec.md §8. Only agents in {active, idle} are returned.
func (r *Registry) SelectByCapability(operation string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []candidate
	for agentID, d := range r.descriptors {
		if !d.HasOperation(operation) {
			continue
		}
		rs, ok := r.runtime[agentID]
		if !ok {
			continue
		}
		snap := rs.Snapshot()
		if !snap.Status.selectable() {
			continue
		}
		candidates = append(candidates, candidate{agentID: agentID, state: snap})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.state.SuccessRate != b.state.SuccessRate {
			return a.state.SuccessRate > b.state.SuccessRate
		}
		if a.state.AverageLatency != b.state.AverageLatency {
			return a.state.AverageLatency < b.state.AverageLatency
		}
		return a.agentID < b.agentID
	})

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.agentID
	}
	return ids
}

// UpdateStatus is an idempotent status transition. reason is recorded
// as the runtime state's LastError when non-empty.
func (r *Registry) UpdateStatus(agentID string, status core.AgentStatus, reason string) {
	r.mu.RLock()
	rs, ok := r.runtime[agentID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	rs.SetStatus(status, reason)
}

// RecordOutcome updates agentID's rolling metrics after a call
// completes, per spec.md §4.1.
func (r *Registry) RecordOutcome(agentID string, latency time.Duration, ok bool, errMsg string) {
	r.mu.RLock()
	rs, found := r.runtime[agentID]
	r.mu.RUnlock()
	if !found {
		return
	}
	rs.RecordOutcome(latency, ok, errMsg)
}

// Heartbeat records a successful health probe's timestamp.
func (r *Registry) Heartbeat(agentID string, at time.Time) {
	r.mu.RLock()
	rs, ok := r.runtime[agentID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	rs.Heartbeat(at)
}

// Remove deletes an agent entirely. Only the Health Monitor should call
// this, after persistent unreachability — Discovery never deletes on a
// single failed probe, per spec.md §4.2.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.descriptors, agentID)
	delete(r.runtime, agentID)
}

// Snapshot returns every currently registered agent id, for Router
// determinism tests (spec.md §8 "Registry determinism").
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.descriptors))
	for id := range r.descriptors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
