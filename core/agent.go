package core

import (
	"sync"
	"time"
)

// AgentStatus is the lifecycle status of one agent, per spec.md §3.
type AgentStatus string

const (
	StatusActive   AgentStatus = "active"
	StatusIdle     AgentStatus = "idle"
	StatusDegraded AgentStatus = "degraded"
	StatusError    AgentStatus = "error"
	StatusUnknown  AgentStatus = "unknown"
)

// selectable reports whether an agent in this status may be returned by
// Registry.SelectByCapability. Only active/idle agents are selectable;
// spec.md §4.1 invariant: selectors never return error/offline agents.
func (s AgentStatus) selectable() bool {
	return s == StatusActive || s == StatusIdle
}

// AgentDescriptor is the identity of one agent. It is immutable between
// Discovery updates and is replaced atomically when capabilities change.
type AgentDescriptor struct {
	AgentID        string       `json:"agent_id"`
	DisplayName    string       `json:"display_name"`
	Version        string       `json:"version"`
	BaseEndpoint   string       `json:"base_endpoint"`
	Capabilities   []Capability `json:"capabilities"`
	HealthEndpoint string       `json:"health_endpoint"`
}

// HasOperation reports whether this descriptor declares the given
// operation.
func (d *AgentDescriptor) HasOperation(operation string) bool {
	for _, c := range d.Capabilities {
		if c.Operation == operation {
			return true
		}
	}
	return false
}

// AgentRuntimeState is the mutable, per-agent health and metrics record.
// It is mutated only by the Health Monitor and the Registry's
// RecordOutcome (called post-call by the Coordinator).
type AgentRuntimeState struct {
	mu sync.RWMutex

	Status          AgentStatus
	LastHeartbeat   time.Time
	RequestCount    int64
	FailureCount    int64
	AverageLatency  time.Duration
	SuccessRate     float64
	LastError       string

	// successWindow is a fixed-size ring of the last N outcomes, used to
	// compute SuccessRate over a rolling window (spec.md §4.1: 20-request
	// window).
	successWindow [successWindowSize]bool
	windowFilled  int
	windowPos     int
}

const (
	successWindowSize = 20
	latencyEMAAlpha    = 0.25
)

// NewAgentRuntimeState returns a freshly reset runtime state, used on
// initial registration and whenever a version change resets the state.
func NewAgentRuntimeState() *AgentRuntimeState {
	return &AgentRuntimeState{
		Status:      StatusUnknown,
		SuccessRate: 1.0,
	}
}

// Snapshot returns a value copy safe to read without holding the lock.
func (s *AgentRuntimeState) Snapshot() AgentRuntimeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s
	cp.mu = sync.RWMutex{}
	return cp
}

// SetStatus performs an idempotent status transition and records the
// reason in LastError when moving to a non-healthy status.
func (s *AgentRuntimeState) SetStatus(status AgentStatus, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
	if reason != "" {
		s.LastError = reason
	}
}

// Heartbeat records a successful health probe.
func (s *AgentRuntimeState) Heartbeat(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastHeartbeat = at
}

// RecordOutcome updates the rolling metrics with an exponential moving
// average for latency (alpha=0.25) and a 20-request window for success
// rate, per spec.md §4.1.
func (s *AgentRuntimeState) RecordOutcome(latency time.Duration, ok bool, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.RequestCount++
	if !ok {
		s.FailureCount++
		s.LastError = errMsg
	}

	if s.AverageLatency == 0 {
		s.AverageLatency = latency
	} else {
		s.AverageLatency = time.Duration(latencyEMAAlpha*float64(latency) + (1-latencyEMAAlpha)*float64(s.AverageLatency))
	}

	s.successWindow[s.windowPos] = ok
	s.windowPos = (s.windowPos + 1) % successWindowSize
	if s.windowFilled < successWindowSize {
		s.windowFilled++
	}

	successes := 0
	for i := 0; i < s.windowFilled; i++ {
		if s.successWindow[i] {
			successes++
		}
	}
	s.SuccessRate = float64(successes) / float64(s.windowFilled)
}
