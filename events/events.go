// Package events models the core's caller-facing event stream as values
// written to a bounded channel per plan, per spec.md §9's "event
// emission via listeners" redesign note: this makes back-pressure
// explicit instead of unbounded listener fan-out.
package events

import (
	"context"
	"time"
)

// Type enumerates every event the core emits, per spec.md §4 and §6.2.
type Type string

const (
	AgentRegistered Type = "agent:registered"
	AgentUpdated    Type = "agent:updated"
	AgentHealthy    Type = "agent:healthy"
	AgentUnhealthy  Type = "agent:unhealthy"

	PlanStarted   Type = "plan:started"
	StepStarted   Type = "step:started"
	StepCompleted Type = "step:completed"
	StepFailed    Type = "step:failed"
	PlanCompleted Type = "plan:completed"
	PlanFailed    Type = "plan:failed"
	PlanCancelled Type = "plan:cancelled"

	RequestQueued Type = "request:queued"
)

// Event is one value on a plan's event stream.
type Event struct {
	Type      Type                   `json:"type"`
	PlanID    string                 `json:"plan_id,omitempty"`
	StepID    string                 `json:"step_id,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	At        time.Time              `json:"at"`
	Latency   time.Duration          `json:"latency,omitempty"`
	Fallback  bool                   `json:"fallback,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// defaultBufferSize bounds how many events a slow subscriber can lag
// behind before the publisher starts blocking. This is the explicit
// back-pressure point called for in spec.md §9.
const defaultBufferSize = 64

// Bus is a single plan's event stream: one writer (the Coordinator),
// any number of readers draining Events(). Close must be called exactly
// once, after the plan reaches a terminal state.
type Bus struct {
	ch chan Event
}

// NewBus creates a Bus with the default bounded buffer.
func NewBus() *Bus {
	return &Bus{ch: make(chan Event, defaultBufferSize)}
}

// Events returns the read side of the stream.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Publish writes ev to the stream. It blocks if the buffer is full and
// respects ctx cancellation, so a stalled subscriber cannot leak the
// publisher goroutine forever.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case b.ch <- ev:
	case <-ctx.Done():
	}
}

// Close closes the stream. Safe to call exactly once.
func (b *Bus) Close() {
	close(b.ch)
}
