package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/oceanic-passage/orchestrator/core"
	"github.com/oceanic-passage/orchestrator/events"
)

// PlanBuilder is the subset of router.Router the Service needs.
type PlanBuilder interface {
	BuildPlan(req *core.PassageRequest) (*core.ExecutionPlan, error)
}

// Synthesizer is the subset of aggregator.Aggregator the Service needs.
type Synthesizer interface {
	Aggregate(plan *core.ExecutionPlan, req *core.PassageRequest, wc *core.WorkflowContext) *core.AggregatedPlan
}

// Service is the caller-facing contract of spec.md §6.2: submit(request)
// -> plan id, a per-plan event stream, a blocking await(plan id), and
// cancel(plan id). It composes the Router, this package's Coordinator,
// and the Aggregator — the three components the Coordinator itself does
// not depend on directly, keeping each component's boundary narrow per
// spec.md §2.
type Service struct {
	builder PlanBuilder
	exec    *Coordinator
	synth   Synthesizer

	mu      sync.Mutex
	runs    map[string]*submittedRun
}

type submittedRun struct {
	cancel context.CancelFunc
	bus    *events.Bus
	done   chan struct{}
	result *core.AggregatedPlan
}

// NewService builds a Service over builder (Router), exec (Coordinator),
// and synth (Aggregator).
func NewService(builder PlanBuilder, exec *Coordinator, synth Synthesizer) *Service {
	return &Service{
		builder: builder,
		exec:    exec,
		synth:   synth,
		runs:    make(map[string]*submittedRun),
	}
}

// Submit builds a plan for req and starts executing it in the
// background, returning its plan id immediately, per spec.md §6.2.
func (s *Service) Submit(ctx context.Context, req *core.PassageRequest) (string, error) {
	plan, err := s.builder.BuildPlan(req)
	if err != nil {
		return "", fmt.Errorf("building plan: %w", err)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	bus := events.NewBus()
	sr := &submittedRun{cancel: cancel, bus: bus, done: make(chan struct{})}

	s.mu.Lock()
	s.runs[plan.PlanID] = sr
	s.mu.Unlock()

	go func() {
		defer close(sr.done)
		defer bus.Close()
		wc := s.exec.ExecuteWithBus(runCtx, plan, req, bus)
		sr.result = s.synth.Aggregate(plan, req, wc)
	}()

	return plan.PlanID, nil
}

// Events returns the event stream for planID, or false if no such plan
// was submitted. The stream closes once the plan reaches a terminal
// state; callers should range over it rather than polling.
func (s *Service) Events(planID string) (<-chan events.Event, bool) {
	s.mu.Lock()
	sr, ok := s.runs[planID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return sr.bus.Events(), true
}

// Await blocks until planID reaches a terminal state and returns its
// AggregatedPlan, per spec.md §6.2. Returns false if planID is unknown.
func (s *Service) Await(planID string) (*core.AggregatedPlan, bool) {
	s.mu.Lock()
	sr, ok := s.runs[planID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	<-sr.done
	return sr.result, true
}

// Cancel requests planID stop admitting new steps and abort in-flight
// ones at their next suspension point, per spec.md §4.5's cancellation
// semantics. A no-op if planID is unknown or already terminal.
func (s *Service) Cancel(planID string) {
	s.mu.Lock()
	sr, ok := s.runs[planID]
	s.mu.Unlock()
	if !ok {
		return
	}
	sr.cancel()
}
