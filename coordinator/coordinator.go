// Package coordinator implements the Workflow Coordinator of spec.md
// §4.5: a true ready-set DAG scheduler over an ExecutionPlan, bounded by
// a global concurrency cap W and a fan-out sub-cap, dispatching every
// step through the Fallback Manager and recording state transitions on
// a WorkflowContext.
//
// Grounded on the teacher's pkg/orchestration/executor.go worker-pool
// idiom (a buffered-channel semaphore bounding concurrent agent calls,
// goroutines coordinated by a sync.WaitGroup), generalized from its
// tiered groupStepsByOrder/executeParallel pattern into a genuine
// ready-set scheduler per spec.md §9's redesign note: a step starts the
// moment every entry in its DependsOn list reaches a terminal state,
// not when its "tier" is reached.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/oceanic-passage/orchestrator/core"
	"github.com/oceanic-passage/orchestrator/events"
	"github.com/oceanic-passage/orchestrator/fallback"
)

// Caller is the subset of fallback.Manager the Coordinator dispatches
// through. Narrowed to an interface so tests can inject a fake.
type Caller interface {
	Call(ctx context.Context, req fallback.CallRequest) (*fallback.CallOutcome, error)
}

// Coordinator runs one ExecutionPlan to completion.
type Coordinator struct {
	caller      Caller
	logger      core.Logger
	bus         *events.Bus
	clock       core.Clock
	concurrency int
	fanOutCap   int
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithLogger attaches a component logger.
func WithLogger(l core.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithEventBus attaches the bus the Coordinator publishes plan/step
// events to. Callers own draining it.
func WithEventBus(b *events.Bus) Option {
	return func(c *Coordinator) { c.bus = b }
}

// WithClock overrides the clock, for deterministic tests.
func WithClock(clk core.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// New builds a Coordinator bounded by concurrency (global step cap W)
// and fanOutCap (per-plan weather-fan-out sub-cap).
func New(caller Caller, concurrency, fanOutCap int, opts ...Option) *Coordinator {
	if concurrency <= 0 {
		concurrency = 8
	}
	if fanOutCap <= 0 {
		fanOutCap = 4
	}
	c := &Coordinator{
		caller:      caller,
		logger:      core.NoOpLogger{},
		clock:       core.SystemClock{},
		concurrency: concurrency,
		fanOutCap:   fanOutCap,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// node is the scheduler's live bookkeeping for one step, including ones
// added at runtime by fan-out expansion.
type node struct {
	step          core.Step
	remainingDeps int
	dependents    []string
	depFailed     bool // a dependency reached a non-ok terminal state
}

// run is the mutable scheduling state for one Execute call. It is
// guarded by mu because fan-out expansion adds nodes concurrently with
// other steps running.
type run struct {
	mu    sync.Mutex
	nodes map[string]*node
	wg    sync.WaitGroup

	sem    chan struct{} // global concurrency bound W
	fanSem chan struct{} // fan-out sub-cap

	req  *core.PassageRequest
	plan *core.ExecutionPlan
	wc   *core.WorkflowContext
	bus  *events.Bus

	weatherExpanded bool
}

// Execute runs plan to completion against req, honoring plan.Deadline
// and ctx cancellation, and returns the WorkflowContext holding every
// step's terminal state and result. Execute never returns an error
// itself; partial failure is represented in the returned context, which
// the Aggregator can still consume for a degraded AggregatedPlan.
// Events publish to the bus this Coordinator was built with.
func (c *Coordinator) Execute(ctx context.Context, plan *core.ExecutionPlan, req *core.PassageRequest) *core.WorkflowContext {
	return c.execute(ctx, plan, req, c.bus)
}

// ExecuteWithBus is Execute, but publishes this run's events to bus
// instead of the Coordinator's default — used by Service to give each
// submitted plan its own event stream, per spec.md §6.2.
func (c *Coordinator) ExecuteWithBus(ctx context.Context, plan *core.ExecutionPlan, req *core.PassageRequest, bus *events.Bus) *core.WorkflowContext {
	return c.execute(ctx, plan, req, bus)
}

func (c *Coordinator) execute(ctx context.Context, plan *core.ExecutionPlan, req *core.PassageRequest, bus *events.Bus) *core.WorkflowContext {
	// plan.Deadline <= 0 (the zero value included) yields an
	// already-expired context rather than a substituted default: every
	// step is dispatched straight into its ctx.Err() != nil check and
	// comes back skipped(cancelled), per spec.md §8's boundary property.
	ctx, cancel := context.WithTimeout(ctx, plan.Deadline)
	defer cancel()

	stepIDs := make([]string, len(plan.Steps))
	for i, s := range plan.Steps {
		stepIDs[i] = s.StepID
	}
	wc := core.NewWorkflowContext(plan.PlanID, stepIDs, c.clock.Now())

	r := &run{
		nodes:  make(map[string]*node, len(plan.Steps)),
		sem:    make(chan struct{}, c.concurrency),
		fanSem: make(chan struct{}, c.fanOutCap),
		req:    req,
		plan:   plan,
		wc:     wc,
		bus:    bus,
	}

	dependents := make(map[string][]string, len(plan.Steps))
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.StepID)
		}
	}
	for _, s := range plan.Steps {
		r.nodes[s.StepID] = &node{step: s, remainingDeps: len(s.DependsOn), dependents: dependents[s.StepID]}
	}

	c.emit(ctx, bus, events.PlanStarted, plan.PlanID, "", "", "")

	var initial []string
	for id, n := range r.nodes {
		if n.remainingDeps == 0 {
			initial = append(initial, id)
		}
	}
	for _, id := range initial {
		r.wg.Add(1)
		go c.runStep(ctx, r, id)
	}

	r.wg.Wait()

	// Use a fresh background context for the terminal event: ctx is
	// already done by this point whenever the plan was cancelled or hit
	// its deadline, which would otherwise race emit's own select against
	// ctx.Done() and could drop the very event callers most need to see.
	switch ctx.Err() {
	case context.Canceled:
		wc.Cancel()
		c.emit(context.Background(), bus, events.PlanCancelled, plan.PlanID, "", "", "")
	case context.DeadlineExceeded:
		c.emit(context.Background(), bus, events.PlanFailed, plan.PlanID, "", "", "plan deadline exceeded")
	default:
		c.emit(context.Background(), bus, events.PlanCompleted, plan.PlanID, "", "", "")
	}

	return wc
}

// runStep dispatches one step, honoring the global semaphore, then
// propagates completion to its dependents. Called as its own goroutine;
// the caller must have already done wg.Add(1).
func (c *Coordinator) runStep(ctx context.Context, r *run, stepID string) {
	defer r.wg.Done()

	r.mu.Lock()
	n, ok := r.nodes[stepID]
	r.mu.Unlock()
	if !ok {
		return
	}

	if r.wc.Cancelled() || ctx.Err() != nil {
		c.skip(r, stepID, "cancelled")
		c.propagate(ctx, r, stepID)
		return
	}

	if n.depFailed {
		c.skip(r, stepID, "dependency failed")
		c.propagate(ctx, r, stepID)
		return
	}

	if n.step.Input["fan_out"] == "per_waypoint" {
		c.expandWeatherFanOut(ctx, r, n.step)
		c.skip(r, stepID, "expanded")
		c.propagate(ctx, r, stepID)
		return
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		c.skip(r, stepID, "cancelled")
		c.propagate(ctx, r, stepID)
		return
	}
	fanOut := n.step.FanOutOf != ""
	if fanOut {
		select {
		case r.fanSem <- struct{}{}:
		case <-ctx.Done():
			<-r.sem
			c.skip(r, stepID, "cancelled")
			c.propagate(ctx, r, stepID)
			return
		}
	}

	c.dispatch(ctx, r, n.step)

	if fanOut {
		<-r.fanSem
	}
	<-r.sem

	c.propagate(ctx, r, stepID)
}

// dispatch runs one step's agent call through the Fallback Manager and
// records its terminal state + result.
func (c *Coordinator) dispatch(ctx context.Context, r *run, step core.Step) {
	r.wc.SetState(step.StepID, core.StateRunning)
	c.emit(ctx, r.bus, events.StepStarted, r.plan.PlanID, step.StepID, step.AgentID, "")

	inputs := materializeInputs(step, r.req, r.wc)
	start := c.clock.Now()

	outcome, err := c.caller.Call(ctx, fallback.CallRequest{
		Operation:       step.Operation,
		AgentID:         step.AgentID,
		FallbackAgentID: step.FallbackAgent,
		Inputs:          inputs,
		Deadline:        step.Timeout,
		RetryBudget:     retryBudget(step),
	})
	latency := c.clock.Now().Sub(start)

	if err != nil {
		result := core.StepResult{
			StepID:    step.StepID,
			Outcome:   core.OutcomeError,
			Latency:   latency,
			Kind:      core.KindOf(err),
			Message:   err.Error(),
			Retryable: core.IsRetryable(err),
		}
		r.wc.SetResult(step.StepID, result)
		r.wc.SetState(step.StepID, core.StateFailed)
		c.emit(ctx, r.bus, events.StepFailed, r.plan.PlanID, step.StepID, step.AgentID, err.Error())
		return
	}

	if outcome.Queued {
		r.wc.SetResult(step.StepID, core.StepResult{StepID: step.StepID, Outcome: core.OutcomeSkipped, SkipReason: "deferred"})
		r.wc.SetState(step.StepID, core.StateSkipped)
		return
	}

	result := core.StepResult{
		StepID:        step.StepID,
		Outcome:       core.OutcomeOK,
		Payload:       outcome.Payload,
		Latency:       latency,
		SourceAgentID: outcome.SourceAgentID,
		Fallback:      outcome.Fallback,
		Degraded:      outcome.Degraded,
		Strategy:      outcome.Strategy,
	}
	r.wc.SetResult(step.StepID, result)

	state := core.StateSucceeded
	if outcome.Strategy != "primary" && outcome.Strategy != "retry" {
		state = core.StateFallbackSucceeded
	}
	r.wc.SetState(step.StepID, state)
	c.emit(ctx, r.bus, events.StepCompleted, r.plan.PlanID, step.StepID, outcome.SourceAgentID, outcome.Strategy)
}

// skip marks stepID skipped with reason, without dispatching it.
func (c *Coordinator) skip(r *run, stepID, reason string) {
	r.wc.SetResult(stepID, core.StepResult{StepID: stepID, Outcome: core.OutcomeSkipped, SkipReason: reason})
	r.wc.SetState(stepID, core.StateSkipped)
}

// propagate decrements remainingDeps on stepID's dependents and
// schedules any that become ready. A dependent is marked depFailed when
// stepID's own result is not OutcomeOK, per spec.md §4.5 point 3: retry
// exhaustion "mark[s] the step's dependents for skip" — runStep turns
// depFailed into a skip("dependency failed") rather than dispatching,
// and that skip itself cascades to further dependents in turn.
func (c *Coordinator) propagate(ctx context.Context, r *run, stepID string) {
	result, _ := r.wc.Result(stepID)
	failed := result.Outcome != core.OutcomeOK

	r.mu.Lock()
	n := r.nodes[stepID]
	var ready []string
	for _, dep := range n.dependents {
		dn := r.nodes[dep]
		if failed {
			dn.depFailed = true
		}
		dn.remainingDeps--
		if dn.remainingDeps == 0 {
			ready = append(ready, dep)
		}
	}
	r.mu.Unlock()

	for _, id := range ready {
		r.wg.Add(1)
		go c.runStep(ctx, r, id)
	}
}

// expandWeatherFanOut turns the weather placeholder step into one
// concrete sub-step per route waypoint, per spec.md §4.4 point 5 and
// §8's 8-waypoint/cap-4 scenario. If the route step has no usable
// result (no waypoints), the expansion is skipped entirely and no
// weather steps run at all.
func (c *Coordinator) expandWeatherFanOut(ctx context.Context, r *run, placeholder core.Step) {
	r.mu.Lock()
	if r.weatherExpanded {
		r.mu.Unlock()
		return
	}
	r.weatherExpanded = true
	r.mu.Unlock()

	routeResult, ok := r.wc.Result("route")
	if !ok || routeResult.Outcome != core.OutcomeOK {
		return
	}
	waypoints, _ := routeResult.Payload["waypoints"].([]interface{})
	if len(waypoints) == 0 {
		return
	}

	r.mu.Lock()
	steps := make([]core.Step, 0, len(r.plan.Steps)-1+len(waypoints))
	for _, s := range r.plan.Steps {
		if s.StepID != placeholder.StepID {
			steps = append(steps, s)
		}
	}
	for i := range waypoints {
		subID := fmt.Sprintf("%s-%d", placeholder.StepID, i)
		sub := placeholder
		sub.StepID = subID
		sub.FanOutOf = placeholder.StepID
		sub.DependsOn = []string{"route"}
		sub.Input = map[string]interface{}{"waypoint_index": i}
		steps = append(steps, sub)
		r.nodes[subID] = &node{step: sub, remainingDeps: 0}
		r.wc.SetState(subID, core.StatePending)
	}
	// Replace the placeholder with its expanded sub-steps in plan.Steps
	// itself, not just in the scheduler's nodes map, so the Aggregator's
	// plan.Steps-keyed pass (running after this same *ExecutionPlan is
	// handed to it) sees weather-0..N instead of the skipped placeholder.
	r.plan.Steps = steps
	r.mu.Unlock()

	for i := range waypoints {
		subID := fmt.Sprintf("%s-%d", placeholder.StepID, i)
		r.wg.Add(1)
		go c.runStep(ctx, r, subID)
	}
}

// retryBudget resolves a step's configured retry budget, defaulting to
// 1 (no retry) when unset.
func retryBudget(step core.Step) int {
	if step.RetryBudget <= 0 {
		return 1
	}
	return step.RetryBudget
}

// materializeInputs builds the concrete input payload for step: a copy
// of step.Input plus the request and route fields its capability class
// needs. Values in step.Input are copied as they are; no placeholder
// in them is resolved.
func materializeInputs(step core.Step, req *core.PassageRequest, wc *core.WorkflowContext) map[string]interface{} {
	inputs := make(map[string]interface{}, len(step.Input)+4)
	for k, v := range step.Input {
		inputs[k] = v
	}

	switch step.Capability {
	case core.CapabilityPortInfo:
		inputs["departure"] = req.Departure
		inputs["destination"] = req.Destination
	case core.CapabilityRoute:
		inputs["departure"] = req.Departure
		inputs["destination"] = req.Destination
		inputs["vessel"] = req.Vessel
	case core.CapabilityWeather, core.CapabilityWind, core.CapabilitySafety:
		if routeResult, ok := wc.Result("route"); ok && routeResult.Outcome == core.OutcomeOK {
			inputs["waypoints"] = routeResult.Payload["waypoints"]
		}
	case core.CapabilityTides:
		inputs["departure"] = req.Departure
	}
	return inputs
}

func (c *Coordinator) emit(ctx context.Context, bus *events.Bus, t events.Type, planID, stepID, agentID, message string) {
	if bus == nil {
		return
	}
	bus.Publish(ctx, events.Event{Type: t, PlanID: planID, StepID: stepID, AgentID: agentID, Message: message})
}
