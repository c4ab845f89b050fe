package core

import (
	"sync"
	"time"
)

// Step is one node in an ExecutionPlan's DAG. It targets one operation,
// either on a required agent or via "any-capable" selection (AgentID
// empty), per spec.md §3.
type Step struct {
	StepID        string            `json:"step_id"`
	Capability    CapabilityClass   `json:"capability"`
	Operation     string            `json:"operation"`
	AgentID       string            `json:"agent_id,omitempty"`       // required agent, or "" for any-capable
	FallbackAgent string            `json:"fallback_agent,omitempty"` // second-ranked agent recorded by the Router
	DependsOn     []string          `json:"depends_on,omitempty"`     // step ids
	Input         map[string]interface{} `json:"input,omitempty"`     // static values copied into the request payload
	Timeout       time.Duration     `json:"timeout"`
	RetryBudget   int               `json:"retry_budget"`
	Parallel      bool              `json:"parallel"` // parallel-eligible with same DependsOn set
	FanOutOf      string            `json:"fan_out_of,omitempty"` // set on expanded per-waypoint sub-steps
	SemanticSlot  string            `json:"semantic_slot,omitempty"` // declared mapping for the Aggregator
}

// ExecutionPlan is the immutable DAG produced by the Router for one
// PassageRequest. Invariant: the dependency relation forms no cycle and
// every DependsOn id references another Step in Steps.
type ExecutionPlan struct {
	PlanID      string        `json:"plan_id"`
	RequestID   string        `json:"request_id"`
	UserID      string        `json:"user_id"`
	Steps       []Step        `json:"steps"`
	CreatedAt   time.Time     `json:"created_at"`
	Deadline    time.Duration `json:"deadline"`
}

// StepOutcome discriminates the three terminal shapes a StepResult may
// take, per spec.md §3.
type StepOutcome string

const (
	OutcomeOK      StepOutcome = "ok"
	OutcomeError   StepOutcome = "error"
	OutcomeSkipped StepOutcome = "skipped"
)

// StepResult is the outcome of one step, a discriminated union over
// StepOutcome. Only the fields relevant to Outcome are populated.
type StepResult struct {
	StepID        string                 `json:"step_id"`
	Outcome       StepOutcome            `json:"outcome"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Latency       time.Duration          `json:"latency,omitempty"`
	SourceAgentID string                 `json:"source_agent_id,omitempty"`
	Fallback      bool                   `json:"fallback,omitempty"`
	Degraded      bool                   `json:"degraded,omitempty"`
	Strategy      string                 `json:"strategy,omitempty"` // final successful strategy: primary, retry, alternative_agent, cache, degraded, queued

	Kind      ErrorKind `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`

	SkipReason string `json:"skip_reason,omitempty"`
}

// StepState is the per-step state machine of spec.md §4.5: pending ->
// ready -> running -> (succeeded | failed | fallback-succeeded | skipped).
type StepState string

const (
	StatePending            StepState = "pending"
	StateReady              StepState = "ready"
	StateRunning            StepState = "running"
	StateSucceeded          StepState = "succeeded"
	StateFailed             StepState = "failed"
	StateFallbackSucceeded  StepState = "fallback-succeeded"
	StateSkipped            StepState = "skipped"
)

// Terminal reports whether this state is absorbing.
func (s StepState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateFallbackSucceeded, StateSkipped:
		return true
	default:
		return false
	}
}

// WorkflowContext is the live, per-execution scratchpad for one plan
// run. It is mutated only by the Coordinator worker owning a step; the
// Aggregator reads only the immutable Results map once execution ends.
type WorkflowContext struct {
	PlanID    string
	StartTime time.Time

	mu        sync.RWMutex
	states    map[string]StepState
	results   map[string]StepResult
	cancelled bool
}

// NewWorkflowContext creates a scratchpad for planID with every step
// initialized to pending.
func NewWorkflowContext(planID string, stepIDs []string, start time.Time) *WorkflowContext {
	wc := &WorkflowContext{
		PlanID:    planID,
		StartTime: start,
		states:    make(map[string]StepState, len(stepIDs)),
		results:   make(map[string]StepResult, len(stepIDs)),
	}
	for _, id := range stepIDs {
		wc.states[id] = StatePending
	}
	return wc
}

func (wc *WorkflowContext) SetState(stepID string, state StepState) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.states[stepID] = state
}

func (wc *WorkflowContext) State(stepID string) StepState {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	return wc.states[stepID]
}

func (wc *WorkflowContext) SetResult(stepID string, result StepResult) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.results[stepID] = result
}

func (wc *WorkflowContext) Result(stepID string) (StepResult, bool) {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	r, ok := wc.results[stepID]
	return r, ok
}

// Results returns a snapshot copy of every terminal result recorded so
// far, safe for the Aggregator to range over without locking.
func (wc *WorkflowContext) Results() map[string]StepResult {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	cp := make(map[string]StepResult, len(wc.results))
	for k, v := range wc.results {
		cp[k] = v
	}
	return cp
}

func (wc *WorkflowContext) Cancel() {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.cancelled = true
}

func (wc *WorkflowContext) Cancelled() bool {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	return wc.cancelled
}

// DependenciesTerminal reports whether every step id in deps has reached
// a terminal state in this context — the "no premature execution"
// invariant of spec.md §8.
func (wc *WorkflowContext) DependenciesTerminal(deps []string) bool {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	for _, d := range deps {
		if !wc.states[d].Terminal() {
			return false
		}
	}
	return true
}
