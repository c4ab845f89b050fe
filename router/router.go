// Package router implements the Request Router of spec.md §4.4: it
// turns a PassageRequest plus free-form prompt into an immutable,
// deterministic ExecutionPlan.
//
// Grounded on the teacher's pkg/routing/interfaces.go shapes
// (RoutingPlan, RoutingStep, RetryPolicy) generalized into a true
// dependency DAG instead of a tiered list, per spec.md §9's redesign
// note, and on pkg/orchestration/orchestrator.go's step-id/timeout
// conventions.
package router

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oceanic-passage/orchestrator/core"
	"github.com/oceanic-passage/orchestrator/registry"
)

// defaultStepTimeout is used for any capability class not listed in
// stepTimeouts.
const defaultStepTimeout = 15 * time.Second

// stepTimeouts gives each capability class a per-call timeout in the
// 10-20s band named by spec.md §4.4.
var stepTimeouts = map[core.CapabilityClass]time.Duration{
	core.CapabilityPortInfo: 10 * time.Second,
	core.CapabilityRoute:    20 * time.Second,
	core.CapabilityWeather:  15 * time.Second,
	core.CapabilityWind:     15 * time.Second,
	core.CapabilityTides:    10 * time.Second,
	core.CapabilitySafety:   15 * time.Second,
	core.CapabilityFuel:     15 * time.Second,
}

const defaultRetryBudget = 2

// keywordGate narrows the default capability set to the ones a
// free-form prompt actually asks for. An empty or unrecognized prompt
// falls back to the full default set, per spec.md §4.4 point 1.
var keywordGate = map[core.CapabilityClass][]string{
	core.CapabilityPortInfo: {"port"},
	core.CapabilityRoute:    {"route", "course"},
	core.CapabilityWeather:  {"weather", "forecast"},
	core.CapabilityWind:     {"wind"},
	core.CapabilityTides:    {"tide"},
	core.CapabilitySafety:   {"safety", "hazard"},
}

// defaultCapabilitySet is the full passage-planning set, in the order
// spec.md §4.4 names: ports → route → weather/wind/tides → safety.
var defaultCapabilitySet = []core.CapabilityClass{
	core.CapabilityPortInfo,
	core.CapabilityRoute,
	core.CapabilityWeather,
	core.CapabilityWind,
	core.CapabilityTides,
	core.CapabilitySafety,
}

// dependsOn gives each capability class its fixed dependency set, per
// spec.md §4.4 point 3: ports has no deps; route depends on ports;
// weather/wind/safety depend on route; tides depends on ports.
var dependsOn = map[core.CapabilityClass][]core.CapabilityClass{
	core.CapabilityPortInfo: {},
	core.CapabilityRoute:    {core.CapabilityPortInfo},
	core.CapabilityWeather:  {core.CapabilityRoute},
	core.CapabilityWind:     {core.CapabilityRoute},
	core.CapabilityTides:    {core.CapabilityPortInfo},
	core.CapabilitySafety:   {core.CapabilityRoute},
}

// operationForClass is the canonical operation name Router targets for
// each capability class.
var operationForClass = map[core.CapabilityClass]string{
	core.CapabilityPortInfo: "get_port_info",
	core.CapabilityRoute:    "calculate_route",
	core.CapabilityWeather:  "get_marine_forecast",
	core.CapabilityWind:     "get_wind_analysis",
	core.CapabilityTides:    "get_tide_predictions",
	core.CapabilitySafety:   "check_safety",
}

// Selector is the subset of registry.Registry the Router reads from.
// Narrowed to an interface so determinism tests can supply a fixed
// fake ranking without constructing a live Registry.
type Selector interface {
	SelectByCapability(operation string) []string
}

// Router builds ExecutionPlans.
type Router struct {
	selector Selector
	newID    func() string
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithIDGenerator overrides plan/step id generation, used by
// determinism tests that need fixed ids.
func WithIDGenerator(f func() string) Option {
	return func(r *Router) { r.newID = f }
}

// New builds a Router reading agent rankings from sel (normally a
// *registry.Registry).
func New(sel Selector, opts ...Option) *Router {
	r := &Router{
		selector: sel,
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewFromRegistry is a convenience constructor when sel is a concrete
// *registry.Registry.
func NewFromRegistry(reg *registry.Registry, opts ...Option) *Router {
	return New(reg, opts...)
}

// extractCapabilities derives the required capability set from the
// request's free-form prompt, per spec.md §4.4 point 1. An empty
// prompt, or one that matches no keyword, returns the full default
// set; a recognized narrower prompt (e.g. "weather only") returns only
// the matched classes, always keeping ports as the universal root
// dependency needed by anything that depends on it.
func extractCapabilities(prompt string) []core.CapabilityClass {
	if strings.TrimSpace(prompt) == "" {
		return defaultCapabilitySet
	}

	lower := strings.ToLower(prompt)
	var matched []core.CapabilityClass
	for _, class := range defaultCapabilitySet {
		for _, kw := range keywordGate[class] {
			if strings.Contains(lower, kw) {
				matched = append(matched, class)
				break
			}
		}
	}
	if len(matched) == 0 {
		return defaultCapabilitySet
	}

	needed := make(map[core.CapabilityClass]bool)
	var addWithDeps func(core.CapabilityClass)
	addWithDeps = func(c core.CapabilityClass) {
		if needed[c] {
			return
		}
		needed[c] = true
		for _, dep := range dependsOn[c] {
			addWithDeps(dep)
		}
	}
	for _, c := range matched {
		addWithDeps(c)
	}

	var out []core.CapabilityClass
	for _, class := range defaultCapabilitySet {
		if needed[class] {
			out = append(out, class)
		}
	}
	return out
}

// BuildPlan turns req into a deterministic ExecutionPlan. For a given
// request and Selector ranking, BuildPlan always returns the same
// step ids and agent assignments, per spec.md §4.4's determinism
// requirement — this is why step ids are derived from the capability
// class rather than a random uuid.
func (r *Router) BuildPlan(req *core.PassageRequest) (*core.ExecutionPlan, error) {
	classes := extractCapabilities(req.Prompt)

	steps := make([]core.Step, 0, len(classes)+1)
	stepIDForClass := make(map[core.CapabilityClass]string, len(classes))
	for _, class := range classes {
		stepIDForClass[class] = string(class)
	}

	var totalTimeout time.Duration
	for _, class := range classes {
		operation := operationForClass[class]

		var deps []string
		for _, depClass := range dependsOn[class] {
			if id, ok := stepIDForClass[depClass]; ok {
				deps = append(deps, id)
			}
		}
		sort.Strings(deps)

		agentID, fallbackAgentID := r.selectAgents(operation)

		timeout := stepTimeouts[class]
		if timeout == 0 {
			timeout = defaultStepTimeout
		}
		totalTimeout += timeout

		steps = append(steps, core.Step{
			StepID:        stepIDForClass[class],
			Capability:    class,
			Operation:     operation,
			AgentID:       agentID,
			FallbackAgent: fallbackAgentID,
			DependsOn:     deps,
			Timeout:       timeout,
			RetryBudget:   defaultRetryBudget,
			Parallel:      len(deps) > 0,
			SemanticSlot:  string(class),
		})
	}

	if weatherStepID, ok := stepIDForClass[core.CapabilityWeather]; ok {
		steps = r.appendFanOutPlaceholder(steps, weatherStepID)
	}

	return &core.ExecutionPlan{
		PlanID:    r.newID(),
		RequestID: req.RequestID,
		UserID:    req.UserID,
		Steps:     steps,
		Deadline:  time.Duration(float64(totalTimeout) * 1.5),
	}, nil
}

// appendFanOutPlaceholder marks the weather step as the origin of a
// per-waypoint fan-out the Coordinator expands lazily once the route
// step resolves, per spec.md §4.4 point 5. The placeholder keeps the
// agent assignment selectAgents gave the weather step, which the
// sub-steps inherit, and is never dispatched directly; the
// Coordinator recognizes the "fan_out" input marker, expands it into
// one concrete sub-step per waypoint (each with FanOutOf set to this
// step's id), and marks the placeholder skipped once expansion starts.
func (r *Router) appendFanOutPlaceholder(steps []core.Step, weatherStepID string) []core.Step {
	for i := range steps {
		if steps[i].StepID == weatherStepID {
			steps[i].Input = map[string]interface{}{"fan_out": "per_waypoint"}
		}
	}
	return steps
}

// selectAgents ranks candidates for operation and returns the
// best-ranked agent id plus a second-ranked fallback, per spec.md
// §4.4 point 2. Both are empty when no agent exposes operation; the
// step is then "any-capable" and the Coordinator/Fallback Manager
// resolve an agent at dispatch time.
func (r *Router) selectAgents(operation string) (agentID, fallbackAgentID string) {
	ranked := r.selector.SelectByCapability(operation)
	if len(ranked) > 0 {
		agentID = ranked[0]
	}
	if len(ranked) > 1 {
		fallbackAgentID = ranked[1]
	}
	return agentID, fallbackAgentID
}
