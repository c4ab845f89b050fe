package router

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oceanic-passage/orchestrator/core"
)

type fixedSelector struct {
	ranked map[string][]string
}

func (f fixedSelector) SelectByCapability(operation string) []string {
	return f.ranked[operation]
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return "plan-" + string(rune('0'+n))
	}
}

func TestBuildPlanDefaultSetHasExpectedDependencies(t *testing.T) {
	sel := fixedSelector{ranked: map[string][]string{
		"get_port_info":        {"ports-1"},
		"calculate_route":      {"route-1"},
		"get_marine_forecast":  {"weather-1", "weather-2"},
		"get_wind_analysis":    {"wind-1"},
		"get_tide_predictions": {"tides-1"},
		"check_safety":         {"safety-1"},
	}}
	r := New(sel, WithIDGenerator(sequentialIDs()))

	plan, err := r.BuildPlan(&core.PassageRequest{RequestID: "req-1"})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 6)

	byID := make(map[string]core.Step)
	for _, s := range plan.Steps {
		byID[s.StepID] = s
	}

	require.Empty(t, byID["ports"].DependsOn)
	require.Equal(t, []string{"ports"}, byID["route"].DependsOn)
	require.Equal(t, []string{"route"}, byID["weather"].DependsOn)
	require.Equal(t, []string{"route"}, byID["wind"].DependsOn)
	require.Equal(t, []string{"ports"}, byID["tides"].DependsOn)
	require.Equal(t, []string{"route"}, byID["safety"].DependsOn)
}

func TestBuildPlanAssignsBestAndFallbackAgent(t *testing.T) {
	sel := fixedSelector{ranked: map[string][]string{
		"get_port_info": {"ports-1", "ports-2"},
	}}
	r := New(sel, WithIDGenerator(sequentialIDs()))

	plan, err := r.BuildPlan(&core.PassageRequest{RequestID: "req-1", Prompt: "port info only"})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	require.Equal(t, "ports-1", plan.Steps[0].AgentID)
	require.Equal(t, "ports-2", plan.Steps[0].FallbackAgent)
}

func TestBuildPlanNarrowsByPromptKeyword(t *testing.T) {
	sel := fixedSelector{}
	r := New(sel, WithIDGenerator(sequentialIDs()))

	plan, err := r.BuildPlan(&core.PassageRequest{RequestID: "req-1", Prompt: "weather only please"})
	require.NoError(t, err)

	var classes []core.CapabilityClass
	for _, s := range plan.Steps {
		classes = append(classes, s.Capability)
	}
	require.ElementsMatch(t, []core.CapabilityClass{core.CapabilityPortInfo, core.CapabilityRoute, core.CapabilityWeather}, classes)
}

func TestBuildPlanMarksWeatherStepForFanOut(t *testing.T) {
	sel := fixedSelector{}
	r := New(sel, WithIDGenerator(sequentialIDs()))

	plan, err := r.BuildPlan(&core.PassageRequest{RequestID: "req-1"})
	require.NoError(t, err)

	for _, s := range plan.Steps {
		if s.Capability == core.CapabilityWeather {
			require.Equal(t, "per_waypoint", s.Input["fan_out"])
			return
		}
	}
	t.Fatal("no weather step found")
}

func TestBuildPlanDeadlineIsOneAndHalfTimesSumOfTimeouts(t *testing.T) {
	sel := fixedSelector{}
	r := New(sel, WithIDGenerator(sequentialIDs()))

	plan, err := r.BuildPlan(&core.PassageRequest{RequestID: "req-1"})
	require.NoError(t, err)

	var sum int64
	for _, s := range plan.Steps {
		sum += int64(s.Timeout)
	}
	require.Equal(t, int64(float64(sum)*1.5), int64(plan.Deadline))
}

func TestBuildPlanIsDeterministicForSameRegistryState(t *testing.T) {
	sel := fixedSelector{ranked: map[string][]string{
		"get_port_info":        {"ports-1"},
		"calculate_route":      {"route-1"},
		"get_marine_forecast":  {"weather-1"},
		"get_wind_analysis":    {"wind-1"},
		"get_tide_predictions": {"tides-1"},
		"check_safety":         {"safety-1"},
	}}

	build := func() *core.ExecutionPlan {
		r := New(sel, WithIDGenerator(func() string { return "fixed-plan-id" }))
		plan, err := r.BuildPlan(&core.PassageRequest{RequestID: "req-1"})
		require.NoError(t, err)
		return plan
	}

	a, b := build(), build()
	require.Equal(t, a.Steps, b.Steps)
	require.Equal(t, a.Deadline, b.Deadline)
}
