package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oceanic-passage/orchestrator/aggregator"
	"github.com/oceanic-passage/orchestrator/core"
	"github.com/oceanic-passage/orchestrator/fallback"
)

type fakeBuilder struct {
	plan *core.ExecutionPlan
	err  error
}

func (b *fakeBuilder) BuildPlan(req *core.PassageRequest) (*core.ExecutionPlan, error) {
	if b.err != nil {
		return nil, b.err
	}
	plan := *b.plan
	plan.RequestID = req.RequestID
	return &plan, nil
}

type fakeSynthesizer struct{}

func (fakeSynthesizer) Aggregate(plan *core.ExecutionPlan, req *core.PassageRequest, wc *core.WorkflowContext) *core.AggregatedPlan {
	out := &core.AggregatedPlan{RequestID: req.RequestID, PlanID: plan.PlanID, Success: true}
	for _, step := range plan.Steps {
		if state := wc.State(step.StepID); state != core.StateSucceeded && state != core.StateFallbackSucceeded {
			out.Success = false
		}
	}
	return out
}

func singleStepPlan(planID string) *core.ExecutionPlan {
	return &core.ExecutionPlan{
		PlanID: planID,
		Steps: []core.Step{
			{StepID: "ports", Capability: core.CapabilityPortInfo, Operation: "get_port_info", SemanticSlot: "ports", Timeout: time.Second, RetryBudget: 1},
		},
		Deadline: time.Second,
	}
}

func TestServiceSubmitAwaitRoundTrip(t *testing.T) {
	fc := newFakeCaller()
	fc.on("get_port_info", slowOK(5*time.Millisecond, map[string]interface{}{"departure": "Boston"}))

	builder := &fakeBuilder{plan: singleStepPlan("plan-await")}
	co := New(fc, 8, 4)
	svc := NewService(builder, co, fakeSynthesizer{})

	planID, err := svc.Submit(context.Background(), &core.PassageRequest{RequestID: "req-1"})
	require.NoError(t, err)
	require.Equal(t, "plan-await", planID)

	result, ok := svc.Await(planID)
	require.True(t, ok)
	require.True(t, result.Success)
	require.Equal(t, "req-1", result.RequestID)
}

func TestServiceSubmitAssignsRequestIDWhenEmpty(t *testing.T) {
	fc := newFakeCaller()
	fc.on("get_port_info", slowOK(time.Millisecond, map[string]interface{}{}))

	builder := &fakeBuilder{plan: singleStepPlan("plan-id")}
	svc := NewService(builder, New(fc, 8, 4), fakeSynthesizer{})

	req := &core.PassageRequest{}
	_, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, req.RequestID)
}

func TestServiceEventsStreamClosesAtTerminalState(t *testing.T) {
	fc := newFakeCaller()
	fc.on("get_port_info", slowOK(5*time.Millisecond, map[string]interface{}{}))

	builder := &fakeBuilder{plan: singleStepPlan("plan-events")}
	svc := NewService(builder, New(fc, 8, 4), fakeSynthesizer{})

	planID, err := svc.Submit(context.Background(), &core.PassageRequest{RequestID: "req-1"})
	require.NoError(t, err)

	stream, ok := svc.Events(planID)
	require.True(t, ok)

	var types []string
	for ev := range stream {
		types = append(types, string(ev.Type))
	}
	require.Contains(t, types, "plan:started")
	require.Contains(t, types, "plan:completed")

	_, ok = svc.Await(planID)
	require.True(t, ok)
}

func twoStepPlan(planID string) *core.ExecutionPlan {
	return &core.ExecutionPlan{
		PlanID: planID,
		Steps: []core.Step{
			{StepID: "ports", Capability: core.CapabilityPortInfo, Operation: "get_port_info", SemanticSlot: "ports", Timeout: time.Second, RetryBudget: 1},
			{StepID: "route", Capability: core.CapabilityRoute, Operation: "calculate_route", SemanticSlot: "route", DependsOn: []string{"ports"}, Timeout: time.Second, RetryBudget: 1},
		},
		Deadline: 5 * time.Second,
	}
}

// Cancelling while "ports" is still in flight must stop "route" (which
// only becomes dispatchable once ports finishes) from ever running:
// its runStep checks ctx.Err() at entry and skips instead of dispatching.
func TestServiceCancelStopsRemainingSteps(t *testing.T) {
	fc := newFakeCaller()
	fc.on("get_port_info", slowOK(50*time.Millisecond, map[string]interface{}{"departure": "Boston"}))

	builder := &fakeBuilder{plan: twoStepPlan("plan-cancel")}
	svc := NewService(builder, New(fc, 8, 4), fakeSynthesizer{})

	planID, err := svc.Submit(context.Background(), &core.PassageRequest{RequestID: "req-1"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	svc.Cancel(planID)

	result, ok := svc.Await(planID)
	require.True(t, ok)
	require.False(t, result.Success)
}

func TestServiceAwaitUnknownPlanReturnsFalse(t *testing.T) {
	builder := &fakeBuilder{plan: singleStepPlan("plan-x")}
	svc := NewService(builder, New(newFakeCaller(), 8, 4), fakeSynthesizer{})

	_, ok := svc.Await("does-not-exist")
	require.False(t, ok)

	_, ok = svc.Events("does-not-exist")
	require.False(t, ok)
}

// TestServiceSubmitWithRealAggregatorMergesFanOutWeather drives a real
// Coordinator and a real Aggregator (not fakeSynthesizer) over a plan
// whose weather step fans out per waypoint, the scenario a hand-built
// plan.Steps never exercised: the Aggregator must see weather-0..N, not
// the skipped placeholder, or every real fan-out plan comes back with
// no weather entries and a spurious unavailability warning.
func TestServiceSubmitWithRealAggregatorMergesFanOutWeather(t *testing.T) {
	fc := newFakeCaller()
	fc.on("get_port_info", slowOK(time.Millisecond, map[string]interface{}{"departure": "Boston", "destination": "Halifax"}))
	fc.on("calculate_route", slowOK(time.Millisecond, waypointPayload(3)))
	fc.on("get_marine_forecast", func(req fallback.CallRequest) (*fallback.CallOutcome, error) {
		idx, _ := req.Inputs["waypoint_index"].(int)
		return &fallback.CallOutcome{
			Payload:  map[string]interface{}{"waypoint_index": idx, "wind_kn": 12.0, "wave_height_ft": 2.0},
			Strategy: "primary",
		}, nil
	})
	fc.on("get_wind_analysis", slowOK(time.Millisecond, map[string]interface{}{"average_kn": 10.0}))
	fc.on("get_tide_predictions", slowOK(time.Millisecond, map[string]interface{}{"station": "Boston Harbor"}))
	fc.on("check_safety", slowOK(time.Millisecond, map[string]interface{}{}))

	builder := &fakeBuilder{plan: buildFullPlan(true)}
	svc := NewService(builder, New(fc, 8, 4), aggregator.New())

	planID, err := svc.Submit(context.Background(), &core.PassageRequest{RequestID: "req-fanout", DepartureAt: time.Now()})
	require.NoError(t, err)

	result, ok := svc.Await(planID)
	require.True(t, ok)
	require.True(t, result.Success)
	require.Len(t, result.Weather, 3)
	for i, entry := range result.Weather {
		require.Equal(t, i, entry.WaypointIndex)
	}
	require.NotContains(t, result.Warnings, "weather data unavailable for one or more waypoints")
}

func TestServiceSubmitPropagatesBuilderError(t *testing.T) {
	builder := &fakeBuilder{err: core.NewAgentError(core.ErrInvalidInput, "", "", "bad request", nil)}
	svc := NewService(builder, New(newFakeCaller(), 8, 4), fakeSynthesizer{})

	_, err := svc.Submit(context.Background(), &core.PassageRequest{})
	require.Error(t, err)
}
