package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oceanic-passage/orchestrator/core"
)

func buildPlan() *core.ExecutionPlan {
	return &core.ExecutionPlan{
		PlanID:    "plan-1",
		RequestID: "req-1",
		Steps: []core.Step{
			{StepID: "ports", Capability: core.CapabilityPortInfo, SemanticSlot: string(core.CapabilityPortInfo)},
			{StepID: "route", Capability: core.CapabilityRoute, SemanticSlot: string(core.CapabilityRoute)},
			{StepID: "weather", Capability: core.CapabilityWeather, SemanticSlot: string(core.CapabilityWeather)},
			{StepID: "wind", Capability: core.CapabilityWind, SemanticSlot: string(core.CapabilityWind)},
			{StepID: "tides", Capability: core.CapabilityTides, SemanticSlot: string(core.CapabilityTides)},
			{StepID: "safety", Capability: core.CapabilitySafety, SemanticSlot: string(core.CapabilitySafety)},
		},
	}
}

func buildWorkflowContext(plan *core.ExecutionPlan, results map[string]core.StepResult) *core.WorkflowContext {
	ids := make([]string, len(plan.Steps))
	for i, s := range plan.Steps {
		ids[i] = s.StepID
	}
	wc := core.NewWorkflowContext(plan.PlanID, ids, time.Now())
	for id, r := range results {
		wc.SetState(id, core.StateSucceeded)
		wc.SetResult(id, r)
	}
	return wc
}

func TestAggregateHappyPath(t *testing.T) {
	plan := buildPlan()
	req := &core.PassageRequest{RequestID: "req-1", DepartureAt: time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)}

	results := map[string]core.StepResult{
		"ports":   {StepID: "ports", Outcome: core.OutcomeOK, Payload: map[string]interface{}{"departure": "Boston", "destination": "Portland"}},
		"route":   {StepID: "route", Outcome: core.OutcomeOK, Payload: map[string]interface{}{"total_distance_nm": 100.0, "duration_hours": 20.0, "waypoints": []interface{}{map[string]interface{}{"lat": 42.3, "lon": -71.0}}}},
		"weather": {StepID: "weather", Outcome: core.OutcomeOK, Payload: map[string]interface{}{"waypoint_index": 0.0, "wind_kn": 10.0, "wave_height_ft": 2.0}},
		"wind":    {StepID: "wind", Outcome: core.OutcomeOK, Payload: map[string]interface{}{"average_kn": 10.0, "gust_kn": 15.0}},
		"tides":   {StepID: "tides", Outcome: core.OutcomeOK, Payload: map[string]interface{}{"station": "Boston Harbor"}},
		"safety":  {StepID: "safety", Outcome: core.OutcomeOK, Payload: map[string]interface{}{"advisories": []interface{}{"small craft advisory"}}},
	}

	agg := New()
	out := agg.Aggregate(plan, req, buildWorkflowContext(plan, results))

	require.True(t, out.Success)
	require.Equal(t, "Boston", out.Ports.Departure)
	require.Equal(t, 100.0, out.Route.TotalDistance)
	require.Len(t, out.Weather, 1)
	require.Equal(t, req.DepartureAt.Add(20*time.Hour), out.EstimatedArrival)
	require.Contains(t, out.Recommendations, "file a float plan")
	require.Contains(t, out.Recommendations, "verify safety equipment")
}

func TestAggregateFailsSuccessOnlyWhenRouteHasNoUsableResult(t *testing.T) {
	plan := buildPlan()
	req := &core.PassageRequest{RequestID: "req-1"}

	results := map[string]core.StepResult{
		"ports": {StepID: "ports", Outcome: core.OutcomeOK, Payload: map[string]interface{}{"departure": "Boston", "destination": "Portland"}},
		"route": {StepID: "route", Outcome: core.OutcomeError, Kind: core.ErrUnreachable, Message: "no route agent available"},
	}

	agg := New()
	out := agg.Aggregate(plan, req, buildWorkflowContext(plan, results))

	require.False(t, out.Success)
	require.Nil(t, out.Route)
	require.Contains(t, out.Warnings, "route calculation failed, no usable route")
}

func TestAggregateWindRecommendationThresholds(t *testing.T) {
	plan := buildPlan()
	req := &core.PassageRequest{RequestID: "req-1"}

	results := map[string]core.StepResult{
		"weather": {StepID: "weather", Outcome: core.OutcomeOK, Payload: map[string]interface{}{"waypoint_index": 0.0, "wind_kn": 25.0, "wave_height_ft": 4.0}},
	}

	agg := New()
	out := agg.Aggregate(plan, req, buildWorkflowContext(plan, results))

	require.Contains(t, out.Recommendations, "reef early")
	require.Contains(t, out.Recommendations, "rough sea warning")
	require.NotContains(t, out.Recommendations, "consider motor sailing")
}

func TestAggregateLongPassageRecommendations(t *testing.T) {
	plan := buildPlan()
	req := &core.PassageRequest{RequestID: "req-1"}

	results := map[string]core.StepResult{
		"route": {StepID: "route", Outcome: core.OutcomeOK, Payload: map[string]interface{}{"total_distance_nm": 250.0, "duration_hours": 30.0}},
	}

	agg := New()
	out := agg.Aggregate(plan, req, buildWorkflowContext(plan, results))

	require.Contains(t, out.Recommendations, "provision for long passage")
	require.Contains(t, out.Recommendations, "organize watch schedule")
}

func TestAggregateMergesWeatherByWaypointIndexOrder(t *testing.T) {
	plan := buildPlan()
	plan.Steps = append(plan.Steps,
		core.Step{StepID: "weather-1", Capability: core.CapabilityWeather, SemanticSlot: string(core.CapabilityWeather)},
	)
	req := &core.PassageRequest{RequestID: "req-1"}

	results := map[string]core.StepResult{
		"weather":   {StepID: "weather", Outcome: core.OutcomeOK, Payload: map[string]interface{}{"waypoint_index": 1.0, "wind_kn": 5.0, "wave_height_ft": 1.0}},
		"weather-1": {StepID: "weather-1", Outcome: core.OutcomeOK, Payload: map[string]interface{}{"waypoint_index": 0.0, "wind_kn": 5.0, "wave_height_ft": 1.0}},
	}

	agg := New()
	out := agg.Aggregate(plan, req, buildWorkflowContext(plan, results))

	require.Len(t, out.Weather, 2)
	require.Equal(t, 0, out.Weather[0].WaypointIndex)
	require.Equal(t, 1, out.Weather[1].WaypointIndex)
}

func TestAggregateDegradedOutputProducesWarning(t *testing.T) {
	plan := buildPlan()
	req := &core.PassageRequest{RequestID: "req-1"}

	results := map[string]core.StepResult{
		"tides": {StepID: "tides", Outcome: core.OutcomeOK, Degraded: true, Payload: map[string]interface{}{"station": "unknown"}},
	}

	agg := New()
	out := agg.Aggregate(plan, req, buildWorkflowContext(plan, results))

	require.Contains(t, out.Warnings, "degraded response used for tides")
}
