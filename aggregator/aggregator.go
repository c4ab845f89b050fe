// Package aggregator implements the Response Aggregator of spec.md
// §4.7: it consumes a plan's terminal StepResults and produces a
// single AggregatedPlan, using the plan's declared semantic-slot
// mapping rather than inferring structure from step names.
//
// Grounded on the teacher's pkg/orchestration/synthesizer.go shape
// (a dedicated aggregation stage consuming an ExecutionResult),
// simplified to this spec's deterministic, non-LLM synthesis — the
// synthesizer's StrategyLLM path is out of scope here, per spec.md's
// non-goal on LLM-driven routing/synthesis.
package aggregator

import (
	"sort"
	"time"

	"github.com/oceanic-passage/orchestrator/core"
)

// thresholds used by the deterministic recommendation rules of
// spec.md §4.7.
const (
	lightWindKn    = 5.0
	strongWindKn   = 20.0
	roughWaveFt    = 3.0
	longPassageNM  = 200.0
	longDurationHr = 24.0
)

// Aggregator merges terminal StepResults into an AggregatedPlan.
type Aggregator struct{}

// New builds an Aggregator. It is stateless; one instance serves every
// plan.
func New() *Aggregator {
	return &Aggregator{}
}

// Aggregate consumes every terminal result in wc for plan and produces
// the AggregatedPlan, per spec.md §4.7. req is the originating request,
// needed for estimated-arrival computation and echoed in the output.
func (a *Aggregator) Aggregate(plan *core.ExecutionPlan, req *core.PassageRequest, wc *core.WorkflowContext) *core.AggregatedPlan {
	results := wc.Results()

	out := &core.AggregatedPlan{
		RequestID: plan.RequestID,
		PlanID:    plan.PlanID,
		Request:   *req,
		Success:   true,
	}

	var weatherEntries []core.WeatherEntry
	var warnings []string

	for _, step := range plan.Steps {
		result, ok := results[step.StepID]
		if !ok {
			continue // step never reached a terminal state (shouldn't happen once Aggregate runs)
		}

		switch step.SemanticSlot {
		case string(core.CapabilityPortInfo):
			applyPortInfo(out, result, &warnings)
		case string(core.CapabilityRoute):
			applyRoute(out, result, &warnings, &out.Success)
		case string(core.CapabilityWeather):
			if entry, ok := weatherEntryFrom(result); ok {
				weatherEntries = append(weatherEntries, entry)
			} else if result.Outcome != core.OutcomeOK {
				warnings = append(warnings, "weather data unavailable for one or more waypoints")
			}
		case string(core.CapabilityWind):
			applyWind(out, result, &warnings)
		case string(core.CapabilityTides):
			applyTides(out, result, &warnings)
		case string(core.CapabilitySafety):
			applySafety(out, result, &warnings)
		}

		if result.Degraded {
			warnings = append(warnings, "degraded response used for "+string(step.Capability))
		}
	}

	sort.Slice(weatherEntries, func(i, j int) bool { return weatherEntries[i].WaypointIndex < weatherEntries[j].WaypointIndex })
	out.Weather = weatherEntries

	out.Warnings = append(warnings, weatherWarnings(weatherEntries, &req.Preferences)...)
	out.Recommendations = recommendations(out)

	if out.Route != nil {
		out.EstimatedArrival = req.DepartureAt.Add(time.Duration(out.Route.DurationHours * float64(time.Hour)))
	}

	return out
}

func applyPortInfo(out *core.AggregatedPlan, result core.StepResult, warnings *[]string) {
	if result.Outcome != core.OutcomeOK {
		*warnings = append(*warnings, "port information unavailable")
		return
	}
	out.Ports = &core.PortInfo{
		Departure:   stringField(result.Payload, "departure"),
		Destination: stringField(result.Payload, "destination"),
	}
}

func applyRoute(out *core.AggregatedPlan, result core.StepResult, warnings *[]string, success *bool) {
	if result.Outcome != core.OutcomeOK {
		*warnings = append(*warnings, "route calculation failed, no usable route")
		*success = false
		return
	}
	waypoints, _ := result.Payload["waypoints"].([]interface{})
	summary := &core.RouteSummary{
		TotalDistance: floatField(result.Payload, "total_distance_nm"),
		DurationHours: floatField(result.Payload, "duration_hours"),
	}
	for i, raw := range waypoints {
		wp, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		summary.Waypoints = append(summary.Waypoints, core.RouteWaypoint{
			Index: i,
			Position: core.LatLon{
				Lat: floatField(wp, "lat"),
				Lon: floatField(wp, "lon"),
			},
		})
	}
	out.Route = summary
}

func applyWind(out *core.AggregatedPlan, result core.StepResult, warnings *[]string) {
	if result.Outcome != core.OutcomeOK {
		*warnings = append(*warnings, "wind analysis unavailable")
		return
	}
	out.Wind = &core.WindSummary{
		AverageKn: floatField(result.Payload, "average_kn"),
		GustKn:    floatField(result.Payload, "gust_kn"),
	}
}

func applyTides(out *core.AggregatedPlan, result core.StepResult, warnings *[]string) {
	if result.Outcome != core.OutcomeOK {
		*warnings = append(*warnings, "tide predictions unavailable")
		return
	}
	out.Tides = &core.TidePrediction{Station: stringField(result.Payload, "station")}
}

func applySafety(out *core.AggregatedPlan, result core.StepResult, warnings *[]string) {
	if result.Outcome != core.OutcomeOK {
		*warnings = append(*warnings, "safety check unavailable")
		return
	}
	var advisories []string
	if raw, ok := result.Payload["advisories"].([]interface{}); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				advisories = append(advisories, s)
			}
		}
	}
	out.Safety = &core.SafetySummary{Advisories: advisories}
}

func weatherEntryFrom(result core.StepResult) (core.WeatherEntry, bool) {
	if result.Outcome != core.OutcomeOK {
		return core.WeatherEntry{}, false
	}
	return core.WeatherEntry{
		WaypointIndex: intField(result.Payload, "waypoint_index"),
		WindKn:        floatField(result.Payload, "wind_kn"),
		WaveHeightFt:  floatField(result.Payload, "wave_height_ft"),
		Degraded:      result.Degraded,
		Message:       stringField(result.Payload, "message"),
	}, true
}

// weatherWarnings flags strong wind or rough sea conditions across the
// merged weather series, per spec.md §4.7.
func weatherWarnings(entries []core.WeatherEntry, prefs *core.Preferences) []string {
	var warnings []string
	for _, e := range entries {
		if e.WindKn > strongWindKn {
			warnings = append(warnings, "strong winds reported along the route")
			break
		}
	}
	for _, e := range entries {
		if e.WaveHeightFt > roughWaveFt {
			warnings = append(warnings, "rough seas reported along the route")
			break
		}
	}
	return warnings
}

// recommendations applies the deterministic threshold rules of
// spec.md §4.7, always appending the two standing recommendations.
func recommendations(plan *core.AggregatedPlan) []string {
	var recs []string

	maxWind, maxWave := 0.0, 0.0
	for _, e := range plan.Weather {
		if e.WindKn > maxWind {
			maxWind = e.WindKn
		}
		if e.WaveHeightFt > maxWave {
			maxWave = e.WaveHeightFt
		}
	}
	if plan.Wind != nil && plan.Wind.AverageKn > maxWind {
		maxWind = plan.Wind.AverageKn
	}

	if len(plan.Weather) > 0 || plan.Wind != nil {
		if maxWind < lightWindKn {
			recs = append(recs, "consider motor sailing")
		}
		if maxWind > strongWindKn {
			recs = append(recs, "reef early")
		}
	}
	if maxWave > roughWaveFt {
		recs = append(recs, "rough sea warning")
	}

	if plan.Route != nil {
		if plan.Route.TotalDistance > longPassageNM {
			recs = append(recs, "provision for long passage")
		}
		if plan.Route.DurationHours > longDurationHr {
			recs = append(recs, "organize watch schedule")
		}
	}

	recs = append(recs, "file a float plan", "verify safety equipment")
	return recs
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func floatField(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
