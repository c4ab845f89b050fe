package core

// CapabilityClass is the closed enumeration of operation classes the
// Router and Aggregator handle exhaustively. The wire contract (agent
// registration, step target) still carries the operation as a string
// (Capability.Operation) — CapabilityClass lets internal code switch
// exhaustively instead of string-matching everywhere, per spec.md §9's
// "dynamic tool dispatch by string name" redesign note.
type CapabilityClass string

const (
	CapabilityPortInfo     CapabilityClass = "ports"
	CapabilityRoute        CapabilityClass = "route"
	CapabilityWeather      CapabilityClass = "weather"
	CapabilityWind         CapabilityClass = "wind"
	CapabilityTides        CapabilityClass = "tides"
	CapabilitySafety       CapabilityClass = "safety"
	CapabilityFuel         CapabilityClass = "fuel"
	CapabilityOpaque       CapabilityClass = "opaque"
)

// Capability is one named operation an agent declares, with a reference
// to its class so the Router/Aggregator can handle it without string
// matching on the operation name itself.
type Capability struct {
	Operation   string          `json:"operation"`
	Class       CapabilityClass `json:"class"`
	Description string          `json:"description,omitempty"`
	InputSchema string          `json:"input_schema_ref,omitempty"`
}

// operationClassTable is the built-in mapping from well-known operation
// names to capability classes, used by Discovery when synthesizing a
// descriptor and by the Router when it cannot find an explicit class on
// a declared Capability.
var operationClassTable = map[string]CapabilityClass{
	"get_port_info":          CapabilityPortInfo,
	"calculate_route":        CapabilityRoute,
	"get_marine_forecast":    CapabilityWeather,
	"get_wind_analysis":      CapabilityWind,
	"get_tide_predictions":   CapabilityTides,
	"check_safety":           CapabilitySafety,
	"estimate_fuel":          CapabilityFuel,
}

// ClassForOperation returns the capability class for a well-known
// operation name, or CapabilityOpaque if the operation is unknown to
// the core — unknown capabilities route to an opaque passthrough path
// with no aggregation, per spec.md §9.
func ClassForOperation(operation string) CapabilityClass {
	if class, ok := operationClassTable[operation]; ok {
		return class
	}
	return CapabilityOpaque
}
