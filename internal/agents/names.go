package agents

import "strings"

// Worker identifiers. Each one is a node in the executor graph and an entry
// in the agent registry.
const (
	Route            = "route"
	Weather          = "weather"
	Bunker           = "bunker"
	Compliance       = "compliance"
	EntityExtraction = "entity_extraction"
	VesselInfo       = "vessel_info"
	ROB              = "rob"
	VesselSelection  = "vessel_selection"
)

// Control nodes. They are never registry entries.
const (
	Supervisor = "supervisor"
	Finalize   = "finalize"
	End        = "end"
)

// workerOrder is the canonical ordering used wherever workers are listed,
// so log lines and validator output stay stable across runs.
var workerOrder = []string{
	Route,
	EntityExtraction,
	VesselInfo,
	Weather,
	Bunker,
	Compliance,
	ROB,
	VesselSelection,
}

// Workers returns the known worker identifiers in canonical order.
func Workers() []string {
	out := make([]string, len(workerOrder))
	copy(out, workerOrder)
	return out
}

// IsWorker reports whether name is a known worker identifier.
func IsWorker(name string) bool {
	for _, w := range workerOrder {
		if w == name {
			return true
		}
	}
	return false
}

// IsControlNode reports whether name is one of the executor's control nodes.
func IsControlNode(name string) bool {
	switch name {
	case Supervisor, Finalize, End:
		return true
	}
	return false
}

// Normalize maps the loose labels LLMs tend to produce ("route_agent",
// "Bunker Agent", "weather-agent") onto worker identifiers. Unknown labels
// come back unchanged so callers can reject them.
func Normalize(label string) string {
	l := strings.ToLower(strings.TrimSpace(label))
	l = strings.ReplaceAll(l, "-", "_")
	l = strings.ReplaceAll(l, " ", "_")
	l = strings.TrimSuffix(l, "_agent")
	l = strings.TrimSuffix(l, "_worker")
	switch l {
	case "routing", "route_calculation":
		return Route
	case "marine_weather", "weather_forecast":
		return Weather
	case "bunker_analysis", "bunkering":
		return Bunker
	case "eca", "eca_compliance":
		return Compliance
	case "entity", "entities":
		return EntityExtraction
	case "vessel", "vessel_profile":
		return VesselInfo
	case "rob_tracking", "fuel_tracking":
		return ROB
	}
	return l
}
