package agents

// IntentType is the canonical goal classified from a query.
type IntentType string

const (
	IntentRouteCalculation IntentType = "route_calculation"
	IntentWeatherForecast  IntentType = "weather_forecast"
	IntentBunkerPlanning   IntentType = "bunker_planning"
	IntentComplianceCheck  IntentType = "compliance_check"
	IntentFuelMargin       IntentType = "fuel_margin"
	IntentVesselSelection  IntentType = "vessel_selection"
	IntentAmbiguous        IntentType = "ambiguous"
)

// Intents returns every concrete intent (ambiguous excluded).
func Intents() []IntentType {
	return []IntentType{
		IntentRouteCalculation,
		IntentWeatherForecast,
		IntentBunkerPlanning,
		IntentComplianceCheck,
		IntentFuelMargin,
		IntentVesselSelection,
	}
}

// IsKnown reports whether t is a concrete, routable intent.
func (t IntentType) IsKnown() bool {
	for _, i := range Intents() {
		if i == t {
			return true
		}
	}
	return false
}

func (t IntentType) String() string { return string(t) }

// IntentForWorker maps the worker an LLM classifier labelled onto the intent
// it serves. The second return is false for labels with no intent.
func IntentForWorker(worker string) (IntentType, bool) {
	switch Normalize(worker) {
	case Route:
		return IntentRouteCalculation, true
	case Weather:
		return IntentWeatherForecast, true
	case Bunker:
		return IntentBunkerPlanning, true
	case Compliance:
		return IntentComplianceCheck, true
	case ROB:
		return IntentFuelMargin, true
	case VesselSelection:
		return IntentVesselSelection, true
	}
	return IntentAmbiguous, false
}

// EntryWorker is the first worker an intent needs when nothing has run yet.
func EntryWorker(t IntentType) string {
	switch t {
	case IntentRouteCalculation, IntentBunkerPlanning, IntentComplianceCheck, IntentVesselSelection:
		return Route
	case IntentWeatherForecast:
		return Weather
	case IntentFuelMargin:
		return VesselInfo
	}
	return ""
}
