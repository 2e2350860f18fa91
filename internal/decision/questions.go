package decision

import (
	"fmt"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/agents"
)

var fieldPrompts = map[string]string{
	"origin":      "the origin (departure port, e.g. Singapore or SGSIN)",
	"destination": "the destination (arrival port, e.g. Rotterdam or NLRTM)",
	"port":        "the port or location you want the forecast for",
	"vessel":      "the vessel name or IMO number",
	"fuel_type":   "the fuel grade (VLSFO, HSFO, MGO or LNG)",
	"quantity_mt": "the quantity in metric tonnes",
}

var intentNouns = map[agents.IntentType]string{
	agents.IntentRouteCalculation: "route calculation",
	agents.IntentWeatherForecast:  "weather forecast",
	agents.IntentBunkerPlanning:   "bunker plan",
	agents.IntentComplianceCheck:  "compliance check",
	agents.IntentFuelMargin:       "fuel margin check",
	agents.IntentVesselSelection:  "vessel selection",
}

// Question builds a clarification question naming each missing field.
func Question(t agents.IntentType, missing []string) string {
	parts := make([]string, 0, len(missing))
	for _, field := range missing {
		if p, ok := fieldPrompts[field]; ok {
			parts = append(parts, p)
			continue
		}
		parts = append(parts, "the "+strings.ReplaceAll(field, "_", " "))
	}

	noun, ok := intentNouns[t]
	if !ok {
		noun = "request"
	}
	return fmt.Sprintf("To complete your %s I still need %s. Could you provide %s?",
		noun, joinList(parts), pronoun(len(parts)))
}

// UnknownGoalQuestion asks the user to pick one of the supported goals.
func UnknownGoalQuestion() string {
	return "I could not tell what you would like me to plan. Do you need a route, a weather forecast, " +
		"bunker options, an ECA compliance check, a fuel margin check or a vessel recommendation?"
}

func joinList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	}
	return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
}

func pronoun(n int) string {
	if n == 1 {
		return "it"
	}
	return "them"
}
