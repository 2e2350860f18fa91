package decision

import (
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
)

// Step is one entry of an intent's step table. When is optional; a step with
// a nil condition always applies.
type Step struct {
	Worker string
	When   func(s *state.WorkflowState) bool
}

// Plan describes how an intent is served: the artifacts that make it
// complete, the parameters it cannot run without, and the order in which
// workers are normally called.
type Plan struct {
	Intent         agents.IntentType
	Completes      []state.ArtifactKind
	RequiredParams []string
	Steps          []Step
}

// Complete reports whether every completing artifact is present.
func (p Plan) Complete(s *state.WorkflowState) bool {
	return len(s.Artifacts.Missing(p.Completes...)) == 0
}

// needsEntityExtraction holds when the query talks about a vessel that the
// matcher could not name and no extraction has run.
func needsEntityExtraction(s *state.WorkflowState) bool {
	return s.Param("vessel_mentioned") == "true" && !vesselKnown(s) &&
		!s.Artifacts.Has(state.ArtifactEntities)
}

// needsVesselProfile holds when a vessel is known but its profile is not
// loaded yet.
func needsVesselProfile(s *state.WorkflowState) bool {
	return vesselKnown(s) && !s.Artifacts.Has(state.ArtifactVesselProfile)
}

func vesselKnown(s *state.WorkflowState) bool {
	return s.Param("vessel") != "" || s.Param("imo") != ""
}

// DefaultPlans returns the built-in step tables.
func DefaultPlans() []Plan {
	return []Plan{
		{
			Intent:         agents.IntentRouteCalculation,
			Completes:      []state.ArtifactKind{state.ArtifactRoute},
			RequiredParams: []string{"origin", "destination"},
			Steps:          []Step{{Worker: agents.Route}},
		},
		{
			Intent:         agents.IntentWeatherForecast,
			Completes:      []state.ArtifactKind{state.ArtifactWeather},
			RequiredParams: []string{"port"},
			Steps:          []Step{{Worker: agents.Weather}},
		},
		{
			Intent:         agents.IntentBunkerPlanning,
			Completes:      []state.ArtifactKind{state.ArtifactRoute, state.ArtifactBunkerAnalysis},
			RequiredParams: []string{"origin", "destination"},
			Steps: []Step{
				{Worker: agents.Route},
				{Worker: agents.EntityExtraction, When: needsEntityExtraction},
				{Worker: agents.VesselInfo, When: needsVesselProfile},
				{Worker: agents.Bunker},
			},
		},
		{
			Intent:         agents.IntentComplianceCheck,
			Completes:      []state.ArtifactKind{state.ArtifactRoute, state.ArtifactCompliance},
			RequiredParams: []string{"origin", "destination"},
			Steps: []Step{
				{Worker: agents.Route},
				{Worker: agents.Compliance},
			},
		},
		{
			Intent:         agents.IntentFuelMargin,
			Completes:      []state.ArtifactKind{state.ArtifactVesselProfile, state.ArtifactROBProjection},
			RequiredParams: []string{"vessel"},
			Steps: []Step{
				{Worker: agents.EntityExtraction, When: needsEntityExtraction},
				{Worker: agents.VesselInfo},
				{Worker: agents.ROB},
			},
		},
		{
			Intent: agents.IntentVesselSelection,
			Completes: []state.ArtifactKind{
				state.ArtifactBunkerAnalysis,
				state.ArtifactBunkerPorts,
				state.ArtifactRecommendation,
			},
			RequiredParams: []string{"origin", "destination"},
			Steps: []Step{
				{Worker: agents.Route},
				{Worker: agents.EntityExtraction, When: needsEntityExtraction},
				{Worker: agents.VesselInfo, When: needsVesselProfile},
				{Worker: agents.Bunker},
				{Worker: agents.VesselSelection},
			},
		},
	}
}
