package safety

import (
	"fmt"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/registry"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
)

// Severity grades a validation failure.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Result is the outcome of one validator. When Valid is false RequiredWorker
// always names the worker to run instead.
type Result struct {
	Valid          bool     `json:"valid"`
	RequiredWorker string   `json:"required_worker,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Severity       Severity `json:"severity,omitempty"`
	Validator      string   `json:"validator,omitempty"`
}

func pass() Result { return Result{Valid: true} }

func violation(required, reason string) Result {
	return Result{Valid: false, RequiredWorker: required, Reason: reason, Severity: SeverityCritical}
}

// Validator inspects a state whose NextWorker holds the proposed step.
type Validator struct {
	Name  string
	Check func(s *state.WorkflowState) Result
}

// ValidateRouteBeforeBunker requires a route before the bunker search runs.
func ValidateRouteBeforeBunker(s *state.WorkflowState) Result {
	if s.NextWorker != agents.Bunker || s.Artifacts.Has(state.ArtifactRoute) {
		return pass()
	}
	return violation(agents.Route, "bunker search needs a calculated route")
}

// ValidateBunkerBeforeVesselSelection requires the bunker analysis and the
// candidate port list before a vessel recommendation is issued.
func ValidateBunkerBeforeVesselSelection(s *state.WorkflowState) Result {
	if s.NextWorker != agents.VesselSelection {
		return pass()
	}
	missing := s.Artifacts.Missing(state.ArtifactBunkerAnalysis, state.ArtifactBunkerPorts)
	if len(missing) == 0 {
		return pass()
	}
	return violation(agents.Bunker, "vessel selection needs "+kindList(missing))
}

// ValidateVesselBeforeROB requires the vessel profile before a fuel
// remaining-on-board projection.
func ValidateVesselBeforeROB(s *state.WorkflowState) Result {
	if s.NextWorker != agents.ROB || s.Artifacts.Has(state.ArtifactVesselProfile) {
		return pass()
	}
	return violation(agents.VesselInfo, "ROB projection needs the vessel profile")
}

// RegistryPrerequisites checks the proposed worker's declared requirements
// and names the registered producer of the first missing artifact.
func RegistryPrerequisites(reg registry.Reader) func(s *state.WorkflowState) Result {
	return func(s *state.WorkflowState) Result {
		e, err := reg.GetAgent(s.NextWorker)
		if err != nil {
			return pass()
		}
		for _, kind := range e.MissingPrerequisites(s) {
			producer, ok := reg.Producer(kind)
			if !ok || producer == e.Name {
				continue
			}
			return violation(producer, fmt.Sprintf("%s requires %s", e.Name, kind))
		}
		if missing := e.MissingPrerequisites(s); len(missing) > 0 {
			return Result{
				Valid:    true,
				Reason:   fmt.Sprintf("%s requires %s but no worker produces it", e.Name, kindList(missing)),
				Severity: SeverityWarning,
			}
		}
		return pass()
	}
}

// DefaultValidators returns the canonical validators in evaluation order.
func DefaultValidators(reg registry.Reader) []Validator {
	return []Validator{
		{Name: "route_before_bunker", Check: ValidateRouteBeforeBunker},
		{Name: "bunker_before_vessel_selection", Check: ValidateBunkerBeforeVesselSelection},
		{Name: "vessel_before_rob", Check: ValidateVesselBeforeROB},
		{Name: "registry_prerequisites", Check: RegistryPrerequisites(reg)},
	}
}

func kindList(kinds []state.ArtifactKind) string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return strings.Join(out, " and ")
}
