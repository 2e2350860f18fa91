package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
)

var (
	ErrEmptyRegistry = errors.New("agent registry is empty")
	ErrAgentNotFound = errors.New("agent not found")
	ErrInvalidAgent  = errors.New("invalid agent entry")
)

// Entry is the static description of one worker.
type Entry struct {
	Name            string               `yaml:"name" json:"name"`
	Description     string               `yaml:"description" json:"description,omitempty"`
	Capabilities    []string             `yaml:"capabilities" json:"capabilities"`
	Tools           []string             `yaml:"tools" json:"tools"`
	IsDeterministic bool                 `yaml:"is_deterministic" json:"is_deterministic"`
	Requires        []state.ArtifactKind `yaml:"requires" json:"requires,omitempty"`
	Produces        state.ArtifactKind   `yaml:"produces" json:"produces"`
	AlsoProduces    []state.ArtifactKind `yaml:"also_produces" json:"also_produces,omitempty"`
	Params          []string             `yaml:"params" json:"params,omitempty"`
}

// Validate checks an entry is usable by the executor.
func (e Entry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidAgent)
	}
	if agents.IsControlNode(e.Name) {
		return fmt.Errorf("%w: %q is a reserved node name", ErrInvalidAgent, e.Name)
	}
	if e.Produces == "" {
		return fmt.Errorf("%w: %s must declare the artifact it produces", ErrInvalidAgent, e.Name)
	}
	var a state.Artifacts
	if _, err := a.Get(e.Produces); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidAgent, e.Name, err)
	}
	for _, k := range e.AlsoProduces {
		if _, err := a.Get(k); err != nil {
			return fmt.Errorf("%w: %s also_produces: %v", ErrInvalidAgent, e.Name, err)
		}
	}
	for _, k := range e.Requires {
		if _, err := a.Get(k); err != nil {
			return fmt.Errorf("%w: %s requires: %v", ErrInvalidAgent, e.Name, err)
		}
		if k == e.Produces {
			return fmt.Errorf("%w: %s requires its own output %s", ErrInvalidAgent, e.Name, k)
		}
	}
	return nil
}

// Outputs lists every artifact kind the worker writes, primary first.
func (e Entry) Outputs() []state.ArtifactKind {
	return append([]state.ArtifactKind{e.Produces}, e.AlsoProduces...)
}

// MissingPrerequisites returns the required artifacts absent from s.
func (e Entry) MissingPrerequisites(s *state.WorkflowState) []state.ArtifactKind {
	return s.Artifacts.Missing(e.Requires...)
}

// PrerequisitesMet reports whether the worker can run against s.
func (e Entry) PrerequisitesMet(s *state.WorkflowState) bool {
	return len(e.MissingPrerequisites(s)) == 0
}

// Registry is a read-only store of worker metadata, populated at startup.
type Registry struct {
	entries  map[string]Entry
	order    []string
	producer map[state.ArtifactKind]string
	logger   *zap.Logger
}

// New builds a registry from entries. Duplicate or invalid entries are
// rejected; an empty list yields ErrEmptyRegistry.
func New(logger *zap.Logger, entries ...Entry) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(entries) == 0 {
		return nil, ErrEmptyRegistry
	}
	r := &Registry{
		entries:  make(map[string]Entry, len(entries)),
		producer: make(map[state.ArtifactKind]string, len(entries)),
		logger:   logger,
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.entries[e.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidAgent, e.Name)
		}
		r.entries[e.Name] = e
		r.order = append(r.order, e.Name)
		for _, k := range e.Outputs() {
			if _, ok := r.producer[k]; !ok {
				r.producer[k] = e.Name
			}
		}
	}
	logger.Info("Agent registry initialized",
		zap.Int("agents", len(r.order)),
		zap.Strings("names", r.order),
	)
	return r, nil
}

// Default returns a registry holding the built-in workers.
func Default(logger *zap.Logger) *Registry {
	r, err := New(logger, DefaultEntries()...)
	if err != nil {
		// built-in entries are static
		panic(err)
	}
	return r
}

// Load builds a registry from the built-in entries overlaid with the YAML
// file at cfg.Path. Entries in the file replace built-ins of the same name.
func Load(cfg Config, logger *zap.Logger) (*Registry, error) {
	var base []Entry
	if !cfg.DisableDefaults {
		base = DefaultEntries()
	}
	if cfg.Path == "" {
		return New(logger, base...)
	}
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		if os.IsNotExist(err) && !cfg.DisableDefaults {
			if logger != nil {
				logger.Warn("Registry file not found, using built-in agents", zap.String("path", cfg.Path))
			}
			return New(logger, base...)
		}
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	overlay, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", cfg.Path, err)
	}
	return New(logger, merge(base, overlay)...)
}

type fileFormat struct {
	Agents []Entry `yaml:"agents"`
}

// Parse decodes a registry YAML document.
func Parse(data []byte) ([]Entry, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.Agents, nil
}

func merge(base, overlay []Entry) []Entry {
	idx := make(map[string]int, len(base))
	out := make([]Entry, 0, len(base)+len(overlay))
	for _, e := range base {
		idx[e.Name] = len(out)
		out = append(out, e)
	}
	for _, e := range overlay {
		if i, ok := idx[e.Name]; ok {
			out[i] = e
			continue
		}
		idx[e.Name] = len(out)
		out = append(out, e)
	}
	return out
}

// GetAllAgents returns every entry in registration order.
func (r *Registry) GetAllAgents() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

// GetAgent returns the entry for name.
func (r *Registry) GetAgent(name string) (Entry, error) {
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return e, nil
}

// IsDeterministicAgent reports whether the named worker makes no LLM calls.
// Unknown names are not deterministic.
func (r *Registry) IsDeterministicAgent(name string) bool {
	e, ok := r.entries[name]
	return ok && e.IsDeterministic
}

// Produces returns the artifact kind a worker writes.
func (r *Registry) Produces(name string) (state.ArtifactKind, bool) {
	e, ok := r.entries[name]
	if !ok {
		return "", false
	}
	return e.Produces, true
}

// Producer returns the first registered worker that writes kind.
func (r *Registry) Producer(kind state.ArtifactKind) (string, bool) {
	name, ok := r.producer[kind]
	return name, ok
}

// Params returns the override keys a worker accepts. It satisfies
// state.ParamLookup.
func (r *Registry) Params(name string) ([]string, bool) {
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), e.Params...), true
}

// Names returns the registered names sorted alphabetically.
func (r *Registry) Names() []string {
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int { return len(r.order) }

// DefaultEntries describes the built-in voyage planning workers.
func DefaultEntries() []Entry {
	return []Entry{
		{
			Name:            agents.Route,
			Description:     "Calculates the sea route and distance between two ports",
			Capabilities:    []string{"route_calculation", "distance", "eta"},
			Tools:           []string{"calculate_route", "calculate_weather_timeline"},
			IsDeterministic: true,
			Produces:        state.ArtifactRoute,
			Params:          []string{"origin", "destination", "avoid_eca", "speed_knots"},
		},
		{
			Name:            agents.EntityExtraction,
			Description:     "Extracts vessel names and voyage entities from free text",
			Capabilities:    []string{"entity_extraction"},
			Tools:           []string{"extract_entities"},
			IsDeterministic: false,
			Produces:        state.ArtifactEntities,
			Params:          []string{"vessel"},
		},
		{
			Name:            agents.VesselInfo,
			Description:     "Loads the vessel profile (consumption curves, tank capacity)",
			Capabilities:    []string{"vessel_profile"},
			Tools:           []string{"fetch_vessel_specs"},
			IsDeterministic: true,
			Produces:        state.ArtifactVesselProfile,
			Params:          []string{"vessel", "imo"},
		},
		{
			Name:            agents.Weather,
			Description:     "Fetches marine weather for a port or along a route",
			Capabilities:    []string{"weather_forecast", "marine_weather"},
			Tools:           []string{"fetch_marine_weather"},
			IsDeterministic: true,
			Produces:        state.ArtifactWeather,
			Params:          []string{"location", "port", "departure_time"},
		},
		{
			Name:            agents.Bunker,
			Description:     "Finds bunker ports along the route and compares fuel prices",
			Capabilities:    []string{"bunker_planning", "fuel_prices"},
			Tools:           []string{"find_bunker_ports", "get_fuel_prices", "analyze_bunker_options"},
			IsDeterministic: true,
			Requires:        []state.ArtifactKind{state.ArtifactRoute},
			Produces:        state.ArtifactBunkerAnalysis,
			AlsoProduces:    []state.ArtifactKind{state.ArtifactBunkerPorts},
			Params:          []string{"fuel_type", "quantity_mt", "max_deviation_nm", "port"},
		},
		{
			Name:            agents.Compliance,
			Description:     "Checks ECA zone crossings and fuel switching requirements",
			Capabilities:    []string{"compliance_check", "eca"},
			Tools:           []string{"check_eca_zones"},
			IsDeterministic: true,
			Requires:        []state.ArtifactKind{state.ArtifactRoute},
			Produces:        state.ArtifactCompliance,
			Params:          []string{"fuel_type"},
		},
		{
			Name:            agents.ROB,
			Description:     "Projects remaining-on-board fuel over the voyage",
			Capabilities:    []string{"fuel_margin", "rob_projection"},
			Tools:           []string{"project_rob"},
			IsDeterministic: true,
			Requires:        []state.ArtifactKind{state.ArtifactVesselProfile},
			Produces:        state.ArtifactROBProjection,
			Params:          []string{"vessel", "speed_knots", "safety_margin_pct"},
		},
		{
			Name:            agents.VesselSelection,
			Description:     "Recommends a vessel and bunkering plan from the bunker analysis",
			Capabilities:    []string{"vessel_selection", "recommendation"},
			Tools:           []string{"rank_vessels"},
			IsDeterministic: false,
			Requires:        []state.ArtifactKind{state.ArtifactBunkerAnalysis, state.ArtifactBunkerPorts},
			Produces:        state.ArtifactRecommendation,
			Params:          []string{"vessel", "criteria"},
		},
	}
}
