package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrAbsent is returned when decoding an artifact that has not been produced.
	ErrAbsent = errors.New("artifact absent")

	// ErrUnknownArtifact is returned for artifact kinds outside the closed set.
	ErrUnknownArtifact = errors.New("unknown artifact kind")
)

// ArtifactKind names one slot of domain output.
type ArtifactKind string

const (
	ArtifactRoute          ArtifactKind = "route"
	ArtifactWeather        ArtifactKind = "weather"
	ArtifactBunkerAnalysis ArtifactKind = "bunker_analysis"
	ArtifactBunkerPorts    ArtifactKind = "bunker_ports"
	ArtifactCompliance     ArtifactKind = "compliance"
	ArtifactVesselProfile  ArtifactKind = "vessel_profile"
	ArtifactROBProjection  ArtifactKind = "rob_projection"
	ArtifactEntities       ArtifactKind = "entities"
	ArtifactRecommendation ArtifactKind = "recommendation"
)

// ArtifactKinds returns the closed set of artifact kinds in display order.
func ArtifactKinds() []ArtifactKind {
	return []ArtifactKind{
		ArtifactRoute,
		ArtifactWeather,
		ArtifactBunkerAnalysis,
		ArtifactBunkerPorts,
		ArtifactCompliance,
		ArtifactVesselProfile,
		ArtifactROBProjection,
		ArtifactEntities,
		ArtifactRecommendation,
	}
}

// Option holds an opaque artifact value or nothing.
type Option struct {
	Set   bool            `json:"set"`
	Value json.RawMessage `json:"value,omitempty"`
}

// None returns an absent option.
func None() Option { return Option{} }

// Some encodes v as a present option.
func Some(v interface{}) (Option, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return Option{Set: true, Value: append(json.RawMessage(nil), raw...)}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Option{}, fmt.Errorf("encode artifact: %w", err)
	}
	return Option{Set: true, Value: data}, nil
}

// MustSome is Some for values known to be encodable.
func MustSome(v interface{}) Option {
	o, err := Some(v)
	if err != nil {
		panic(err)
	}
	return o
}

// Present reports whether the option carries a value.
func (o Option) Present() bool { return o.Set }

// Decode unmarshals the value into target.
func (o Option) Decode(target interface{}) error {
	if !o.Set {
		return ErrAbsent
	}
	return json.Unmarshal(o.Value, target)
}

func (o Option) clone() Option {
	if !o.Set {
		return Option{}
	}
	return Option{Set: true, Value: append(json.RawMessage(nil), o.Value...)}
}

// Artifacts is the domain output of a request, one option per kind. Fields
// are replaced whole, never partially merged.
type Artifacts struct {
	Route          Option `json:"route"`
	Weather        Option `json:"weather"`
	BunkerAnalysis Option `json:"bunker_analysis"`
	BunkerPorts    Option `json:"bunker_ports"`
	Compliance     Option `json:"compliance"`
	VesselProfile  Option `json:"vessel_profile"`
	ROBProjection  Option `json:"rob_projection"`
	Entities       Option `json:"entities"`
	Recommendation Option `json:"recommendation"`
}

func (a *Artifacts) slot(kind ArtifactKind) (*Option, error) {
	switch kind {
	case ArtifactRoute:
		return &a.Route, nil
	case ArtifactWeather:
		return &a.Weather, nil
	case ArtifactBunkerAnalysis:
		return &a.BunkerAnalysis, nil
	case ArtifactBunkerPorts:
		return &a.BunkerPorts, nil
	case ArtifactCompliance:
		return &a.Compliance, nil
	case ArtifactVesselProfile:
		return &a.VesselProfile, nil
	case ArtifactROBProjection:
		return &a.ROBProjection, nil
	case ArtifactEntities:
		return &a.Entities, nil
	case ArtifactRecommendation:
		return &a.Recommendation, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownArtifact, kind)
}

// Get returns the option stored for kind.
func (a Artifacts) Get(kind ArtifactKind) (Option, error) {
	o, err := a.slot(kind)
	if err != nil {
		return Option{}, err
	}
	return *o, nil
}

// Set stores o under kind.
func (a *Artifacts) Set(kind ArtifactKind, o Option) error {
	slot, err := a.slot(kind)
	if err != nil {
		return err
	}
	*slot = o
	return nil
}

// Has reports whether kind is present. Unknown kinds are never present.
func (a Artifacts) Has(kind ArtifactKind) bool {
	o, err := a.Get(kind)
	return err == nil && o.Present()
}

// Present lists the kinds that carry a value.
func (a Artifacts) Present() []ArtifactKind {
	var out []ArtifactKind
	for _, k := range ArtifactKinds() {
		if a.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// Missing returns the subset of kinds that are absent, in input order.
func (a Artifacts) Missing(kinds ...ArtifactKind) []ArtifactKind {
	var out []ArtifactKind
	for _, k := range kinds {
		if !a.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// Role tags a conversation turn.
type Role int

const (
	RoleHuman Role = iota
	RoleAI
	RoleTool
	RoleSystem
)

func (r Role) String() string {
	switch r {
	case RoleHuman:
		return "human"
	case RoleAI:
		return "ai"
	case RoleTool:
		return "tool"
	case RoleSystem:
		return "system"
	default:
		return "unknown"
	}
}

// MarshalText encodes the role by name.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText decodes a role name.
func (r *Role) UnmarshalText(b []byte) error {
	switch string(b) {
	case "human":
		*r = RoleHuman
	case "ai":
		*r = RoleAI
	case "tool":
		*r = RoleTool
	case "system":
		*r = RoleSystem
	default:
		return fmt.Errorf("unknown role %q", string(b))
	}
	return nil
}

// Turn is one entry of the conversation. Signature identifies the worker or
// tool that produced a tool turn.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Signature string    `json:"signature,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func HumanTurn(content string) Turn {
	return Turn{Role: RoleHuman, Content: content, Timestamp: time.Now()}
}

func AITurn(content string) Turn {
	return Turn{Role: RoleAI, Content: content, Timestamp: time.Now()}
}

func ToolTurn(signature, content string) Turn {
	return Turn{Role: RoleTool, Content: content, Signature: signature, Timestamp: time.Now()}
}

func SystemTurn(content string) Turn {
	return Turn{Role: RoleSystem, Content: content, Timestamp: time.Now()}
}

// WorkerStatus is the last known outcome of a worker.
type WorkerStatus string

const (
	StatusPending WorkerStatus = "pending"
	StatusSuccess WorkerStatus = "success"
	StatusFailed  WorkerStatus = "failed"
	StatusSkipped WorkerStatus = "skipped"
)

// WorkerError records why a worker failed.
type WorkerError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ReasoningStep is one Tier-3 deliberation.
type ReasoningStep struct {
	StepNumber   int               `json:"step_number"`
	Thought      string            `json:"thought"`
	ChosenAction string            `json:"chosen_action"`
	ActionParams map[string]string `json:"action_params,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// FinalResult is what the finalize node leaves for a downstream formatter.
type FinalResult struct {
	Complete    bool           `json:"complete"`
	Available   []ArtifactKind `json:"available,omitempty"`
	Missing     []ArtifactKind `json:"missing,omitempty"`
	Summary     string         `json:"summary"`
	Reason      string         `json:"reason,omitempty"`
	FinalizedAt time.Time      `json:"finalized_at"`
}

// WorkflowState is the single record threaded through every node of one
// request.
type WorkflowState struct {
	CorrelationID         string                  `json:"correlation_id"`
	Query                 string                  `json:"query"`
	Conversation          []Turn                  `json:"conversation"`
	NextWorker            string                  `json:"next_worker"`
	Artifacts             Artifacts               `json:"domain_artifacts"`
	WorkerStatus          map[string]WorkerStatus `json:"worker_status"`
	WorkerErrors          map[string]WorkerError  `json:"worker_errors"`
	ReasoningTrace        []ReasoningStep         `json:"reasoning_trace"`
	RecoveryAttempts      int                     `json:"recovery_attempts"`
	OriginalIntent        string                  `json:"original_intent,omitempty"`
	Params                map[string]string       `json:"params,omitempty"`
	Overrides             map[string]Override     `json:"overrides,omitempty"`
	NeedsClarification    bool                    `json:"needs_clarification"`
	ClarificationQuestion string                  `json:"clarification_question,omitempty"`
	Final                 *FinalResult            `json:"final,omitempty"`
}

// New creates the state for a fresh request with every artifact absent.
func New(correlationID, query string) *WorkflowState {
	return &WorkflowState{
		CorrelationID: correlationID,
		Query:         query,
		Conversation:  []Turn{HumanTurn(query)},
		WorkerStatus:  make(map[string]WorkerStatus),
		WorkerErrors:  make(map[string]WorkerError),
		Params:        make(map[string]string),
		Overrides:     make(map[string]Override),
	}
}

// Status returns the worker's status, pending when it never ran.
func (s *WorkflowState) Status(worker string) WorkerStatus {
	if st, ok := s.WorkerStatus[worker]; ok {
		return st
	}
	return StatusPending
}

func (s *WorkflowState) Succeeded(worker string) bool { return s.Status(worker) == StatusSuccess }

func (s *WorkflowState) Failed(worker string) bool { return s.Status(worker) == StatusFailed }

// FailedWorkers lists failed workers sorted by name.
func (s *WorkflowState) FailedWorkers() []string {
	var out []string
	for w, st := range s.WorkerStatus {
		if st == StatusFailed {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}

// Param returns an extracted parameter.
func (s *WorkflowState) Param(key string) string {
	if s.Params == nil {
		return ""
	}
	return s.Params[key]
}

// WithNextWorker returns a shallow copy carrying a proposed next worker, for
// validators that inspect the proposal without mutating the live state.
func (s *WorkflowState) WithNextWorker(worker string) *WorkflowState {
	cp := *s
	cp.NextWorker = worker
	return &cp
}

// Validate checks structural invariants.
func (s *WorkflowState) Validate() error {
	if s.CorrelationID == "" {
		return fmt.Errorf("correlation id cannot be empty")
	}
	if s.RecoveryAttempts < 0 {
		return fmt.Errorf("recovery attempts cannot be negative, got %d", s.RecoveryAttempts)
	}
	for i := 1; i < len(s.ReasoningTrace); i++ {
		if s.ReasoningTrace[i].StepNumber <= s.ReasoningTrace[i-1].StepNumber {
			return fmt.Errorf("reasoning step %d out of order after %d",
				s.ReasoningTrace[i].StepNumber, s.ReasoningTrace[i-1].StepNumber)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s *WorkflowState) Clone() *WorkflowState {
	cp := *s
	cp.Conversation = append([]Turn(nil), s.Conversation...)
	for _, k := range ArtifactKinds() {
		o, _ := s.Artifacts.Get(k)
		_ = cp.Artifacts.Set(k, o.clone())
	}
	cp.WorkerStatus = make(map[string]WorkerStatus, len(s.WorkerStatus))
	for k, v := range s.WorkerStatus {
		cp.WorkerStatus[k] = v
	}
	cp.WorkerErrors = make(map[string]WorkerError, len(s.WorkerErrors))
	for k, v := range s.WorkerErrors {
		cp.WorkerErrors[k] = v
	}
	cp.ReasoningTrace = make([]ReasoningStep, len(s.ReasoningTrace))
	for i, step := range s.ReasoningTrace {
		step.ActionParams = copyStrings(step.ActionParams)
		cp.ReasoningTrace[i] = step
	}
	cp.Params = copyStrings(s.Params)
	if cp.Params == nil {
		cp.Params = make(map[string]string)
	}
	cp.Overrides = make(map[string]Override, len(s.Overrides))
	for k, v := range s.Overrides {
		v.Params = copyStrings(v.Params)
		cp.Overrides[k] = v
	}
	if s.Final != nil {
		f := *s.Final
		f.Available = append([]ArtifactKind(nil), s.Final.Available...)
		f.Missing = append([]ArtifactKind(nil), s.Final.Missing...)
		cp.Final = &f
	}
	return &cp
}

func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
