package decision

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/intent"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/registry"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
)

// ErrNoCompletionPredicate is returned for goals that have no registered plan.
var ErrNoCompletionPredicate = errors.New("no completion predicate registered for intent")

// Kind is the action the supervisor takes next.
type Kind string

const (
	ImmediateAction      Kind = "immediate_action"
	LLMReasoning         Kind = "llm_reasoning"
	RequestClarification Kind = "request_clarification"
	Finalize             Kind = "finalize"
)

// Result is the Tier-2 routing decision.
type Result struct {
	Decision              Kind   `json:"decision"`
	Confidence            int    `json:"confidence"`
	Worker                string `json:"worker,omitempty"`
	Reason                string `json:"reason"`
	ClarificationQuestion string `json:"clarification_question,omitempty"`
}

// Thresholds split confidence into high, medium and low bands.
type Thresholds struct {
	High int
	Low  int
}

// DefaultThresholds returns the 80/30 split.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 80, Low: 30}
}

// Framework maps a pattern match and the current state onto a decision.
// It holds no mutable state and is safe for concurrent use.
type Framework struct {
	th     Thresholds
	plans  map[agents.IntentType]Plan
	reg    registry.Reader
	logger *zap.Logger
}

// New creates a framework over plans. Steps naming workers the registry does
// not know are dropped.
func New(th Thresholds, reg registry.Reader, logger *zap.Logger, plans ...Plan) (*Framework, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		return nil, fmt.Errorf("decision framework requires a registry")
	}
	if th.High <= 0 || th.Low < 0 || th.Low >= th.High || th.High > 100 {
		return nil, fmt.Errorf("invalid confidence thresholds low=%d high=%d", th.Low, th.High)
	}
	if len(plans) == 0 {
		plans = DefaultPlans()
	}
	f := &Framework{th: th, plans: make(map[agents.IntentType]Plan, len(plans)), reg: reg, logger: logger}
	for _, p := range plans {
		kept := p.Steps[:0:0]
		for _, st := range p.Steps {
			if _, err := reg.GetAgent(st.Worker); err != nil {
				logger.Warn("Dropping plan step for unregistered worker",
					zap.String("intent", string(p.Intent)),
					zap.String("worker", st.Worker),
				)
				continue
			}
			kept = append(kept, st)
		}
		p.Steps = kept
		f.plans[p.Intent] = p
	}
	return f, nil
}

// Thresholds returns the configured bands.
func (f *Framework) Thresholds() Thresholds { return f.th }

// Plan returns the plan registered for t.
func (f *Framework) Plan(t agents.IntentType) (Plan, error) {
	p, ok := f.plans[t]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrNoCompletionPredicate, t)
	}
	return p, nil
}

// Goal returns the intent the workflow is serving: the original intent when
// one was established, else the current match.
func Goal(m intent.Match, s *state.WorkflowState) agents.IntentType {
	if s.OriginalIntent != "" && agents.IntentType(s.OriginalIntent) != agents.IntentAmbiguous {
		return agents.IntentType(s.OriginalIntent)
	}
	return m.IntentType
}

// IsComplete evaluates the goal's completion predicate against the state.
func (f *Framework) IsComplete(goal agents.IntentType, s *state.WorkflowState) (bool, error) {
	p, err := f.Plan(goal)
	if err != nil {
		return false, err
	}
	return p.Complete(s), nil
}

// NextStep returns the first applicable step of the goal's table that has
// not produced its output yet. ok is false when the table is exhausted.
func (f *Framework) NextStep(goal agents.IntentType, s *state.WorkflowState) (worker string, ok bool) {
	steps, err := f.RemainingSteps(goal, s)
	if err != nil || len(steps) == 0 {
		return "", false
	}
	return steps[0], true
}

// RemainingSteps lists the applicable steps of the goal's table that have
// not produced their output yet, in table order.
func (f *Framework) RemainingSteps(goal agents.IntentType, s *state.WorkflowState) ([]string, error) {
	p, err := f.Plan(goal)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, st := range p.Steps {
		if st.When != nil && !st.When(s) {
			continue
		}
		if !f.done(st.Worker, s) {
			out = append(out, st.Worker)
		}
	}
	return out, nil
}

// done reports whether the worker has nothing left to contribute.
func (f *Framework) done(worker string, s *state.WorkflowState) bool {
	switch s.Status(worker) {
	case state.StatusSuccess, state.StatusSkipped:
		return true
	}
	if kind, ok := f.reg.Produces(worker); ok && s.Artifacts.Has(kind) {
		return true
	}
	return false
}

// Decide applies the routing rules in order. The completion check always
// wins over confidence.
func (f *Framework) Decide(m intent.Match, s *state.WorkflowState) Result {
	goal := Goal(m, s)

	if goal != agents.IntentAmbiguous && goal != "" {
		complete, err := f.IsComplete(goal, s)
		if err != nil {
			return Result{
				Decision:              RequestClarification,
				Confidence:            m.Confidence,
				Reason:                err.Error(),
				ClarificationQuestion: UnknownGoalQuestion(),
			}
		}
		if complete {
			return Result{
				Decision:   Finalize,
				Confidence: m.Confidence,
				Reason:     fmt.Sprintf("%s complete: all required artifacts present", goal),
			}
		}
	}

	switch {
	case m.Confidence >= f.th.High:
		return f.decideHigh(goal, m, s)
	case m.Confidence >= f.th.Low:
		return Result{
			Decision:   LLMReasoning,
			Confidence: m.Confidence,
			Reason:     fmt.Sprintf("medium confidence %d for %s", m.Confidence, m.IntentType),
		}
	case m.Matched:
		missing := f.missingFields(goal, m, s)
		// Nothing specific to ask; a generic question is never issued.
		if len(missing) == 0 {
			return Result{
				Decision:   LLMReasoning,
				Confidence: m.Confidence,
				Reason:     "low confidence but every required field is already known",
			}
		}
		return Result{
			Decision:              RequestClarification,
			Confidence:            m.Confidence,
			Reason:                fmt.Sprintf("low confidence %d, missing %s", m.Confidence, strings.Join(missing, ", ")),
			ClarificationQuestion: Question(m.IntentType, missing),
		}
	default:
		return Result{
			Decision:   LLMReasoning,
			Confidence: m.Confidence,
			Reason:     "no intent matched",
		}
	}
}

func (f *Framework) decideHigh(goal agents.IntentType, m intent.Match, s *state.WorkflowState) Result {
	w := m.RecommendedWorker
	if w == "" {
		next, ok := f.NextStep(goal, s)
		if !ok {
			return Result{Decision: Finalize, Confidence: m.Confidence, Reason: "no worker left in the step table"}
		}
		w = next
	}

	if s.Failed(w) {
		return Result{
			Decision:   LLMReasoning,
			Confidence: m.Confidence,
			Worker:     w,
			Reason:     fmt.Sprintf("recommended worker %s failed previously, recovery needed", w),
		}
	}

	if !f.done(w, s) {
		return Result{
			Decision:   ImmediateAction,
			Confidence: m.Confidence,
			Worker:     w,
			Reason:     fmt.Sprintf("high confidence %d for %s", m.Confidence, m.IntentType),
		}
	}

	next, ok := f.NextStep(goal, s)
	if !ok {
		return Result{
			Decision:   Finalize,
			Confidence: m.Confidence,
			Reason:     fmt.Sprintf("%s already ran and the %s step table is exhausted", w, goal),
		}
	}
	if s.Failed(next) {
		return Result{
			Decision:   Finalize,
			Confidence: m.Confidence,
			Worker:     next,
			Reason:     fmt.Sprintf("next step %s failed previously, finalizing with available data", next),
		}
	}
	return Result{
		Decision:   ImmediateAction,
		Confidence: m.Confidence,
		Worker:     next,
		Reason:     fmt.Sprintf("%s already ran, continuing %s with %s", w, goal, next),
	}
}

// missingFields lists the fields the user still has to provide. The match's
// own list is preferred; the plan's required params fill in when it is empty.
// Fields already present in state are dropped.
func (f *Framework) missingFields(goal agents.IntentType, m intent.Match, s *state.WorkflowState) []string {
	candidates := m.Missing
	if len(candidates) == 0 {
		if p, err := f.Plan(m.IntentType); err == nil {
			candidates = p.RequiredParams
		} else if p, err := f.Plan(goal); err == nil {
			candidates = p.RequiredParams
		}
	}
	var out []string
	for _, field := range candidates {
		if s.Param(field) != "" || m.ExtractedParams[field] != "" {
			continue
		}
		out = append(out, field)
	}
	return out
}
