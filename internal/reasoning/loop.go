package reasoning

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/decision"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/registry"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
)

// Action is what a reasoning step decides to do.
type Action string

const (
	ActionCallWorker           Action = "call_worker"
	ActionFinalize             Action = "finalize"
	ActionRequestClarification Action = "request_clarification"
	ActionContinue             Action = "continue"
)

func (a Action) valid() bool {
	switch a {
	case ActionCallWorker, ActionFinalize, ActionRequestClarification, ActionContinue:
		return true
	}
	return false
}

// Step sources.
const (
	SourceLLM       = "llm"
	SourceHeuristic = "heuristic"
)

// Outcome is the single step produced by one invocation and the partial
// state update that records it.
type Outcome struct {
	Step     state.ReasoningStep
	Action   Action
	Worker   string
	Question string
	Source   string
	Update   state.Update
}

// Config tunes the loop.
type Config struct {
	Timeout time.Duration
}

// Loop is the Tier-3 reasoner. It never fails: an unavailable or confused
// LLM falls back to a deterministic walk of the goal's step table.
type Loop struct {
	reasoner llm.Reasoner
	reg      registry.Reader
	fw       *decision.Framework
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a loop. reasoner may be nil to run heuristics only.
func New(cfg Config, reasoner llm.Reasoner, reg registry.Reader, fw *decision.Framework, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Loop{
		reasoner: reasoner,
		reg:      reg,
		fw:       fw,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Step produces exactly one reasoning step for s in pursuit of goal.
func (l *Loop) Step(ctx context.Context, s *state.WorkflowState, goal agents.IntentType) Outcome {
	number := 1
	if n := len(s.ReasoningTrace); n > 0 {
		number = s.ReasoningTrace[n-1].StepNumber + 1
	}

	out, ok := l.fromLLM(ctx, s, goal)
	if !ok {
		out = l.heuristic(s, goal)
	}

	params := map[string]string{}
	if out.Worker != "" {
		params["worker"] = out.Worker
	}
	if ov, has := out.Update.Overrides[out.Worker]; has {
		for k, v := range ov.Params {
			params[k] = v
		}
	}
	out.Step = state.ReasoningStep{
		StepNumber:   number,
		Thought:      out.Step.Thought,
		ChosenAction: string(out.Action),
		ActionParams: params,
		Timestamp:    l.now(),
	}

	u := out.Update
	u.ReasoningTrace = []state.ReasoningStep{out.Step}
	u.Conversation = []state.Turn{state.AITurn(fmt.Sprintf("[reasoning %d] %s", number, out.Step.Thought))}
	if len(s.FailedWorkers()) > 0 {
		u.RecoveryAttempts = state.IntPtr(s.RecoveryAttempts + 1)
	}
	switch out.Action {
	case ActionCallWorker:
		u.NextWorker = state.StringPtr(out.Worker)
	case ActionContinue:
		u.NextWorker = state.StringPtr(agents.Supervisor)
	case ActionFinalize:
		u.NextWorker = state.StringPtr(agents.Finalize)
	case ActionRequestClarification:
		u.NextWorker = state.StringPtr(agents.Finalize)
		u.NeedsClarification = state.BoolPtr(true)
		u.ClarificationQuestion = state.StringPtr(out.Question)
	}
	out.Update = u

	metrics.ReasoningSteps.WithLabelValues(string(out.Action), out.Source).Inc()
	l.logger.Info("Reasoning step",
		zap.String("correlation_id", s.CorrelationID),
		zap.Int("step", number),
		zap.String("action", string(out.Action)),
		zap.String("worker", out.Worker),
		zap.String("source", out.Source),
	)
	return out
}

// fromLLM asks the reasoner for a proposal and validates it. ok is false when
// the proposal cannot be used.
func (l *Loop) fromLLM(ctx context.Context, s *state.WorkflowState, goal agents.IntentType) (Outcome, bool) {
	if l.reasoner == nil {
		return Outcome{}, false
	}
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	prop, err := l.reason(callCtx, l.request(s, goal))
	if err != nil {
		l.logger.Warn("Reasoner unavailable, using heuristic",
			zap.String("correlation_id", s.CorrelationID),
			zap.Error(err),
		)
		return Outcome{}, false
	}

	action := Action(prop.Action)
	if !action.valid() {
		l.logger.Warn("Reasoner proposed unknown action",
			zap.String("correlation_id", s.CorrelationID),
			zap.String("action", prop.Action),
		)
		return Outcome{}, false
	}

	out := Outcome{Action: action, Source: SourceLLM}
	out.Step.Thought = prop.Thought

	switch action {
	case ActionCallWorker:
		worker := agents.Normalize(prop.Worker)
		if _, err := l.reg.GetAgent(worker); err != nil {
			l.logger.Warn("Reasoner proposed unknown worker",
				zap.String("correlation_id", s.CorrelationID),
				zap.String("worker", prop.Worker),
			)
			return Outcome{}, false
		}
		out.Worker = worker
		if len(prop.Params) > 0 {
			ov, err := state.NewOverride(worker, prop.Params, prop.Thought, l.reg.Params)
			if err != nil {
				l.logger.Warn("Dropping recovery override",
					zap.String("correlation_id", s.CorrelationID),
					zap.String("worker", worker),
					zap.Error(err),
				)
			} else {
				out.Update.Overrides = map[string]state.Override{worker: ov}
			}
		}
	case ActionRequestClarification:
		out.Question = prop.Question
		if out.Question == "" {
			out.Question = l.question(s, goal)
		}
	}
	return out, true
}

// reason shields the loop from a panicking reasoner.
func (l *Loop) reason(ctx context.Context, req llm.ReasoningRequest) (prop llm.ReasoningProposal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reasoner panicked: %v", r)
		}
	}()
	return l.reasoner.Reason(ctx, req)
}

func (l *Loop) request(s *state.WorkflowState, goal agents.IntentType) llm.ReasoningRequest {
	return llm.ReasoningRequest{
		CorrelationID:  s.CorrelationID,
		Query:          s.Query,
		OriginalIntent: string(goal),
		Available:      s.Artifacts.Present(),
		WorkerStatus:   s.WorkerStatus,
		WorkerErrors:   s.WorkerErrors,
		Trace:          s.ReasoningTrace,
		Workers:        registryNames(l.reg),
	}
}

// heuristic walks the goal's step table: ask for missing inputs before
// anything has run, then call the first remaining worker that has not
// failed, else finalize with what is available.
func (l *Loop) heuristic(s *state.WorkflowState, goal agents.IntentType) Outcome {
	out := Outcome{Source: SourceHeuristic}

	plan, err := l.fw.Plan(goal)
	if err != nil {
		out.Action = ActionRequestClarification
		out.Question = decision.UnknownGoalQuestion()
		out.Step.Thought = "goal unclear, asking the user"
		return out
	}
	if plan.Complete(s) {
		out.Action = ActionFinalize
		out.Step.Thought = fmt.Sprintf("%s has every required artifact", goal)
		return out
	}
	if len(s.Artifacts.Present()) == 0 && len(s.FailedWorkers()) == 0 {
		if missing := missingParams(plan, s); len(missing) > 0 {
			out.Action = ActionRequestClarification
			out.Question = decision.Question(goal, missing)
			out.Step.Thought = fmt.Sprintf("%s cannot start without %v", goal, missing)
			return out
		}
	}

	remaining, _ := l.fw.RemainingSteps(goal, s)
	for _, w := range remaining {
		if s.Failed(w) {
			continue
		}
		out.Action = ActionCallWorker
		out.Worker = w
		out.Step.Thought = fmt.Sprintf("next step for %s is %s", goal, w)
		return out
	}

	out.Action = ActionFinalize
	out.Step.Thought = fmt.Sprintf("remaining %s steps failed, finalizing with available data", goal)
	return out
}

func (l *Loop) question(s *state.WorkflowState, goal agents.IntentType) string {
	if plan, err := l.fw.Plan(goal); err == nil {
		if missing := missingParams(plan, s); len(missing) > 0 {
			return decision.Question(goal, missing)
		}
	}
	return decision.UnknownGoalQuestion()
}

func missingParams(p decision.Plan, s *state.WorkflowState) []string {
	var out []string
	for _, k := range p.RequiredParams {
		if s.Param(k) == "" {
			out = append(out, k)
		}
	}
	return out
}

func registryNames(reg registry.Reader) []string {
	entries := reg.GetAllAgents()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}
