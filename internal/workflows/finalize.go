package workflows

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/decision"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/streaming"
)

// Request outcomes recorded when finalizing.
const (
	OutcomeComplete      = "complete"
	OutcomePartial       = "partial"
	OutcomeClarification = "clarification"
	OutcomeForced        = "forced"
)

// finalize leaves the final result on the state for a downstream formatter.
func (e *Executor) finalize(s *state.WorkflowState, r *run) string {
	metrics.NodeExecutions.WithLabelValues(agents.Finalize, "ok").Inc()

	goal := decision.Goal(r.match, s)
	res := state.FinalResult{
		Available:   s.Artifacts.Present(),
		Reason:      r.forced,
		FinalizedAt: e.now(),
	}
	if plan, err := e.decisions.Plan(goal); err == nil {
		res.Missing = s.Artifacts.Missing(plan.Completes...)
		res.Complete = len(res.Missing) == 0
	}
	res.Summary = summarize(goal, s, res)

	e.apply(s, state.Update{
		Final:        &res,
		Conversation: []state.Turn{state.AITurn(res.Summary)},
	})

	outcome := Outcome(s)
	metrics.RecordWorkflowMetrics(outcome, e.now().Sub(r.start).Seconds(), r.visits)
	e.logger.Info("Voyage request finalized",
		zap.String("correlation_id", s.CorrelationID),
		zap.String("outcome", outcome),
		zap.String("goal", string(goal)),
		zap.Bool("complete", res.Complete),
		zap.Int("visits", r.visits),
		zap.String("forced", r.forced),
	)
	e.publish(s, streaming.Event{
		Type:    streaming.EventFinalized,
		Node:    agents.Finalize,
		Message: res.Summary,
		Data:    map[string]string{"outcome": outcome},
	})
	return agents.End
}

// Outcome classifies a finalized state.
func Outcome(s *state.WorkflowState) string {
	switch {
	case s.NeedsClarification:
		return OutcomeClarification
	case s.Final == nil:
		return OutcomePartial
	case s.Final.Complete:
		return OutcomeComplete
	case s.Final.Reason != "":
		return OutcomeForced
	}
	return OutcomePartial
}

func summarize(goal agents.IntentType, s *state.WorkflowState, res state.FinalResult) string {
	if s.NeedsClarification && s.ClarificationQuestion != "" {
		return s.ClarificationQuestion
	}
	what := goalNoun(goal)
	switch {
	case res.Complete:
		return fmt.Sprintf("Completed %s with %s.", what, kinds(res.Available))
	case len(res.Available) > 0 && len(res.Missing) > 0:
		return fmt.Sprintf("Partial %s: have %s, missing %s.", what, kinds(res.Available), kinds(res.Missing))
	case len(res.Available) > 0:
		return fmt.Sprintf("Finished %s with %s.", what, kinds(res.Available))
	case len(res.Missing) > 0:
		return fmt.Sprintf("Could not complete %s: missing %s.", what, kinds(res.Missing))
	}
	return fmt.Sprintf("Could not complete %s.", what)
}

// recoveryQuestion asks the user for help once recovery is exhausted.
func recoveryQuestion(goal agents.IntentType, s *state.WorkflowState) string {
	failed := s.FailedWorkers()
	if len(failed) == 0 {
		return fmt.Sprintf("I could not complete the %s after %d attempts. Could you rephrase or add details such as ports, dates or the vessel?",
			goalNoun(goal), s.RecoveryAttempts)
	}
	return fmt.Sprintf("I could not complete the %s because %s kept failing. Could you confirm the ports, dates and vessel so I can try again?",
		goalNoun(goal), strings.Join(failed, ", "))
}

func goalNoun(goal agents.IntentType) string {
	if !goal.IsKnown() {
		return "request"
	}
	return strings.ReplaceAll(string(goal), "_", " ")
}

func kinds(ks []state.ArtifactKind) string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = string(k)
	}
	return strings.Join(out, ", ")
}
