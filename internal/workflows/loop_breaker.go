package workflows

import (
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/registry"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
)

// LoopBreaker detects a worker that keeps being re-entered without its
// output ever appearing.
type LoopBreaker struct {
	window    int
	threshold int
	reg       registry.Reader
}

// NewLoopBreaker creates a breaker inspecting the last window turns and
// tripping at threshold invocations.
func NewLoopBreaker(window, threshold int, reg registry.Reader) *LoopBreaker {
	if window <= 0 {
		window = 10
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &LoopBreaker{window: window, threshold: threshold, reg: reg}
}

// Occurrences counts tool turns signed by worker in the recent window.
func (b *LoopBreaker) Occurrences(s *state.WorkflowState, worker string) int {
	turns := s.Conversation
	if len(turns) > b.window {
		turns = turns[len(turns)-b.window:]
	}
	n := 0
	for _, t := range turns {
		if t.Role == state.RoleTool && t.Signature == worker {
			n++
		}
	}
	return n
}

// ShouldEscapeToSupervisor reports whether entering worker again would
// repeat a non-progressing call. A worker has only progressed once every
// artifact it declares is present; a partial write still counts as a repeat.
func (b *LoopBreaker) ShouldEscapeToSupervisor(s *state.WorkflowState, worker string) bool {
	if outputs := b.outputs(worker); len(outputs) > 0 && len(s.Artifacts.Missing(outputs...)) == 0 {
		return false
	}
	return b.Occurrences(s, worker) >= b.threshold
}

func (b *LoopBreaker) outputs(worker string) []state.ArtifactKind {
	e, err := b.reg.GetAgent(worker)
	if err != nil {
		return nil
	}
	var out []state.ArtifactKind
	for _, k := range e.Outputs() {
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}
