package workflows

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/registry"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
)

func withToolTurns(worker string, n int) *state.WorkflowState {
	s := state.New("c-1", "bunker options")
	for i := 0; i < n; i++ {
		s.Conversation = append(s.Conversation, state.ToolTurn(worker, "failed: timeout"))
		s.Conversation = append(s.Conversation, state.AITurn("retrying"))
	}
	return s
}

func TestLoopBreakerBoundary(t *testing.T) {
	b := NewLoopBreaker(10, 3, registry.Default(zap.NewNop()))

	assert.False(t, b.ShouldEscapeToSupervisor(withToolTurns(agents.Bunker, 2), agents.Bunker))
	assert.True(t, b.ShouldEscapeToSupervisor(withToolTurns(agents.Bunker, 3), agents.Bunker))

	// Other workers' turns do not count.
	assert.False(t, b.ShouldEscapeToSupervisor(withToolTurns(agents.Route, 5), agents.Bunker))
}

func TestLoopBreakerWindow(t *testing.T) {
	b := NewLoopBreaker(10, 3, registry.Default(zap.NewNop()))
	s := withToolTurns(agents.Bunker, 3)
	for i := 0; i < 6; i++ {
		s.Conversation = append(s.Conversation, state.AITurn("thinking"))
	}
	// The window now holds only the most recent bunker turns.
	assert.Equal(t, 2, b.Occurrences(s, agents.Bunker))
	assert.False(t, b.ShouldEscapeToSupervisor(s, agents.Bunker))
}

func TestLoopBreakerIgnoresProgress(t *testing.T) {
	b := NewLoopBreaker(10, 3, registry.Default(zap.NewNop()))
	s := withToolTurns(agents.Bunker, 4)
	require.NoError(t, s.Artifacts.Set(state.ArtifactBunkerAnalysis, state.MustSome("ok")))
	require.NoError(t, s.Artifacts.Set(state.ArtifactBunkerPorts, state.MustSome("ok")))
	assert.False(t, b.ShouldEscapeToSupervisor(s, agents.Bunker))
}

func TestLoopBreakerTripsOnPartialOutput(t *testing.T) {
	b := NewLoopBreaker(10, 3, registry.Default(zap.NewNop()))
	s := withToolTurns(agents.Bunker, 3)
	require.NoError(t, s.Artifacts.Set(state.ArtifactBunkerAnalysis, state.MustSome("ok")))

	// bunker also declares the candidate port list.
	assert.True(t, b.ShouldEscapeToSupervisor(s, agents.Bunker))

	// Below the threshold a partial write is not a loop yet.
	s = withToolTurns(agents.Bunker, 2)
	require.NoError(t, s.Artifacts.Set(state.ArtifactBunkerAnalysis, state.MustSome("ok")))
	assert.False(t, b.ShouldEscapeToSupervisor(s, agents.Bunker))
}

func TestLoopBreakerOnlyCountsToolTurns(t *testing.T) {
	b := NewLoopBreaker(10, 3, registry.Default(zap.NewNop()))
	s := state.New("c-1", "q")
	for i := 0; i < 4; i++ {
		s.Conversation = append(s.Conversation, state.Turn{Role: state.RoleAI, Signature: agents.Bunker})
	}
	assert.Equal(t, 0, b.Occurrences(s, agents.Bunker))
}
