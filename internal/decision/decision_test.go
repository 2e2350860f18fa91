package decision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/intent"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/registry"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
)

func newFramework(t *testing.T) *Framework {
	t.Helper()
	f, err := New(DefaultThresholds(), registry.Default(zap.NewNop()), zaptest.NewLogger(t))
	require.NoError(t, err)
	return f
}

func withArtifact(t *testing.T, s *state.WorkflowState, kind state.ArtifactKind, worker string) {
	t.Helper()
	require.NoError(t, s.Artifacts.Set(kind, state.MustSome(map[string]string{"ok": "yes"})))
	if worker != "" {
		s.WorkerStatus[worker] = state.StatusSuccess
	}
}

func TestHighConfidenceIsImmediateAction(t *testing.T) {
	f := newFramework(t)
	workers := map[agents.IntentType]string{
		agents.IntentRouteCalculation: agents.Route,
		agents.IntentWeatherForecast:  agents.Weather,
		agents.IntentFuelMargin:       agents.VesselInfo,
	}
	for it, w := range workers {
		for c := 80; c <= 100; c++ {
			m := intent.Match{Matched: true, IntentType: it, RecommendedWorker: w, Confidence: c}
			res := f.Decide(m, state.New("c-1", "q"))
			require.Equal(t, ImmediateAction, res.Decision, "intent %s confidence %d", it, c)
			require.Equal(t, w, res.Worker)
			assert.Equal(t, c, res.Confidence)
		}
	}
}

func TestLowConfidenceMatchedAsksForMissingFields(t *testing.T) {
	f := newFramework(t)
	for c := 0; c < 30; c++ {
		m := intent.Match{
			Matched:           true,
			IntentType:        agents.IntentRouteCalculation,
			RecommendedWorker: agents.Route,
			Confidence:        c,
			Missing:           []string{"origin", "destination"},
		}
		res := f.Decide(m, state.New("c-1", "q"))
		require.Equal(t, RequestClarification, res.Decision, "confidence %d", c)
		assert.Contains(t, res.ClarificationQuestion, "origin")
		assert.Contains(t, res.ClarificationQuestion, "destination")
	}
}

func TestLowConfidenceFallsBackToPlanParams(t *testing.T) {
	f := newFramework(t)
	m := intent.Match{Matched: true, IntentType: agents.IntentWeatherForecast, Confidence: 15}
	res := f.Decide(m, state.New("c-1", "q"))
	require.Equal(t, RequestClarification, res.Decision)
	assert.Contains(t, res.ClarificationQuestion, "port")
}

func TestLowConfidenceWithKnownFieldsReasons(t *testing.T) {
	f := newFramework(t)
	s := state.New("c-1", "q")
	s.Params["origin"] = "SGSIN"
	m := intent.Match{Matched: true, IntentType: agents.IntentRouteCalculation, Confidence: 25, Missing: []string{"origin"}}
	assert.Equal(t, LLMReasoning, f.Decide(m, s).Decision)
}

func TestMediumConfidenceAndNoMatch(t *testing.T) {
	f := newFramework(t)
	for _, c := range []int{30, 55, 79} {
		m := intent.Match{Matched: true, IntentType: agents.IntentBunkerPlanning, Confidence: c}
		assert.Equal(t, LLMReasoning, f.Decide(m, state.New("c-1", "q")).Decision)
	}
	assert.Equal(t, LLMReasoning, f.Decide(intent.NoMatch("none"), state.New("c-1", "q")).Decision)
}

func TestScenarioRouteQuery(t *testing.T) {
	f := newFramework(t)
	m := intent.NewMatcher(intent.DefaultConfig(), nil, nil, zap.NewNop())
	q := "route from Singapore to Rotterdam"

	match := m.Match(context.Background(), q, "c-1")
	res := f.Decide(match, state.New("c-1", q))
	assert.Equal(t, ImmediateAction, res.Decision)
	assert.Equal(t, agents.Route, res.Worker)
}

func TestScenarioCheapestBunker(t *testing.T) {
	f := newFramework(t)
	m := intent.NewMatcher(intent.DefaultConfig(), nil, nil, zap.NewNop())

	match := m.Match(context.Background(), "cheapest bunker", "c-1")
	res := f.Decide(match, state.New("c-1", "cheapest bunker"))
	assert.Equal(t, LLMReasoning, res.Decision)
}

func TestOriginalIntentKeepsBroaderGoal(t *testing.T) {
	f := newFramework(t)
	s := state.New("c-1", "bunker options from Singapore to Rotterdam")
	s.OriginalIntent = string(agents.IntentBunkerPlanning)
	withArtifact(t, s, state.ArtifactRoute, agents.Route)

	narrower := intent.Match{
		Matched:           true,
		IntentType:        agents.IntentRouteCalculation,
		RecommendedWorker: agents.Route,
		Confidence:        92,
	}
	res := f.Decide(narrower, s)
	assert.Equal(t, ImmediateAction, res.Decision)
	assert.Equal(t, agents.Bunker, res.Worker)
}

func TestBunkerChainConditions(t *testing.T) {
	f := newFramework(t)
	match := intent.Match{
		Matched:           true,
		IntentType:        agents.IntentBunkerPlanning,
		RecommendedWorker: agents.Route,
		Confidence:        92,
	}

	s := state.New("c-1", "q")
	s.OriginalIntent = string(agents.IntentBunkerPlanning)
	withArtifact(t, s, state.ArtifactRoute, agents.Route)
	s.Params["vessel_mentioned"] = "true"
	assert.Equal(t, agents.EntityExtraction, f.Decide(match, s).Worker)

	s.Params["vessel"] = "Pacific Star"
	assert.Equal(t, agents.VesselInfo, f.Decide(match, s).Worker)

	withArtifact(t, s, state.ArtifactVesselProfile, agents.VesselInfo)
	assert.Equal(t, agents.Bunker, f.Decide(match, s).Worker)
}

func TestCompletionTakesPrecedence(t *testing.T) {
	f := newFramework(t)
	s := state.New("c-1", "q")
	s.OriginalIntent = string(agents.IntentBunkerPlanning)
	withArtifact(t, s, state.ArtifactRoute, agents.Route)
	withArtifact(t, s, state.ArtifactBunkerAnalysis, agents.Bunker)

	for _, c := range []int{0, 40, 95} {
		m := intent.Match{Matched: true, IntentType: agents.IntentRouteCalculation, RecommendedWorker: agents.Route, Confidence: c}
		assert.Equal(t, Finalize, f.Decide(m, s).Decision, "confidence %d", c)
	}
}

func TestRecommendedWorkerFailedNeedsReasoning(t *testing.T) {
	f := newFramework(t)
	s := state.New("c-1", "q")
	s.WorkerStatus[agents.Route] = state.StatusFailed

	m := intent.Match{Matched: true, IntentType: agents.IntentRouteCalculation, RecommendedWorker: agents.Route, Confidence: 95}
	res := f.Decide(m, s)
	assert.Equal(t, LLMReasoning, res.Decision)
	assert.Equal(t, agents.Route, res.Worker)
}

func TestFailedNextStepFinalizes(t *testing.T) {
	f := newFramework(t)
	s := state.New("c-1", "q")
	s.OriginalIntent = string(agents.IntentComplianceCheck)
	withArtifact(t, s, state.ArtifactRoute, agents.Route)
	s.WorkerStatus[agents.Compliance] = state.StatusFailed

	m := intent.Match{Matched: true, IntentType: agents.IntentComplianceCheck, RecommendedWorker: agents.Route, Confidence: 92}
	res := f.Decide(m, s)
	assert.Equal(t, Finalize, res.Decision)
	assert.Equal(t, agents.Compliance, res.Worker)
}

func TestUnmappedIntentRequiresPredicate(t *testing.T) {
	f := newFramework(t)
	s := state.New("c-1", "q")
	s.OriginalIntent = "cargo_planning"

	_, err := f.IsComplete("cargo_planning", s)
	assert.ErrorIs(t, err, ErrNoCompletionPredicate)

	res := f.Decide(intent.Match{Matched: true, IntentType: agents.IntentRouteCalculation, Confidence: 95}, s)
	assert.Equal(t, RequestClarification, res.Decision)
	assert.NotEmpty(t, res.ClarificationQuestion)
}

func TestNewRejectsBadThresholds(t *testing.T) {
	reg := registry.Default(zap.NewNop())
	_, err := New(Thresholds{High: 30, Low: 80}, reg, nil)
	assert.Error(t, err)
	_, err = New(DefaultThresholds(), nil, nil)
	assert.Error(t, err)
}

func TestPlanStepsForUnknownWorkersAreDropped(t *testing.T) {
	reg, err := registry.New(zap.NewNop(), registry.Entry{Name: agents.Route, Produces: state.ArtifactRoute})
	require.NoError(t, err)
	f, err := New(DefaultThresholds(), reg, zaptest.NewLogger(t))
	require.NoError(t, err)

	p, err := f.Plan(agents.IntentBunkerPlanning)
	require.NoError(t, err)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, agents.Route, p.Steps[0].Worker)
}

func TestQuestion(t *testing.T) {
	q := Question(agents.IntentBunkerPlanning, []string{"origin", "destination", "vessel"})
	assert.Contains(t, q, "bunker plan")
	assert.Contains(t, q, "origin")
	assert.Contains(t, q, ", the destination")
	assert.Contains(t, q, " and the vessel name")
	assert.Contains(t, q, "provide them?")

	assert.Contains(t, Question(agents.IntentWeatherForecast, []string{"port"}), "provide it?")
}
