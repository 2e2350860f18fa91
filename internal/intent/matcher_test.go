package intent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/cache"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/llm"
)

type fakeClassifier struct {
	calls int32
	out   llm.Classification
	err   error
	panic bool
}

func (f *fakeClassifier) Classify(ctx context.Context, text, correlationID string) (llm.Classification, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.panic {
		panic("boom")
	}
	return f.out, f.err
}

func newTestMatcher(t *testing.T, cls llm.Classifier) *Matcher {
	m := NewMatcher(DefaultConfig(), cls, cache.New(cache.Options{TTL: time.Hour}, zap.NewNop()), zap.NewNop())
	t.Cleanup(m.Wait)
	return m
}

func TestRouteFromSingaporeToRotterdam(t *testing.T) {
	m := newTestMatcher(t, nil)
	res := m.Match(context.Background(), "route from Singapore to Rotterdam", "c-1")

	assert.True(t, res.Matched)
	assert.Equal(t, agents.IntentRouteCalculation, res.IntentType)
	assert.Equal(t, agents.Route, res.RecommendedWorker)
	assert.GreaterOrEqual(t, res.Confidence, 85)
	assert.Equal(t, "SGSIN", res.ExtractedParams["origin"])
	assert.Equal(t, "NLRTM", res.ExtractedParams["destination"])
	assert.Empty(t, res.Missing)
	assert.Equal(t, SourcePattern, res.Source)
}

func TestCheapestBunkerAloneIsMediumConfidence(t *testing.T) {
	m := newTestMatcher(t, nil)
	res := m.Match(context.Background(), "cheapest bunker", "c-1")

	assert.True(t, res.Matched)
	assert.Equal(t, agents.IntentBunkerPlanning, res.IntentType)
	assert.GreaterOrEqual(t, res.Confidence, 30)
	assert.LessOrEqual(t, res.Confidence, 50)
}

func TestPatternRules(t *testing.T) {
	m := newTestMatcher(t, nil)

	cases := []struct {
		query   string
		intent  agents.IntentType
		worker  string
		minConf int
		maxConf int
		params  map[string]string
		missing []string
	}{
		{
			query:   "weather at Singapore",
			intent:  agents.IntentWeatherForecast,
			worker:  agents.Weather,
			minConf: 90,
			maxConf: 100,
			params:  map[string]string{"port": "SGSIN"},
		},
		{
			query:   "What's the forecast for NLRTM?",
			intent:  agents.IntentWeatherForecast,
			worker:  agents.Weather,
			minConf: 98,
			maxConf: 98,
			params:  map[string]string{"port": "NLRTM"},
		},
		{
			query:   "weather at port",
			intent:  agents.IntentWeatherForecast,
			worker:  agents.Weather,
			minConf: 0,
			maxConf: 29,
			missing: []string{"port"},
		},
		{
			query:   "find bunker options from Singapore to Rotterdam for MV Pacific Star",
			intent:  agents.IntentBunkerPlanning,
			worker:  agents.Route,
			minConf: 85,
			maxConf: 100,
			params:  map[string]string{"origin": "SGSIN", "destination": "NLRTM", "vessel": "Pacific Star"},
		},
		{
			query:   "Check ECA compliance from Fujairah to Piraeus",
			intent:  agents.IntentComplianceCheck,
			worker:  agents.Route,
			minConf: 85,
			maxConf: 100,
			params:  map[string]string{"origin": "AEFJR", "destination": "GRPIR"},
		},
		{
			query:   "check ECA compliance",
			intent:  agents.IntentComplianceCheck,
			worker:  agents.Route,
			minConf: 0,
			maxConf: 29,
			missing: []string{"origin", "destination"},
		},
		{
			query:   "Does MV Ocean Pearl have enough fuel?",
			intent:  agents.IntentFuelMargin,
			worker:  agents.VesselInfo,
			minConf: 80,
			maxConf: 100,
			params:  map[string]string{"vessel": "Ocean Pearl"},
		},
		{
			query:   "what is my ROB",
			intent:  agents.IntentFuelMargin,
			worker:  agents.VesselInfo,
			minConf: 0,
			maxConf: 29,
			missing: []string{"vessel"},
		},
		{
			query:   "which vessel should we use from Houston to Santos",
			intent:  agents.IntentVesselSelection,
			worker:  agents.Route,
			minConf: 85,
			maxConf: 100,
			params:  map[string]string{"origin": "USHOU", "destination": "BRSSZ"},
		},
		{
			query:   "SGSIN to NLRTM",
			intent:  agents.IntentRouteCalculation,
			worker:  agents.Route,
			minConf: 98,
			maxConf: 98,
		},
		{
			query:   "distance between Busan and Long Beach",
			intent:  agents.IntentRouteCalculation,
			worker:  agents.Route,
			minConf: 72,
			maxConf: 72,
			params:  map[string]string{"origin": "KRPUS", "destination": "Long Beach"},
		},
		{
			query:   "route from port A to port B",
			intent:  agents.IntentRouteCalculation,
			worker:  agents.Route,
			minConf: 0,
			maxConf: 29,
			missing: []string{"origin", "destination"},
		},
		{
			query:   "route to Rotterdam",
			intent:  agents.IntentRouteCalculation,
			worker:  agents.Route,
			minConf: 20,
			maxConf: 29,
			missing: []string{"origin"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			res := m.MatchPattern(tc.query)
			require.True(t, res.Matched)
			assert.Equal(t, tc.intent, res.IntentType)
			assert.Equal(t, tc.worker, res.RecommendedWorker)
			assert.GreaterOrEqual(t, res.Confidence, tc.minConf)
			assert.LessOrEqual(t, res.Confidence, tc.maxConf)
			for k, v := range tc.params {
				assert.Equal(t, v, res.ExtractedParams[k], k)
			}
			if tc.missing != nil {
				assert.Equal(t, tc.missing, res.Missing)
			}
		})
	}
}

func TestGenericQueryIsAmbiguous(t *testing.T) {
	m := newTestMatcher(t, nil)
	res := m.Match(context.Background(), "help me plan my next voyage", "c-1")
	assert.False(t, res.Matched)
	assert.Equal(t, agents.IntentAmbiguous, res.IntentType)
	assert.Equal(t, 0, res.Confidence)

	assert.False(t, m.MatchPattern("   ").Matched)
}

func TestLLMFallbackAccepted(t *testing.T) {
	cls := &fakeClassifier{out: llm.Classification{
		AgentID:         "bunker_agent",
		Confidence:      0.86,
		ExtractedParams: map[string]string{"origin": "Singapore"},
	}}
	m := newTestMatcher(t, cls)

	res := m.Match(context.Background(), "plan my voyage economically", "c-1")
	assert.True(t, res.Matched)
	assert.Equal(t, agents.IntentBunkerPlanning, res.IntentType)
	assert.Equal(t, agents.Bunker, res.RecommendedWorker)
	assert.Equal(t, 86, res.Confidence)
	assert.Equal(t, "SGSIN", res.ExtractedParams["origin"])
	assert.Equal(t, SourceLLM, res.Source)
}

func TestLLMFallbackBelowFloorStaysAmbiguous(t *testing.T) {
	for _, conf := range []float64{0.5, 0.7} {
		cls := &fakeClassifier{out: llm.Classification{AgentID: "route_agent", Confidence: conf}}
		m := newTestMatcher(t, cls)
		res := m.Match(context.Background(), "plan my voyage", "c-1")
		assert.False(t, res.Matched, "confidence %v", conf)
		assert.Equal(t, 0, res.Confidence)
	}
}

func TestLLMFallbackUnknownLabel(t *testing.T) {
	cls := &fakeClassifier{out: llm.Classification{AgentID: "cargo_agent", Confidence: 0.99}}
	m := newTestMatcher(t, cls)
	res := m.Match(context.Background(), "plan my voyage", "c-1")
	assert.False(t, res.Matched)
	assert.Equal(t, agents.IntentAmbiguous, res.IntentType)
}

func TestLLMFailureDegrades(t *testing.T) {
	m := newTestMatcher(t, &fakeClassifier{err: errors.New("timeout")})
	res := m.Match(context.Background(), "plan my voyage", "c-1")
	assert.False(t, res.Matched)
	assert.Equal(t, 0, res.Confidence)

	m = newTestMatcher(t, &fakeClassifier{panic: true})
	res = m.Match(context.Background(), "plan my voyage", "c-1")
	assert.False(t, res.Matched)
}

func TestPatternMatchSkipsClassifier(t *testing.T) {
	cls := &fakeClassifier{}
	m := newTestMatcher(t, cls)
	m.Match(context.Background(), "weather at Singapore", "c-1")
	assert.Equal(t, int32(0), atomic.LoadInt32(&cls.calls))
}

func TestWarmCacheYieldsIdenticalMatch(t *testing.T) {
	cls := &fakeClassifier{out: llm.Classification{
		AgentID:    "weather_agent",
		Confidence: 0.91,
		LatencyMS:  420,
		Reasoning:  "asks about sea conditions",
	}}
	m := newTestMatcher(t, cls)

	first := m.Match(context.Background(), "Will it be rough near the Cape?", "c-1")
	second := m.Match(context.Background(), "will it be  rough near the cape?", "c-2")

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&cls.calls))
}

func TestResolvePort(t *testing.T) {
	assert.Equal(t, 98, ResolvePort("SGSIN").Score)
	assert.Equal(t, 92, ResolvePort("singapore").Score)
	assert.Equal(t, 92, ResolvePort("Port of Rotterdam").Score)
	assert.Equal(t, "INNSA", ResolvePort("Mumbai").Code)
	assert.Equal(t, 72, ResolvePort("Long Beach").Score)
	assert.Equal(t, 50, ResolvePort("nowhere special").Score)
	assert.Equal(t, 15, ResolvePort("there").Score)
	assert.Equal(t, 0, ResolvePort("").Score)
}
