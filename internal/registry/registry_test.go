package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
)

func TestNewRejectsEmpty(t *testing.T) {
	_, err := New(zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrEmptyRegistry)
}

func TestNewRejectsInvalidEntries(t *testing.T) {
	logger := zaptest.NewLogger(t)

	cases := map[string]Entry{
		"no name":       {Produces: state.ArtifactRoute},
		"reserved name": {Name: agents.Supervisor, Produces: state.ArtifactRoute},
		"no output":     {Name: "x"},
		"bad output":    {Name: "x", Produces: "cargo"},
		"self require":  {Name: "x", Produces: state.ArtifactRoute, Requires: []state.ArtifactKind{state.ArtifactRoute}},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(logger, e)
			assert.ErrorIs(t, err, ErrInvalidAgent)
		})
	}

	dup := Entry{Name: "x", Produces: state.ArtifactRoute}
	_, err := New(logger, dup, dup)
	assert.ErrorIs(t, err, ErrInvalidAgent)
}

func TestDefaultRegistryLookups(t *testing.T) {
	r := Default(zaptest.NewLogger(t))

	assert.Equal(t, len(agents.Workers()), r.Len())
	for _, w := range agents.Workers() {
		_, err := r.GetAgent(w)
		assert.NoError(t, err, w)
	}

	_, err := r.GetAgent("cargo")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	assert.True(t, r.IsDeterministicAgent(agents.Route))
	assert.False(t, r.IsDeterministicAgent(agents.EntityExtraction))
	assert.False(t, r.IsDeterministicAgent("cargo"))

	kind, ok := r.Produces(agents.Bunker)
	assert.True(t, ok)
	assert.Equal(t, state.ArtifactBunkerAnalysis, kind)

	producer, ok := r.Producer(state.ArtifactVesselProfile)
	assert.True(t, ok)
	assert.Equal(t, agents.VesselInfo, producer)

	params, ok := r.Params(agents.Route)
	assert.True(t, ok)
	assert.Contains(t, params, "origin")
}

func TestPrerequisites(t *testing.T) {
	r := Default(zaptest.NewLogger(t))
	bunker, err := r.GetAgent(agents.Bunker)
	require.NoError(t, err)

	s := state.New("c", "q")
	assert.False(t, bunker.PrerequisitesMet(s))
	assert.Equal(t, []state.ArtifactKind{state.ArtifactRoute}, bunker.MissingPrerequisites(s))

	s.Artifacts.Route = state.MustSome("r")
	assert.True(t, bunker.PrerequisitesMet(s))
}

func TestLoadOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	doc := `
agents:
  - name: weather
    capabilities: [weather_forecast]
    tools: [fetch_marine_weather, fetch_swell]
    is_deterministic: false
    produces: weather
    params: [location]
  - name: port_congestion
    tools: [fetch_congestion]
    is_deterministic: true
    requires: [route]
    produces: compliance
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	r, err := Load(Config{Path: path}, zaptest.NewLogger(t))
	require.NoError(t, err)

	w, err := r.GetAgent(agents.Weather)
	require.NoError(t, err)
	assert.False(t, w.IsDeterministic)
	assert.Len(t, w.Tools, 2)

	_, err = r.GetAgent("port_congestion")
	assert.NoError(t, err)

	// first registration keeps ownership of the artifact
	producer, _ := r.Producer(state.ArtifactCompliance)
	assert.Equal(t, agents.Compliance, producer)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	r, err := Load(Config{Path: filepath.Join(t.TempDir(), "none.yaml")}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, len(DefaultEntries()), r.Len())

	_, err = Load(Config{Path: filepath.Join(t.TempDir(), "none.yaml"), DisableDefaults: true}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
