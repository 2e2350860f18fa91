package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStateStartsEmpty(t *testing.T) {
	s := New("c-1", "weather at Singapore")

	require.Len(t, s.Conversation, 1)
	assert.Equal(t, RoleHuman, s.Conversation[0].Role)
	assert.Empty(t, s.Artifacts.Present())
	assert.Equal(t, StatusPending, s.Status("route"))
	assert.NoError(t, s.Validate())
}

func TestApplyReducers(t *testing.T) {
	s := New("c-1", "q")

	err := s.Apply(Update{
		Conversation: []Turn{AITurn("routing to route")},
		NextWorker:   StringPtr("route"),
		WorkerStatus: map[string]WorkerStatus{"route": StatusSuccess},
		Artifacts:    Artifacts{Route: MustSome(map[string]int{"nm": 8288})},
		Params:       map[string]string{"origin": "SGSIN"},
	})
	require.NoError(t, err)

	err = s.Apply(Update{
		Conversation: []Turn{ToolTurn("route", "done")},
		WorkerStatus: map[string]WorkerStatus{"bunker": StatusFailed},
		WorkerErrors: map[string]WorkerError{"bunker": {Message: "timeout"}},
		Params:       map[string]string{"destination": "NLRTM"},
	})
	require.NoError(t, err)

	assert.Len(t, s.Conversation, 3, "conversation appends")
	assert.Equal(t, "route", s.NextWorker, "absent field leaves value untouched")
	assert.True(t, s.Artifacts.Has(ArtifactRoute), "absent artifact does not clear a present one")
	assert.Equal(t, StatusSuccess, s.Status("route"))
	assert.Equal(t, StatusFailed, s.Status("bunker"))
	assert.Equal(t, []string{"bunker"}, s.FailedWorkers())
	assert.Equal(t, "SGSIN", s.Param("origin"))
	assert.Equal(t, "NLRTM", s.Param("destination"))
}

func TestApplyReplacesPresentArtifact(t *testing.T) {
	s := New("c-1", "q")
	require.NoError(t, s.Apply(Update{Artifacts: Artifacts{Weather: MustSome("calm")}}))
	require.NoError(t, s.Apply(Update{Artifacts: Artifacts{Weather: MustSome("gale")}}))

	var got string
	require.NoError(t, s.Artifacts.Weather.Decode(&got))
	assert.Equal(t, "gale", got)
}

func TestOriginalIntentFirstWriteWins(t *testing.T) {
	s := New("c-1", "q")

	require.NoError(t, s.Apply(Update{OriginalIntent: "ambiguous"}))
	assert.Empty(t, s.OriginalIntent, "ambiguous never sticks")

	require.NoError(t, s.Apply(Update{OriginalIntent: "bunker_planning"}))
	require.NoError(t, s.Apply(Update{OriginalIntent: "weather_forecast"}))
	assert.Equal(t, "bunker_planning", s.OriginalIntent)
}

func TestApplyRejectsOutOfOrderReasoning(t *testing.T) {
	s := New("c-1", "q")
	require.NoError(t, s.Apply(Update{ReasoningTrace: []ReasoningStep{{StepNumber: 1}}}))
	err := s.Apply(Update{ReasoningTrace: []ReasoningStep{{StepNumber: 1}}})
	assert.Error(t, err)
}

func TestArtifactsUnknownKind(t *testing.T) {
	var a Artifacts
	_, err := a.Get("cargo_manifest")
	assert.True(t, errors.Is(err, ErrUnknownArtifact))
	assert.False(t, a.Has("cargo_manifest"))
}

func TestOptionDecodeAbsent(t *testing.T) {
	var v map[string]interface{}
	assert.ErrorIs(t, None().Decode(&v), ErrAbsent)
}

func TestCloneIsDeep(t *testing.T) {
	s := New("c-1", "q")
	require.NoError(t, s.Apply(Update{
		WorkerStatus:   map[string]WorkerStatus{"route": StatusSuccess},
		Artifacts:      Artifacts{Route: MustSome("r")},
		ReasoningTrace: []ReasoningStep{{StepNumber: 1, ActionParams: map[string]string{"worker": "route"}}},
	}))

	cp := s.Clone()
	cp.WorkerStatus["route"] = StatusFailed
	cp.ReasoningTrace[0].ActionParams["worker"] = "bunker"
	cp.Artifacts.Route.Value[0] = 'x'

	assert.Equal(t, StatusSuccess, s.Status("route"))
	assert.Equal(t, "route", s.ReasoningTrace[0].ActionParams["worker"])
	assert.Equal(t, byte('"'), s.Artifacts.Route.Value[0])
}

func TestNewOverrideRejectsUnknownKeys(t *testing.T) {
	lookup := func(worker string) ([]string, bool) {
		if worker == "route" {
			return []string{"origin", "destination", "avoid_eca"}, true
		}
		return nil, false
	}

	ov, err := NewOverride("route", map[string]string{"avoid_eca": "true"}, "retry", lookup)
	require.NoError(t, err)
	assert.Equal(t, "true", ov.Params["avoid_eca"])

	_, err = NewOverride("route", map[string]string{"speed": "12", "zzz": "1"}, "", lookup)
	assert.ErrorIs(t, err, ErrUnknownOverrideKey)
	assert.Contains(t, err.Error(), "speed, zzz")

	_, err = NewOverride("cargo", nil, "", lookup)
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

func TestInputsOverlayOverrides(t *testing.T) {
	s := New("c-1", "q")
	s.Params["origin"] = "SGSIN"
	s.Overrides["route"] = Override{Worker: "route", Params: map[string]string{"origin": "MYPKG"}}

	assert.Equal(t, "MYPKG", s.Inputs("route")["origin"])
	assert.Equal(t, "SGSIN", s.Inputs("weather")["origin"])
}

func TestRoleTextRoundTrip(t *testing.T) {
	b, err := RoleTool.MarshalText()
	require.NoError(t, err)
	var r Role
	require.NoError(t, r.UnmarshalText(b))
	assert.Equal(t, RoleTool, r)
	assert.Error(t, r.UnmarshalText([]byte("robot")))
}
