package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
)

func TestClassify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, classifyPath, r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "c-1", r.Header.Get("X-Correlation-ID"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "plan my voyage", body["query"])

		_ = json.NewEncoder(w).Encode(Classification{
			AgentID:    "bunker_agent",
			Intent:     "bunker_planning",
			Confidence: 0.84,
			CostUSD:    0.0004,
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/", Timeout: time.Second}, zaptest.NewLogger(t))
	out, err := c.Classify(context.Background(), "plan my voyage", "c-1")
	require.NoError(t, err)
	assert.Equal(t, "bunker_agent", out.AgentID)
	assert.InDelta(t, 0.84, out.Confidence, 1e-9)
	assert.GreaterOrEqual(t, out.LatencyMS, int64(0))
}

func TestClassifyRejectsOutOfRangeConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"agent_id":"route","confidence":84}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zaptest.NewLogger(t))
	_, err := c.Classify(context.Background(), "q", "c")
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestClassifyServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zaptest.NewLogger(t))
	_, err := c.Classify(context.Background(), "q", "c")
	assert.ErrorIs(t, err, ErrLLMUnavailable)
	assert.Contains(t, err.Error(), "503")
}

func TestClassifyMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zaptest.NewLogger(t))
	_, err := c.Classify(context.Background(), "q", "c")
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestClassifyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: url, Timeout: 200 * time.Millisecond}, zaptest.NewLogger(t))
	_, err := c.Classify(context.Background(), "q", "c")
	assert.ErrorIs(t, err, ErrLLMUnavailable)
}

func TestReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, reasonPath, r.URL.Path)
		var req ReasoningRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "bunker_planning", req.OriginalIntent)
		assert.Equal(t, state.StatusFailed, req.WorkerStatus["bunker"])

		_ = json.NewEncoder(w).Encode(ReasoningProposal{
			Thought: "bunker failed on port list, widen deviation",
			Action:  "call_worker",
			Worker:  "bunker",
			Params:  map[string]string{"max_deviation_nm": "200"},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zaptest.NewLogger(t))
	out, err := c.Reason(context.Background(), ReasoningRequest{
		CorrelationID:  "c-1",
		OriginalIntent: "bunker_planning",
		WorkerStatus:   map[string]state.WorkerStatus{"bunker": state.StatusFailed},
	})
	require.NoError(t, err)
	assert.Equal(t, "call_worker", out.Action)
	assert.Equal(t, "200", out.Params["max_deviation_nm"])
}

func TestReasonMissingAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"thought":"hmm"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, zaptest.NewLogger(t))
	_, err := c.Reason(context.Background(), ReasoningRequest{})
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestRateLimiterHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"agent_id":"route","confidence":0.9}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, RatePerSecond: 0.001, Burst: 1}, zaptest.NewLogger(t))
	_, err := c.Classify(context.Background(), "q", "c")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Classify(ctx, "q", "c")
	assert.ErrorIs(t, err, ErrLLMUnavailable)
}
