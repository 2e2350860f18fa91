package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/tracing"
)

var (
	// ErrLLMUnavailable covers transport errors, non-2xx replies, an open
	// breaker and rate limiter waits that outlive the context.
	ErrLLMUnavailable = errors.New("llm service unavailable")

	// ErrBadResponse is returned when the service replies with a body that
	// cannot be decoded.
	ErrBadResponse = errors.New("llm service returned a malformed response")
)

const (
	classifyPath = "/agent/classify"
	reasonPath   = "/agent/reason"
)

// Classification is the LLM's reading of a query.
type Classification struct {
	AgentID         string            `json:"agent_id"`
	Intent          string            `json:"intent"`
	Confidence      float64           `json:"confidence"`
	ExtractedParams map[string]string `json:"extracted_params,omitempty"`
	Reasoning       string            `json:"reasoning,omitempty"`
	LatencyMS       int64             `json:"latency_ms"`
	CacheHit        bool              `json:"cache_hit"`
	CostUSD         float64           `json:"cost_usd"`
}

// Classifier labels a query with a worker and a 0..1 confidence.
type Classifier interface {
	Classify(ctx context.Context, text, correlationID string) (Classification, error)
}

// ReasoningRequest is the context handed to the reasoner for one step.
type ReasoningRequest struct {
	CorrelationID  string                       `json:"correlation_id"`
	Query          string                       `json:"query"`
	OriginalIntent string                       `json:"original_intent,omitempty"`
	Available      []state.ArtifactKind         `json:"available_artifacts"`
	WorkerStatus   map[string]state.WorkerStatus `json:"worker_status"`
	WorkerErrors   map[string]state.WorkerError  `json:"worker_errors,omitempty"`
	Trace          []state.ReasoningStep        `json:"reasoning_trace,omitempty"`
	Workers        []string                     `json:"workers"`
}

// ReasoningProposal is the reasoner's next move.
type ReasoningProposal struct {
	Thought  string            `json:"thought"`
	Action   string            `json:"action"`
	Worker   string            `json:"worker,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	Question string            `json:"question,omitempty"`
	CostUSD  float64           `json:"cost_usd"`
}

// Reasoner proposes one reasoning step.
type Reasoner interface {
	Reason(ctx context.Context, req ReasoningRequest) (ReasoningProposal, error)
}

// Config configures the HTTP client.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// Client talks to the LLM service over HTTP. It implements Classifier and
// Reasoner.
type Client struct {
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient builds a client. An empty base URL falls back to the in-cluster
// service name.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "http://llm-service:8000"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Client{
		baseURL: base,
		http: circuitbreaker.NewHTTPWrapper(
			&http.Client{Timeout: cfg.Timeout},
			"llm", "voyage-orchestrator",
			circuitbreaker.GetLLMConfig(), logger,
		),
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger,
	}
}

// Classify asks the service which worker should handle text.
func (c *Client) Classify(ctx context.Context, text, correlationID string) (Classification, error) {
	var out Classification
	start := time.Now()
	err := c.post(ctx, classifyPath, correlationID, map[string]interface{}{
		"query":          text,
		"correlation_id": correlationID,
	}, &out)
	if err != nil {
		return Classification{}, err
	}
	if out.LatencyMS == 0 {
		out.LatencyMS = time.Since(start).Milliseconds()
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return Classification{}, fmt.Errorf("%w: confidence %v outside 0..1", ErrBadResponse, out.Confidence)
	}
	return out, nil
}

// Reason asks the service for the next reasoning step.
func (c *Client) Reason(ctx context.Context, req ReasoningRequest) (ReasoningProposal, error) {
	var out ReasoningProposal
	if err := c.post(ctx, reasonPath, req.CorrelationID, req, &out); err != nil {
		return ReasoningProposal{}, err
	}
	if out.Action == "" {
		return ReasoningProposal{}, fmt.Errorf("%w: missing action", ErrBadResponse)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path, correlationID string, payload, out interface{}) error {
	start := time.Now()
	status := "error"
	defer func() {
		metrics.RecordLLMRequest(path, status, time.Since(start).Seconds())
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		status = "rate_limited"
		return fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, c.baseURL+path)
	defer span.End()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			status = "breaker_open"
		}
		return fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status = fmt.Sprintf("%d", resp.StatusCode)
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: status %d: %s", ErrLLMUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		status = "bad_response"
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	status = "ok"
	return nil
}
