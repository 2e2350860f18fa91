package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/tracing"
)

// Request is the body POSTed to a domain service.
type Request struct {
	CorrelationID string            `json:"correlation_id"`
	Worker        string            `json:"worker"`
	Query         string            `json:"query"`
	Inputs        map[string]string `json:"inputs"`
	Artifacts     state.Artifacts   `json:"domain_artifacts"`
}

// Response is what a domain service returns. Artifacts are keyed by kind.
type Response struct {
	Artifacts map[state.ArtifactKind]json.RawMessage `json:"artifacts"`
	Params    map[string]string                      `json:"params,omitempty"`
	Summary   string                                 `json:"summary,omitempty"`
	Error     string                                 `json:"error,omitempty"`
}

// HTTPWorker delegates to an external domain service over HTTP.
type HTTPWorker struct {
	name     string
	endpoint string
	client   *circuitbreaker.HTTPWrapper
	logger   *zap.Logger
	now      func() time.Time
}

// NewHTTPWorker creates a worker calling endpoint. Each worker gets its own
// breaker so one failing service does not block the others.
func NewHTTPWorker(name, endpoint string, timeout time.Duration, logger *zap.Logger) *HTTPWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := circuitbreaker.NewHTTPWrapper(
		&http.Client{Timeout: timeout},
		"worker-"+name, "voyage-orchestrator",
		circuitbreaker.GetWorkerConfig(), logger,
	)
	return &HTTPWorker{
		name:     name,
		endpoint: endpoint,
		client:   client,
		logger:   logger,
		now:      time.Now,
	}
}

func (w *HTTPWorker) Name() string { return w.name }

// Run always returns an update carrying the worker's status. On failure the
// update records the error and the error is also returned.
func (w *HTTPWorker) Run(ctx context.Context, s *state.WorkflowState) (state.Update, error) {
	resp, err := w.call(ctx, s)
	if err != nil {
		werr := &WorkerError{Worker: w.name, Cause: err}
		return Failure(w.name, werr, w.now()), werr
	}

	var artifacts state.Artifacts
	for kind, raw := range resp.Artifacts {
		opt, err := state.Some(raw)
		if err != nil {
			werr := &WorkerError{Worker: w.name, Cause: fmt.Errorf("%w: %v", ErrInvalidOutput, err)}
			return Failure(w.name, werr, w.now()), werr
		}
		if err := artifacts.Set(kind, opt); err != nil {
			werr := &WorkerError{Worker: w.name, Cause: fmt.Errorf("%w: %v", ErrInvalidOutput, err)}
			return Failure(w.name, werr, w.now()), werr
		}
	}

	summary := resp.Summary
	if summary == "" {
		summary = fmt.Sprintf("%s produced %d artifacts", w.name, len(resp.Artifacts))
	}
	u := Success(w.name, artifacts, summary)
	u.Params = resp.Params
	return u, nil
}

func (w *HTTPWorker) call(ctx context.Context, s *state.WorkflowState) (Response, error) {
	body, err := json.Marshal(Request{
		CorrelationID: s.CorrelationID,
		Worker:        w.name,
		Query:         s.Query,
		Inputs:        s.Inputs(w.name),
		Artifacts:     s.Artifacts,
	})
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, w.endpoint)
	defer span.End()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", s.CorrelationID)
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	w.logger.Debug("Worker service responded",
		zap.String("correlation_id", s.CorrelationID),
		zap.String("worker", w.name),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Response{}, fmt.Errorf("%s returned %d: %s", w.endpoint, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if out.Error != "" {
		return Response{}, fmt.Errorf("%s: %s", w.name, out.Error)
	}
	if len(out.Artifacts) == 0 {
		return Response{}, fmt.Errorf("%w: no artifacts", ErrInvalidOutput)
	}
	return out, nil
}
