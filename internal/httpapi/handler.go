package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/checkpoint"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/workflows"
)

// HeaderCorrelationID carries the request's correlation id in both directions.
const HeaderCorrelationID = "X-Correlation-ID"

const maxQueryBody = 64 << 10

// Runner executes one voyage query.
type Runner interface {
	Run(ctx context.Context, correlationID, query string) (*state.WorkflowState, error)
}

// QueryRequest is the body of POST /v1/voyage/query.
type QueryRequest struct {
	Query         string `json:"query"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Answer is returned for a finished query.
type Answer struct {
	CorrelationID         string                        `json:"correlation_id"`
	Outcome               string                        `json:"outcome"`
	Final                 *state.FinalResult            `json:"final,omitempty"`
	Artifacts             state.Artifacts               `json:"artifacts"`
	NeedsClarification    bool                          `json:"needs_clarification"`
	ClarificationQuestion string                        `json:"clarification_question,omitempty"`
	WorkerStatus          map[string]state.WorkerStatus `json:"worker_status,omitempty"`
	ReasoningTrace        []state.ReasoningStep         `json:"reasoning_trace,omitempty"`
}

// NewAnswer projects a finished state into the response shape.
func NewAnswer(s *state.WorkflowState) Answer {
	return Answer{
		CorrelationID:         s.CorrelationID,
		Outcome:               workflows.Outcome(s),
		Final:                 s.Final,
		Artifacts:             s.Artifacts,
		NeedsClarification:    s.NeedsClarification,
		ClarificationQuestion: s.ClarificationQuestion,
		WorkerStatus:          s.WorkerStatus,
		ReasoningTrace:        s.ReasoningTrace,
	}
}

// VoyageHandler serves the query and checkpoint endpoints.
type VoyageHandler struct {
	runner Runner
	store  checkpoint.Store
	idem   *Idempotency
	logger *zap.Logger

	// inflight holds the correlation ids this process is running.
	inflight sync.Map
}

func NewVoyageHandler(runner Runner, store checkpoint.Store, logger *zap.Logger) *VoyageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VoyageHandler{runner: runner, store: store, logger: logger}
}

// WithIdempotency enables Idempotency-Key handling on the query route.
func (h *VoyageHandler) WithIdempotency(i *Idempotency) *VoyageHandler {
	h.idem = i
	return h
}

// RegisterRoutes registers the voyage routes on mux.
func (h *VoyageHandler) RegisterRoutes(mux *http.ServeMux) {
	var query http.Handler = http.HandlerFunc(h.handleQuery)
	if h.idem != nil {
		query = h.idem.Middleware(query)
	}
	mux.Handle("POST /v1/voyage/query", instrument("query", query))
	mux.Handle("GET /v1/voyage/checkpoints/{id}", instrument("checkpoint", http.HandlerFunc(h.handleCheckpoint)))
}

// handleQuery runs a query to completion.
// POST /v1/voyage/query
func (h *VoyageHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxQueryBody)
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query required")
		return
	}

	id := req.CorrelationID
	if id == "" {
		id = r.Header.Get(HeaderCorrelationID)
	}
	if id == "" {
		id = uuid.New().String()
	} else if h.inProgress(r.Context(), id) {
		writeError(w, http.StatusConflict, "correlation id is in use by an unfinished query")
		return
	}
	if _, busy := h.inflight.LoadOrStore(id, struct{}{}); busy {
		writeError(w, http.StatusConflict, "correlation id is in use by an unfinished query")
		return
	}
	defer h.inflight.Delete(id)
	w.Header().Set(HeaderCorrelationID, id)

	s, err := h.runner.Run(r.Context(), id, req.Query)
	if err != nil {
		if errors.Is(err, workflows.ErrEmptyQuery) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Voyage query failed", zap.String("correlation_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, NewAnswer(s))
}

// inProgress reports whether a client-supplied id already has an unfinalized
// checkpoint. A finalized id may be reused; the new query replaces its
// checkpoint and event history.
func (h *VoyageHandler) inProgress(ctx context.Context, id string) bool {
	if h.store == nil {
		return false
	}
	s, err := h.store.Load(ctx, id)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		return false
	case err != nil:
		h.logger.Warn("Checkpoint lookup failed, accepting correlation id",
			zap.String("correlation_id", id),
			zap.Error(err),
		)
		return false
	}
	return s.Final == nil
}

// handleCheckpoint returns the stored state for a correlation id.
// GET /v1/voyage/checkpoints/{id}
func (h *VoyageHandler) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, err := h.store.Load(r.Context(), id)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		writeError(w, http.StatusNotFound, "checkpoint not found")
		return
	case err != nil:
		h.logger.Warn("Checkpoint lookup failed", zap.String("correlation_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "checkpoint lookup failed")
		return
	}
	w.Header().Set(HeaderCorrelationID, id)
	writeJSON(w, http.StatusOK, s)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}
