package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/streaming"
)

const (
	subscriberBuffer = 256
	sseHeartbeat     = 15 * time.Second
)

// StreamingHandler serves executor events over SSE and WebSocket.
type StreamingHandler struct {
	mgr    *streaming.Manager
	logger *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, logger: logger}
}

// RegisterRoutes registers the stream routes on mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/sse", h.handleSSE)
	mux.HandleFunc("GET /stream/ws", h.handleWS)
}

// streamParams are the query parameters shared by both transports.
type streamParams struct {
	correlationID string
	types         map[string]struct{}
	lastID        uint64
}

func parseStreamParams(r *http.Request) (streamParams, bool) {
	q := r.URL.Query()
	p := streamParams{correlationID: q.Get("correlation_id"), types: map[string]struct{}{}}
	if p.correlationID == "" {
		return p, false
	}
	if s := q.Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				p.types[t] = struct{}{}
			}
		}
	}
	// Last-Event-ID wins over the query parameter.
	for _, raw := range []string{r.Header.Get("Last-Event-ID"), q.Get("last_event_id")} {
		if raw == "" {
			continue
		}
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			p.lastID = n
			break
		}
	}
	return p, true
}

func (p streamParams) wants(evt streaming.Event) bool {
	if len(p.types) == 0 {
		return true
	}
	_, ok := p.types[evt.Type]
	return ok
}

// handleSSE streams events for one request via Server-Sent Events.
// GET /stream/sse?correlation_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	p, ok := parseStreamParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "correlation_id required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before replaying so nothing published in between is lost.
	ch := h.mgr.Subscribe(p.correlationID, subscriberBuffer)
	defer h.mgr.Unsubscribe(p.correlationID, ch)

	fmt.Fprintf(w, ": connected to %s\n\n", p.correlationID)
	flusher.Flush()

	sent := p.lastID
	for _, evt := range h.mgr.ReplaySince(p.correlationID, p.lastID) {
		if p.wants(evt) {
			writeSSE(w, evt)
		}
		sent = evt.Seq
	}
	flusher.Flush()

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("correlation_id", p.correlationID))
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if evt.Seq <= sent || !p.wants(evt) {
				continue
			}
			sent = evt.Seq
			writeSSE(w, evt)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt streaming.Event) {
	if evt.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
	}
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
}
