package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/metrics"
)

const (
	// HeaderIdempotencyKey makes a POST safe to retry.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay is set on responses served from the store.
	HeaderIdempotentReplay = "Idempotent-Replayed"

	idempotencyPrefix = "voyage:idem:"
	pendingMarker     = "pending"
	maxKeyLength      = 255
)

// storedResponse is what the store keeps per key.
type storedResponse struct {
	Status        int    `json:"status"`
	Body          []byte `json:"body"`
	ContentType   string `json:"content_type,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Idempotency replays the first response for a repeated Idempotency-Key.
// Redis errors fail open: the request is served without replay protection.
type Idempotency struct {
	client     redis.UniversalClient
	ttl        time.Duration
	pendingTTL time.Duration
	logger     *zap.Logger
}

func NewIdempotency(client redis.UniversalClient, ttl, pendingTTL time.Duration, logger *zap.Logger) *Idempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if pendingTTL <= 0 {
		pendingTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Idempotency{client: client, ttl: ttl, pendingTTL: pendingTTL, logger: logger}
}

// Middleware wraps POST handlers. Requests without the header pass through.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderIdempotencyKey)
		if r.Method != http.MethodPost || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxKeyLength {
			writeError(w, http.StatusBadRequest, "idempotency key too long")
			return
		}
		ctx := r.Context()
		rkey := idempotencyPrefix + key

		acquired, err := i.client.SetNX(ctx, rkey, pendingMarker, i.pendingTTL).Result()
		if err != nil {
			i.logger.Warn("Idempotency store unavailable", zap.String("key", key), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !acquired {
			i.replay(ctx, w, rkey, key)
			return
		}

		rec := &bufferingWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		// Server errors are not remembered so the client can retry.
		if rec.code >= http.StatusInternalServerError {
			i.client.Del(context.WithoutCancel(ctx), rkey)
			return
		}
		data, err := json.Marshal(storedResponse{
			Status:        rec.code,
			Body:          rec.body.Bytes(),
			ContentType:   rec.Header().Get("Content-Type"),
			CorrelationID: rec.Header().Get(HeaderCorrelationID),
		})
		if err == nil {
			err = i.client.Set(context.WithoutCancel(ctx), rkey, data, i.ttl).Err()
		}
		if err != nil {
			i.logger.Warn("Failed to store idempotent response", zap.String("key", key), zap.Error(err))
		}
	})
}

func (i *Idempotency) replay(ctx context.Context, w http.ResponseWriter, rkey, key string) {
	raw, err := i.client.Get(ctx, rkey).Result()
	if err == redis.Nil || raw == pendingMarker {
		writeError(w, http.StatusConflict, "request with this idempotency key is in progress")
		return
	}
	if err != nil {
		i.logger.Warn("Idempotency lookup failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
		return
	}
	var stored storedResponse
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		i.logger.Warn("Corrupt idempotent response", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusConflict, "idempotency key already used")
		return
	}
	metrics.IdempotencyReplays.Inc()
	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	if stored.CorrelationID != "" {
		w.Header().Set(HeaderCorrelationID, stored.CorrelationID)
	}
	w.Header().Set(HeaderIdempotentReplay, "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Body)
}

// bufferingWriter writes through and keeps a copy of the body.
type bufferingWriter struct {
	http.ResponseWriter
	code int
	body bytes.Buffer
}

func (b *bufferingWriter) WriteHeader(code int) {
	b.code = code
	b.ResponseWriter.WriteHeader(code)
}

func (b *bufferingWriter) Write(p []byte) (int, error) {
	b.body.Write(p)
	return b.ResponseWriter.Write(p)
}
