package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
)

// ErrNotFound is returned when no checkpoint exists for a correlation id.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists workflow state between executor steps.
type Store interface {
	Save(ctx context.Context, correlationID string, s *state.WorkflowState) error
	Load(ctx context.Context, correlationID string) (*state.WorkflowState, error)
}

// Backend names used in config and metrics.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

func encode(correlationID string, s *state.WorkflowState) ([]byte, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("checkpoint requires a correlation id")
	}
	if s == nil {
		return nil, fmt.Errorf("checkpoint %s: nil state", correlationID)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %s: %w", correlationID, err)
	}
	return data, nil
}

func decode(correlationID string, data []byte) (*state.WorkflowState, error) {
	var s state.WorkflowState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", correlationID, err)
	}
	return &s, nil
}

func observe(backend, op string, err error) {
	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	metrics.CheckpointOps.WithLabelValues(backend, op, status).Inc()
}

// MemoryStore keeps encoded checkpoints in process. Values are stored as
// JSON so callers never share state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Save(ctx context.Context, correlationID string, s *state.WorkflowState) (err error) {
	defer func() { observe(BackendMemory, "save", err) }()
	data, err := encode(correlationID, s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[correlationID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, correlationID string) (s *state.WorkflowState, err error) {
	defer func() { observe(BackendMemory, "load", err) }()
	m.mu.RLock()
	data, ok := m.data[correlationID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(correlationID, data)
}

// Len returns the number of stored checkpoints.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Ping always succeeds for the in-process store.
func (m *MemoryStore) Ping(context.Context) error { return nil }
