package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/metrics"
)

// Event types published by the executor.
const (
	EventNodeStarted     = "node_started"
	EventWorkerCompleted = "worker_completed"
	EventWorkerFailed    = "worker_failed"
	EventSafetyOverride  = "safety_override"
	EventReasoningStep   = "reasoning_step"
	EventLoopBreaker     = "loop_breaker"
	EventBoundReached    = "bound_reached"
	EventFinalized       = "finalized"
)

// Event is one executor transition delivered over SSE and WebSocket.
type Event struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id"`
	Type          string            `json:"type"`
	Node          string            `json:"node,omitempty"`
	Worker        string            `json:"worker,omitempty"`
	Message       string            `json:"message,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Seq           uint64            `json:"seq"`
}

// Marshal encodes the event for the wire.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Sink receives executor events.
type Sink interface {
	Publish(correlationID string, evt Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(string, Event) {}

// Options configures a Manager.
type Options struct {
	// Capacity is the replay buffer per correlation id.
	Capacity int
	// MaxStreams bounds how many correlation ids keep history.
	MaxStreams int
}

// Manager is an in-memory pub/sub keyed by correlation id with a bounded
// replay buffer per stream.
type Manager struct {
	mu          sync.Mutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	seq         map[string]uint64
	order       []string
	capacity    int
	maxStreams  int
	logger      *zap.Logger
}

// NewManager creates a Manager.
func NewManager(opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 256
	}
	if opts.MaxStreams <= 0 {
		opts.MaxStreams = 1024
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		seq:         make(map[string]uint64),
		capacity:    opts.Capacity,
		maxStreams:  opts.MaxStreams,
		logger:      logger,
	}
}

// Subscribe adds a subscriber channel for a correlation id; caller must drain
// and call Unsubscribe.
func (m *Manager) Subscribe(correlationID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	subs := m.subscribers[correlationID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[correlationID] = subs
	}
	subs[ch] = struct{}{}
	m.mu.Unlock()
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(correlationID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[correlationID]
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(m.subscribers, correlationID)
	}
	metrics.StreamSubscribers.Dec()
}

// Publish assigns the next sequence number, records the event for replay and
// fans it out. Slow subscribers miss events rather than block the executor.
func (m *Manager) Publish(correlationID string, evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq[correlationID]++
	evt.Seq = m.seq[correlationID]
	evt.CorrelationID = correlationID
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	r := m.history[correlationID]
	if r == nil {
		r = newRing(m.capacity)
		m.history[correlationID] = r
		m.order = append(m.order, correlationID)
		m.evictLocked()
	}
	r.push(evt)

	for ch := range m.subscribers[correlationID] {
		select {
		case ch <- evt:
		default:
			m.logger.Debug("Dropping event for slow subscriber",
				zap.String("correlation_id", correlationID),
				zap.String("type", evt.Type),
				zap.Uint64("seq", evt.Seq),
			)
		}
	}
}

// evictLocked forgets the oldest streams once more than maxStreams have
// history. Streams with a live subscriber keep their history and numbering,
// so the limit can be exceeded while they stay connected.
func (m *Manager) evictLocked() {
	excess := len(m.order) - m.maxStreams
	if excess <= 0 {
		return
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if excess > 0 && len(m.subscribers[id]) == 0 {
			delete(m.history, id)
			delete(m.seq, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// ReplaySince returns buffered events with Seq greater than since.
func (m *Manager) ReplaySince(correlationID string, since uint64) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.history[correlationID]
	if r == nil {
		return nil
	}
	return r.since(since)
}

// ring is a fixed-size circular buffer of events.
type ring struct {
	buf   []Event
	start int
	count int
}

func newRing(n int) *ring { return &ring{buf: make([]Event, n)} }

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
