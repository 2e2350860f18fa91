package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	// Push 4 events, which will overwrite the first
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	evs := r.since(0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[2].Seq)

	evs = r.since(2)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[1].Seq)
}

func TestManagerPublishSubscribe(t *testing.T) {
	m := NewManager(Options{Capacity: 8}, zaptest.NewLogger(t))
	ch := m.Subscribe("c-1", 4)
	other := m.Subscribe("c-2", 4)

	m.Publish("c-1", Event{Type: EventNodeStarted, Node: "supervisor"})

	select {
	case evt := <-ch:
		assert.Equal(t, "c-1", evt.CorrelationID)
		assert.Equal(t, EventNodeStarted, evt.Type)
		assert.Equal(t, uint64(1), evt.Seq)
		assert.NotEmpty(t, evt.ID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	assert.Len(t, other, 0)

	m.Unsubscribe("c-1", ch)
	_, open := <-ch
	assert.False(t, open)
	// Unsubscribing twice is harmless.
	m.Unsubscribe("c-1", ch)
	m.Unsubscribe("c-2", other)
}

func TestManagerReplayIsPerStream(t *testing.T) {
	m := NewManager(Options{Capacity: 5}, zaptest.NewLogger(t))
	for i := 0; i < 7; i++ {
		m.Publish("c-1", Event{Type: EventReasoningStep})
	}
	m.Publish("c-2", Event{Type: EventFinalized})

	evs := m.ReplaySince("c-1", 3)
	require.Len(t, evs, 4)
	for _, e := range evs {
		assert.Greater(t, e.Seq, uint64(3))
	}
	assert.Len(t, m.ReplaySince("c-1", 0), 5)
	require.Len(t, m.ReplaySince("c-2", 0), 1)
	assert.Equal(t, uint64(1), m.ReplaySince("c-2", 0)[0].Seq)
	assert.Nil(t, m.ReplaySince("unknown", 0))
}

func TestManagerSlowSubscriberDoesNotBlock(t *testing.T) {
	m := NewManager(Options{}, zaptest.NewLogger(t))
	ch := m.Subscribe("c-1", 1)
	defer m.Unsubscribe("c-1", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Publish("c-1", Event{Type: EventNodeStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, m.ReplaySince("c-1", 0), 10)
}

func TestManagerEvictsOldestStreams(t *testing.T) {
	m := NewManager(Options{Capacity: 4, MaxStreams: 2}, zaptest.NewLogger(t))
	m.Publish("a", Event{})
	m.Publish("b", Event{})
	m.Publish("c", Event{})

	assert.Nil(t, m.ReplaySince("a", 0))
	assert.Len(t, m.ReplaySince("b", 0), 1)
	assert.Len(t, m.ReplaySince("c", 0), 1)
}

func TestManagerKeepsSubscribedStreamOnEviction(t *testing.T) {
	m := NewManager(Options{Capacity: 4, MaxStreams: 1}, zaptest.NewLogger(t))
	ch := m.Subscribe("a", 8)
	defer m.Unsubscribe("a", ch)

	m.Publish("a", Event{Type: EventNodeStarted})
	m.Publish("b", Event{Type: EventNodeStarted})
	m.Publish("a", Event{Type: EventFinalized})

	first := <-ch
	second := <-ch
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Len(t, m.ReplaySince("a", 0), 2)

	// Once "a" has no subscriber it is the first to go.
	m.Unsubscribe("a", ch)
	m.Publish("c", Event{})
	assert.Nil(t, m.ReplaySince("a", 0))
	assert.Nil(t, m.ReplaySince("b", 0))
	assert.Len(t, m.ReplaySince("c", 0), 1)
}
