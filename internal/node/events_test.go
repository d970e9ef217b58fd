package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func drainOne(t *testing.T, q *eventQueue) Event {
	t.Helper()
	select {
	case ev := <-q.out:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	return Event{}
}

func TestEventQueueOrder(t *testing.T) {
	q := newEventQueue(8)
	q.push(Event{Kind: KindStarted})
	q.push(Event{Kind: KindMessageReceived, Text: "a"})
	q.push(Event{Kind: KindMessageReceived, Text: "b"})

	require.Equal(t, KindStarted, drainOne(t, q).Kind)
	require.Equal(t, "a", drainOne(t, q).Text)
	require.Equal(t, "b", drainOne(t, q).Text)
	q.close()
}

func TestEventQueueOverflowDropsOldestNonCritical(t *testing.T) {
	// No consumer reads while we overflow: the dispatcher holds a few
	// events in its channel buffer, the rest queue up.
	q := newEventQueue(4)
	q.push(Event{Kind: KindSOSReceived, Text: "keep"})
	for i := 0; i < 40; i++ {
		q.push(Event{Kind: KindMessageReceived, Progress: i})
	}

	// The critical SOS must still be in the stream.
	found := false
	deadline := time.After(2 * time.Second)
	for !found {
		select {
		case ev, ok := <-q.out:
			if !ok {
				t.Fatal("queue closed before SOS surfaced")
			}
			if ev.Kind == KindSOSReceived {
				found = true
			}
		case <-deadline:
			t.Fatal("SOS was dropped")
		}
	}
	q.close()
}

func TestEventQueueCriticalNeverDropped(t *testing.T) {
	q := newEventQueue(2)
	for i := 0; i < 10; i++ {
		q.push(Event{Kind: KindPeerConnected, Progress: i})
	}
	// All ten must come out despite cap 2: critical events grow the queue.
	for i := 0; i < 10; i++ {
		ev := drainOne(t, q)
		require.Equal(t, KindPeerConnected, ev.Kind)
		require.Equal(t, i, ev.Progress)
	}
	q.close()
}

func TestEventQueueClosesAfterDrain(t *testing.T) {
	q := newEventQueue(4)
	q.push(Event{Kind: KindStopped})
	q.close()

	require.Equal(t, KindStopped, drainOne(t, q).Kind)
	select {
	case _, ok := <-q.out:
		require.False(t, ok, "channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close")
	}
}
