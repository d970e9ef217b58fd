package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"meshcore/internal/wire"
)

func envOf(t wire.MsgType) *wire.Envelope {
	return wire.NewEnvelope(t, wire.NodeID{1}, wire.NodeID{2}, 1, nil)
}

func TestPriorityClasses(t *testing.T) {
	require.Equal(t, PrioControl, PriorityOf(wire.TypePing))
	require.Equal(t, PrioControl, PriorityOf(wire.TypeKeyExchange))
	require.Equal(t, PrioSOS, PriorityOf(wire.TypeSOS))
	require.Equal(t, PrioPublicBroadcast, PriorityOf(wire.TypePublicBroadcast))
	require.Equal(t, PrioText, PriorityOf(wire.TypeText))
	require.Equal(t, PrioFile, PriorityOf(wire.TypeFileChunk))
	require.Equal(t, PrioVoiceNote, PriorityOf(wire.TypeVoiceNote))
	require.Equal(t, PrioAudioFrame, PriorityOf(wire.TypeAudioFrame))
}

func TestEnqueueDequeueFIFOWithinClass(t *testing.T) {
	q := newSendQueue(8)
	a := envOf(wire.TypeText)
	b := envOf(wire.TypeText)
	require.NoError(t, q.enqueue(a))
	require.NoError(t, q.enqueue(b))

	got, err := q.dequeue()
	require.NoError(t, err)
	require.Same(t, a, got)
	got, err = q.dequeue()
	require.NoError(t, err)
	require.Same(t, b, got)
}

func TestDequeuePriorityOrder(t *testing.T) {
	q := newSendQueue(8)
	audio := envOf(wire.TypeAudioFrame)
	sos := envOf(wire.TypeSOS)
	ping := envOf(wire.TypePing)
	require.NoError(t, q.enqueue(audio))
	require.NoError(t, q.enqueue(sos))
	require.NoError(t, q.enqueue(ping))

	for _, want := range []*wire.Envelope{ping, sos, audio} {
		got, err := q.dequeue()
		require.NoError(t, err)
		require.Same(t, want, got)
	}
}

// A queue full of audio frames must yield to an SOS by displacing the
// oldest frame.
func TestSOSDisplacesOldestAudio(t *testing.T) {
	q := newSendQueue(256)
	frames := make([]*wire.Envelope, 256)
	for i := range frames {
		frames[i] = envOf(wire.TypeAudioFrame)
		require.NoError(t, q.enqueue(frames[i]))
	}

	sos := envOf(wire.TypeSOS)
	require.NoError(t, q.enqueue(sos))

	size, dropped := q.stats()
	require.Equal(t, 256, size)
	require.Equal(t, uint64(1), dropped)

	got, err := q.dequeue()
	require.NoError(t, err)
	require.Same(t, sos, got)

	// The displaced frame was the oldest one.
	got, err = q.dequeue()
	require.NoError(t, err)
	require.Same(t, frames[1], got)
}

func TestLowPriorityCannotDisplaceHigher(t *testing.T) {
	q := newSendQueue(4)
	for i := 0; i < 4; i++ {
		require.NoError(t, q.enqueue(envOf(wire.TypeSOS)))
	}
	require.ErrorIs(t, q.enqueue(envOf(wire.TypeAudioFrame)), ErrQueueFull)
	require.ErrorIs(t, q.enqueue(envOf(wire.TypeText)), ErrQueueFull)
}

func TestControlNeverDropped(t *testing.T) {
	q := newSendQueue(4)
	for i := 0; i < 4; i++ {
		require.NoError(t, q.enqueue(envOf(wire.TypePing)))
	}
	// Even an SOS cannot displace control.
	require.ErrorIs(t, q.enqueue(envOf(wire.TypeSOS)), ErrQueueFull)
}

func TestEqualClassDisplacesOldest(t *testing.T) {
	q := newSendQueue(2)
	a := envOf(wire.TypeAudioFrame)
	b := envOf(wire.TypeAudioFrame)
	c := envOf(wire.TypeAudioFrame)
	require.NoError(t, q.enqueue(a))
	require.NoError(t, q.enqueue(b))
	require.NoError(t, q.enqueue(c))

	got, err := q.dequeue()
	require.NoError(t, err)
	require.Same(t, b, got)
}

func TestCloseDrainsThenFails(t *testing.T) {
	q := newSendQueue(4)
	require.NoError(t, q.enqueue(envOf(wire.TypeText)))
	q.close()

	_, err := q.dequeue()
	require.NoError(t, err)
	_, err = q.dequeue()
	require.ErrorIs(t, err, ErrQueueClosed)
	require.ErrorIs(t, q.enqueue(envOf(wire.TypeText)), ErrQueueClosed)
}
