package peer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"meshcore/internal/wire"
)

var (
	low  = wire.NodeID{0x01}
	mid  = wire.NodeID{0x80}
	high = wire.NodeID{0xff}
)

func TestAddAndStates(t *testing.T) {
	r := NewRegistry(mid, nil)
	kept, evicted := r.Add(&Peer{ID: high, State: StateConnecting})
	require.True(t, kept)
	require.Nil(t, evicted)

	require.NoError(t, r.Advance(high, StateHandshaking))
	require.NoError(t, r.Advance(high, StateEstablished))
	require.ErrorIs(t, r.Advance(high, StateConnecting), ErrStateRegression)

	p, ok := r.Get(high)
	require.True(t, ok)
	require.Equal(t, StateEstablished, p.State)
}

// With self < peer, our outbound dial is the surviving connection.
func TestTieBreakSelfSmaller(t *testing.T) {
	r := NewRegistry(low, nil)
	inbound := &Peer{ID: high, Outbound: false}
	outbound := &Peer{ID: high, Outbound: true}

	kept, _ := r.Add(inbound)
	require.True(t, kept)
	kept, evicted := r.Add(outbound)
	require.True(t, kept)
	require.Same(t, inbound, evicted)

	p, _ := r.Get(high)
	require.Same(t, outbound, p)
}

// With self > peer, the remote's dial (our inbound) wins.
func TestTieBreakSelfLarger(t *testing.T) {
	r := NewRegistry(high, nil)
	outbound := &Peer{ID: low, Outbound: true}
	inbound := &Peer{ID: low, Outbound: false}

	kept, _ := r.Add(outbound)
	require.True(t, kept)
	kept, evicted := r.Add(inbound)
	require.True(t, kept)
	require.Same(t, outbound, evicted)
}

func TestTieBreakSameDirectionKeepsExisting(t *testing.T) {
	r := NewRegistry(low, nil)
	first := &Peer{ID: high, Outbound: true}
	second := &Peer{ID: high, Outbound: true}

	kept, _ := r.Add(first)
	require.True(t, kept)
	kept, evicted := r.Add(second)
	require.False(t, kept)
	require.Same(t, second, evicted)
}

func TestEstablishedSortedByNodeID(t *testing.T) {
	r := NewRegistry(wire.NodeID{0x10}, nil)
	for _, id := range []wire.NodeID{high, low, mid} {
		r.Add(&Peer{ID: id, State: StateEstablished})
	}
	r.Add(&Peer{ID: wire.NodeID{0x55}, State: StateHandshaking})

	est := r.Established()
	require.Len(t, est, 3)
	require.Equal(t, low, est[0].ID)
	require.Equal(t, mid, est[1].ID)
	require.Equal(t, high, est[2].ID)
}

func TestRemove(t *testing.T) {
	r := NewRegistry(low, nil)
	r.Add(&Peer{ID: high})
	p, ok := r.Remove(high)
	require.True(t, ok)
	require.Equal(t, StateGone, p.State)
	_, ok = r.Get(high)
	require.False(t, ok)
	require.Equal(t, 0, r.Len())
}
