package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshcore/internal/wire"
)

func TestAnnouncementRoundTrip(t *testing.T) {
	a := Announcement{
		NodeID:  wire.NodeID{0xab, 0xcd},
		Name:    "Field Station 7",
		TCPPort: 7332,
		Gateway: true,
	}
	b, err := a.Encode()
	require.NoError(t, err)
	got, err := DecodeAnnouncement(b)
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("xx"),
		[]byte("NOPE00000000000000000000000000000000000000"),
		append([]byte("MSH1"), 0, 99), // wrong version
	}
	for _, b := range cases {
		_, err := DecodeAnnouncement(b)
		require.Error(t, err)
	}
}

func TestDecodeRejectsTruncatedName(t *testing.T) {
	a := Announcement{NodeID: wire.NodeID{1}, Name: "basecamp", TCPPort: 7332}
	b, err := a.Encode()
	require.NoError(t, err)
	_, err = DecodeAnnouncement(b[:len(b)-4])
	require.Error(t, err)
}

// Two services on distinct ports cannot see each other, but a service sees
// its own socket-level loopback and must filter announcements by NodeID.
func TestServiceFiltersSelf(t *testing.T) {
	self := wire.NodeID{1}
	s := New(self, "self-test", 7332, Options{
		Port:     47331,
		Interval: 20 * time.Millisecond,
	})
	arrivals, err := s.Start()
	require.NoError(t, err)
	defer s.Close()

	select {
	case arr := <-arrivals:
		t.Fatalf("received own announcement: %+v", arr)
	case <-time.After(150 * time.Millisecond):
	}
}

// Two services sharing the announcement port discover each other.
func TestTwoServicesDiscoverEachOther(t *testing.T) {
	port := 47332
	a := New(wire.NodeID{0xaa}, "alpha", 7332, Options{Port: port, Interval: 20 * time.Millisecond})
	b := New(wire.NodeID{0xbb}, "bravo", 7333, Options{Port: port, Interval: 20 * time.Millisecond})

	arrA, err := a.Start()
	require.NoError(t, err)
	defer a.Close()
	arrB, err := b.Start()
	require.NoError(t, err)
	defer b.Close()

	waitFor := func(ch <-chan Arrival, want wire.NodeID) Arrival {
		deadline := time.After(3 * time.Second)
		for {
			select {
			case arr := <-ch:
				if arr.NodeID == want {
					return arr
				}
			case <-deadline:
				t.Fatalf("no arrival for %s", want.Short())
			}
		}
	}

	got := waitFor(arrA, wire.NodeID{0xbb})
	require.Equal(t, "bravo", got.Name)
	waitFor(arrB, wire.NodeID{0xaa})
}
