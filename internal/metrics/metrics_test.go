package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotCounts(t *testing.T) {
	m := New()
	m.IncDelivered()
	m.IncDelivered()
	m.IncForwarded()
	m.IncDropDuplicate()
	m.AddDropQueueFull(3)

	s := m.Snapshot()
	require.Equal(t, uint64(2), s.Delivered)
	require.Equal(t, uint64(1), s.Forwarded)
	require.Equal(t, uint64(1), s.DropDuplicate)
	require.Equal(t, uint64(3), s.DropQueueFull)
	require.False(t, s.GeneratedAt.IsZero())
}

func TestConcurrentIncrements(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.IncDelivered()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(8000), m.Snapshot().Delivered)
}
