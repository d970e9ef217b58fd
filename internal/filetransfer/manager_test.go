package filetransfer

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"meshcore/internal/wire"
)

var (
	sender   = wire.NodeID{1}
	receiver = wire.NodeID{2}
)

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// transfer pushes every chunk from a sender manager into a receiver manager
// and finalizes.
func transfer(t *testing.T, data []byte, name string) []byte {
	t.Helper()
	src := writeTemp(t, name, data)
	sm := NewManager(t.TempDir())
	rm := NewManager(t.TempDir())

	offer, err := sm.PrepareSend(receiver, src)
	require.NoError(t, err)
	require.Equal(t, name, offer.Filename)
	require.Equal(t, uint64(len(data)), offer.Size)

	require.NoError(t, rm.RegisterIncoming(offer, sender))
	from, err := rm.Accept(offer.FileID)
	require.NoError(t, err)
	require.Equal(t, sender, from)

	_, err = sm.MarkAccepted(offer.FileID)
	require.NoError(t, err)

	sent := uint32(0)
	lastProgress := 0
	complete := false
	for {
		chunk, more, err := sm.NextChunk(offer.FileID)
		require.NoError(t, err)
		if !more {
			break
		}
		require.Equal(t, sent, chunk.Index)
		sent++
		progress, done, err := rm.ReceiveChunk(offer.FileID, chunk.Index, chunk.Data)
		require.NoError(t, err)
		require.GreaterOrEqual(t, progress, lastProgress, "progress must not decrease")
		lastProgress = progress
		complete = done
	}
	require.Equal(t, offer.Chunks, sent)
	require.True(t, complete)

	path, err := rm.Finalize(offer.FileID)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	sm.FinishOutgoing(offer.FileID)
	return got
}

func TestRoundTripSmall(t *testing.T) {
	data := []byte("Hello, mesh file transfer!")
	require.Equal(t, data, transfer(t, data, "hello.txt"))
}

// 100000 bytes in 32 KiB chunks is four chunks with a short 1696-byte
// tail.
func TestRoundTripReferenceCase(t *testing.T) {
	data := make([]byte, 100000)
	rand.New(rand.NewSource(1)).Read(data)

	src := writeTemp(t, "notes.txt", data)
	sm := NewManager(t.TempDir())
	offer, err := sm.PrepareSend(receiver, src)
	require.NoError(t, err)
	require.Equal(t, uint32(4), offer.Chunks)

	rm := NewManager(t.TempDir())
	require.NoError(t, rm.RegisterIncoming(offer, sender))
	_, err = rm.Accept(offer.FileID)
	require.NoError(t, err)
	_, err = sm.MarkAccepted(offer.FileID)
	require.NoError(t, err)

	var sizes []int
	for {
		chunk, more, err := sm.NextChunk(offer.FileID)
		require.NoError(t, err)
		if !more {
			break
		}
		sizes = append(sizes, len(chunk.Data))
		_, _, err = rm.ReceiveChunk(offer.FileID, chunk.Index, chunk.Data)
		require.NoError(t, err)
	}
	require.Equal(t, []int{32768, 32768, 32768, 1696}, sizes)

	path, err := rm.Finalize(offer.FileID)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestRoundTripEmptyFile(t *testing.T) {
	require.Empty(t, transfer(t, nil, "empty.bin"))
}

func TestRoundTripRandomSizes(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	for _, size := range []int{1, DefaultChunkSize - 1, DefaultChunkSize, DefaultChunkSize + 1, 3*DefaultChunkSize + 7} {
		data := make([]byte, size)
		rng.Read(data)
		require.Equal(t, data, transfer(t, data, "blob.bin"), "size=%d", size)
	}
}

func TestNoChunksBeforeAccept(t *testing.T) {
	src := writeTemp(t, "w.txt", []byte("wait for it"))
	sm := NewManager(t.TempDir())
	offer, err := sm.PrepareSend(receiver, src)
	require.NoError(t, err)

	_, _, err = sm.NextChunk(offer.FileID)
	require.ErrorIs(t, err, ErrNotAccepted)
}

func TestDuplicateChunksIdempotent(t *testing.T) {
	data := make([]byte, DefaultChunkSize+10)
	src := writeTemp(t, "d.bin", data)
	sm := NewManager(t.TempDir())
	offer, err := sm.PrepareSend(receiver, src)
	require.NoError(t, err)

	rm := NewManager(t.TempDir())
	require.NoError(t, rm.RegisterIncoming(offer, sender))
	_, err = rm.Accept(offer.FileID)
	require.NoError(t, err)
	_, err = sm.MarkAccepted(offer.FileID)
	require.NoError(t, err)

	chunk, _, err := sm.NextChunk(offer.FileID)
	require.NoError(t, err)
	p1, _, err := rm.ReceiveChunk(offer.FileID, chunk.Index, chunk.Data)
	require.NoError(t, err)
	p2, _, err := rm.ReceiveChunk(offer.FileID, chunk.Index, chunk.Data)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
}

func TestChunkOutOfRangeRejected(t *testing.T) {
	offer := wire.FileOfferPayload{
		FileID:    wire.NewMessageID(),
		Filename:  "x.bin",
		Size:      10,
		Chunks:    1,
		ChunkSize: DefaultChunkSize,
	}
	rm := NewManager(t.TempDir())
	require.NoError(t, rm.RegisterIncoming(offer, sender))
	_, err := rm.Accept(offer.FileID)
	require.NoError(t, err)

	_, _, err = rm.ReceiveChunk(offer.FileID, 5, []byte("x"))
	require.ErrorIs(t, err, ErrChunkOutOfRange)
}

func TestOversizedOfferRejected(t *testing.T) {
	offer := wire.FileOfferPayload{
		FileID:    wire.NewMessageID(),
		Filename:  "big.bin",
		Size:      MaxFileSize + 1,
		Chunks:    1,
		ChunkSize: DefaultChunkSize,
	}
	rm := NewManager(t.TempDir())
	require.ErrorIs(t, rm.RegisterIncoming(offer, sender), ErrTooLarge)
}

func TestHashMismatchAborts(t *testing.T) {
	data := []byte("authentic content")
	src := writeTemp(t, "h.txt", data)
	sm := NewManager(t.TempDir())
	offer, err := sm.PrepareSend(receiver, src)
	require.NoError(t, err)
	offer.Hash[0] ^= 0xff

	rm := NewManager(t.TempDir())
	require.NoError(t, rm.RegisterIncoming(offer, sender))
	_, err = rm.Accept(offer.FileID)
	require.NoError(t, err)
	_, err = sm.MarkAccepted(offer.FileID)
	require.NoError(t, err)

	chunk, _, err := sm.NextChunk(offer.FileID)
	require.NoError(t, err)
	_, _, err = rm.ReceiveChunk(offer.FileID, chunk.Index, chunk.Data)
	require.NoError(t, err)

	_, err = rm.Finalize(offer.FileID)
	require.ErrorIs(t, err, ErrHashMismatch)
}

func TestSanitizedFilename(t *testing.T) {
	offer := wire.FileOfferPayload{
		FileID:    wire.NewMessageID(),
		Filename:  "../../etc/passwd",
		Size:      1,
		Chunks:    1,
		ChunkSize: DefaultChunkSize,
	}
	dir := t.TempDir()
	rm := NewManager(dir)
	require.NoError(t, rm.RegisterIncoming(offer, sender))
	_, err := rm.Accept(offer.FileID)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "passwd.part", entries[0].Name())
}

func TestAbortPeerDropsTransfers(t *testing.T) {
	src := writeTemp(t, "a.txt", []byte("abc"))
	m := NewManager(t.TempDir())
	offer, err := m.PrepareSend(receiver, src)
	require.NoError(t, err)

	ids := m.AbortPeer(receiver)
	require.Equal(t, []wire.MessageID{offer.FileID}, ids)
	_, _, err = m.NextChunk(offer.FileID)
	require.ErrorIs(t, err, ErrUnknownTransfer)
}
