// Package filetransfer manages chunked file transfers: sender-side offers
// and chunk streaming, receiver-side reassembly into a sink with a received
// bitmap and whole-file hash verification.
package filetransfer

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"meshcore/internal/wire"
)

const (
	DefaultChunkSize = 32 * 1024
	MaxFileSize      = 100 << 20
)

var (
	ErrTooLarge        = errors.New("file too large")
	ErrUnknownTransfer = errors.New("unknown transfer")
	ErrNotAccepted     = errors.New("transfer not accepted")
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	ErrHashMismatch    = errors.New("file hash mismatch")
)

// Outgoing is a sender-side transfer. Chunks are read from the source file
// on demand, never buffered whole.
type Outgoing struct {
	Offer    wire.FileOfferPayload
	Dest     wire.NodeID
	src      *os.File
	next     uint32
	accepted bool
}

// Incoming is a receiver-side transfer writing into a .part sink.
type Incoming struct {
	Offer    wire.FileOfferPayload
	Sender   wire.NodeID
	sink     *os.File
	sinkPath string
	received []bool
	count    uint32
	accepted bool
}

// Progress reports how far a transfer has come, in whole percent.
func (in *Incoming) Progress() int {
	if in.Offer.Chunks == 0 {
		return 100
	}
	return int(uint64(in.count) * 100 / uint64(in.Offer.Chunks))
}

// Manager tracks both directions, keyed by file id.
type Manager struct {
	mu       sync.Mutex
	outgoing map[wire.MessageID]*Outgoing
	incoming map[wire.MessageID]*Incoming
	saveDir  string
}

func NewManager(saveDir string) *Manager {
	return &Manager{
		outgoing: make(map[wire.MessageID]*Outgoing),
		incoming: make(map[wire.MessageID]*Incoming),
		saveDir:  saveDir,
	}
}

// PrepareSend opens path, hashes it, and registers the outgoing transfer.
// The returned offer is ready to send to dest.
func (m *Manager) PrepareSend(dest wire.NodeID, path string) (wire.FileOfferPayload, error) {
	f, err := os.Open(path)
	if err != nil {
		return wire.FileOfferPayload{}, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return wire.FileOfferPayload{}, err
	}
	if fi.Size() > MaxFileSize {
		f.Close()
		return wire.FileOfferPayload{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, fi.Size())
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		f.Close()
		return wire.FileOfferPayload{}, err
	}

	size := uint64(fi.Size())
	chunks := uint32((size + DefaultChunkSize - 1) / DefaultChunkSize)
	if chunks == 0 {
		chunks = 1
	}
	offer := wire.FileOfferPayload{
		FileID:    wire.MessageID(uuid.New()),
		Filename:  filepath.Base(path),
		Size:      size,
		Chunks:    chunks,
		ChunkSize: DefaultChunkSize,
	}
	copy(offer.Hash[:], h.Sum(nil))

	m.mu.Lock()
	m.outgoing[offer.FileID] = &Outgoing{Offer: offer, Dest: dest, src: f}
	m.mu.Unlock()
	return offer, nil
}

// MarkAccepted flips an outgoing transfer to streaming on FileAccept.
func (m *Manager) MarkAccepted(id wire.MessageID) (*Outgoing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.outgoing[id]
	if !ok {
		return nil, ErrUnknownTransfer
	}
	out.accepted = true
	return out, nil
}

// NextChunk reads the next chunk of an accepted outgoing transfer. The
// second return is false once all chunks have been produced.
func (m *Manager) NextChunk(id wire.MessageID) (wire.FileChunkPayload, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.outgoing[id]
	if !ok {
		return wire.FileChunkPayload{}, false, ErrUnknownTransfer
	}
	if !out.accepted {
		return wire.FileChunkPayload{}, false, ErrNotAccepted
	}
	if out.next >= out.Offer.Chunks {
		return wire.FileChunkPayload{}, false, nil
	}
	seq := out.next
	offset := int64(seq) * int64(out.Offer.ChunkSize)
	length := int64(out.Offer.ChunkSize)
	if rem := int64(out.Offer.Size) - offset; rem < length {
		length = rem
	}
	data := make([]byte, length)
	if length > 0 {
		if _, err := out.src.ReadAt(data, offset); err != nil {
			return wire.FileChunkPayload{}, false, err
		}
	}
	out.next++
	return wire.FileChunkPayload{FileID: id, Index: seq, Data: data}, true, nil
}

// FinishOutgoing drops sender-side state and closes the source.
func (m *Manager) FinishOutgoing(id wire.MessageID) {
	m.mu.Lock()
	out, ok := m.outgoing[id]
	delete(m.outgoing, id)
	m.mu.Unlock()
	if ok && out.src != nil {
		_ = out.src.Close()
	}
}

// OutgoingDest looks up the destination of a pending outgoing transfer.
func (m *Manager) OutgoingDest(id wire.MessageID) (wire.NodeID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.outgoing[id]
	if !ok {
		return wire.NodeID{}, false
	}
	return out.Dest, true
}

// RegisterIncoming records a received offer pending local acceptance.
func (m *Manager) RegisterIncoming(offer wire.FileOfferPayload, sender wire.NodeID) error {
	if offer.Size > MaxFileSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, offer.Size)
	}
	if offer.Chunks == 0 || offer.ChunkSize == 0 {
		return errors.New("malformed offer")
	}
	if offer.Size == 0 && offer.Chunks != 1 {
		return errors.New("malformed offer")
	}
	// Chunk geometry must cover the declared size.
	if uint64(offer.Chunks-1)*uint64(offer.ChunkSize) >= offer.Size && offer.Size > 0 {
		return errors.New("malformed offer")
	}
	if uint64(offer.Chunks)*uint64(offer.ChunkSize) < offer.Size {
		return errors.New("malformed offer")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.incoming[offer.FileID]; dup {
		return errors.New("duplicate file id")
	}
	m.incoming[offer.FileID] = &Incoming{
		Offer:    offer,
		Sender:   sender,
		received: make([]bool, offer.Chunks),
	}
	return nil
}

// Accept opens the sink and marks the incoming transfer streaming. Returns
// the sender to address the FileAccept to.
func (m *Manager) Accept(id wire.MessageID) (wire.NodeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.incoming[id]
	if !ok {
		return wire.NodeID{}, ErrUnknownTransfer
	}
	if in.accepted {
		return in.Sender, nil
	}
	if err := os.MkdirAll(m.saveDir, 0o700); err != nil {
		return wire.NodeID{}, err
	}
	sinkPath := filepath.Join(m.saveDir, sanitizeFilename(in.Offer.Filename)+".part")
	sink, err := os.OpenFile(sinkPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		return wire.NodeID{}, err
	}
	in.sink = sink
	in.sinkPath = sinkPath
	in.accepted = true
	return in.Sender, nil
}

// ReceiveChunk writes one chunk into the sink. Duplicates are idempotent;
// out-of-range indexes abort the transfer. complete is true once every
// chunk has landed.
func (m *Manager) ReceiveChunk(id wire.MessageID, index uint32, data []byte) (progress int, complete bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.incoming[id]
	if !ok {
		return 0, false, ErrUnknownTransfer
	}
	if !in.accepted {
		return 0, false, ErrNotAccepted
	}
	if index >= in.Offer.Chunks {
		return 0, false, ErrChunkOutOfRange
	}
	if in.received[index] {
		return in.Progress(), in.count == in.Offer.Chunks, nil
	}
	offset := int64(index) * int64(in.Offer.ChunkSize)
	if len(data) > 0 {
		if _, err := in.sink.WriteAt(data, offset); err != nil {
			return 0, false, err
		}
	}
	in.received[index] = true
	in.count++
	return in.Progress(), in.count == in.Offer.Chunks, nil
}

// Finalize verifies the reassembled file against the offer hash and moves
// the sink to its final name. The incoming entry is removed either way.
func (m *Manager) Finalize(id wire.MessageID) (string, error) {
	m.mu.Lock()
	in, ok := m.incoming[id]
	delete(m.incoming, id)
	m.mu.Unlock()
	if !ok {
		return "", ErrUnknownTransfer
	}
	defer func() {
		if in.sink != nil {
			_ = in.sink.Close()
		}
	}()
	if in.count != in.Offer.Chunks {
		return "", fmt.Errorf("missing chunks: %d of %d", in.count, in.Offer.Chunks)
	}
	if err := in.sink.Sync(); err != nil {
		return "", err
	}
	if _, err := in.sink.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.Copy(h, in.sink); err != nil {
		return "", err
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	if sum != in.Offer.Hash {
		_ = os.Remove(in.sinkPath)
		return "", ErrHashMismatch
	}

	final := strings.TrimSuffix(in.sinkPath, ".part")
	if err := os.Rename(in.sinkPath, final); err != nil {
		return "", err
	}
	return final, nil
}

// Abort drops a transfer in either direction and deletes a partial sink.
func (m *Manager) Abort(id wire.MessageID) {
	m.mu.Lock()
	out, outOK := m.outgoing[id]
	in, inOK := m.incoming[id]
	delete(m.outgoing, id)
	delete(m.incoming, id)
	m.mu.Unlock()
	if outOK && out.src != nil {
		_ = out.src.Close()
	}
	if inOK && in.sink != nil {
		_ = in.sink.Close()
		_ = os.Remove(in.sinkPath)
	}
}

// AbortPeer drops every transfer tied to a disconnected peer and reports
// the affected file ids.
func (m *Manager) AbortPeer(peer wire.NodeID) []wire.MessageID {
	m.mu.Lock()
	var ids []wire.MessageID
	for id, out := range m.outgoing {
		if out.Dest == peer {
			ids = append(ids, id)
		}
	}
	for id, in := range m.incoming {
		if in.Sender == peer {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Abort(id)
	}
	return ids
}

// IncomingSender reports who offered the transfer.
func (m *Manager) IncomingSender(id wire.MessageID) (wire.NodeID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.incoming[id]
	if !ok {
		return wire.NodeID{}, false
	}
	return in.Sender, true
}

// sanitizeFilename strips path separators so an offer cannot escape the
// save directory.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == ".." {
		return "download"
	}
	return name
}
