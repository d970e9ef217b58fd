package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Payload codecs. Layouts are big-endian; strings are u16-length-prefixed
// UTF-8; trailing byte blobs run to the end of the payload.

const maxStringLen = math.MaxUint16

func appendString(b []byte, s string) ([]byte, error) {
	if len(s) > maxStringLen {
		return nil, fmt.Errorf("string too long: %d bytes", len(s))
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...), nil
}

// reader walks a payload, latching ErrTruncated on the first short read.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = ErrTruncated
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) f64() float64 {
	return math.Float64frombits(r.u64())
}

func (r *reader) str() string {
	n := int(r.u16())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	out := make([]byte, len(r.b))
	copy(out, r.b)
	r.b = nil
	return out
}

func (r *reader) nodeID() NodeID {
	var id NodeID
	copy(id[:], r.take(32))
	return id
}

func (r *reader) msgID() MessageID {
	var id MessageID
	copy(id[:], r.take(16))
	return id
}

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if len(r.b) != 0 {
		return fmt.Errorf("%d trailing payload bytes", len(r.b))
	}
	return nil
}

// DiscoveryPayload rides in type 0x01 envelopes and in UDP announcements.
type DiscoveryPayload struct {
	Name       string
	ListenPort uint16
	Gateway    bool
}

func (p DiscoveryPayload) Encode() ([]byte, error) {
	b, err := appendString(nil, p.Name)
	if err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint16(b, p.ListenPort)
	if p.Gateway {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return b, nil
}

func DecodeDiscoveryPayload(b []byte) (DiscoveryPayload, error) {
	r := reader{b: b}
	p := DiscoveryPayload{
		Name:       r.str(),
		ListenPort: r.u16(),
		Gateway:    r.u8() != 0,
	}
	return p, r.done()
}

// PingPayload doubles for Pong; the seq is echoed back.
type PingPayload struct {
	Seq uint64
}

func (p PingPayload) Encode() []byte {
	return binary.BigEndian.AppendUint64(nil, p.Seq)
}

func DecodePingPayload(b []byte) (PingPayload, error) {
	r := reader{b: b}
	p := PingPayload{Seq: r.u64()}
	return p, r.done()
}

// SOSPayload: distress text plus a position.
type SOSPayload struct {
	Text string
	Lat  float64
	Lon  float64
}

func (p SOSPayload) Encode() ([]byte, error) {
	b, err := appendString(nil, p.Text)
	if err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint64(b, math.Float64bits(p.Lat))
	b = binary.BigEndian.AppendUint64(b, math.Float64bits(p.Lon))
	return b, nil
}

func DecodeSOSPayload(b []byte) (SOSPayload, error) {
	r := reader{b: b}
	p := SOSPayload{Text: r.str(), Lat: r.f64(), Lon: r.f64()}
	return p, r.done()
}

type FileChunkPayload struct {
	FileID MessageID
	Index  uint32
	Data   []byte
}

func (p FileChunkPayload) Encode() []byte {
	b := make([]byte, 0, 16+4+len(p.Data))
	b = append(b, p.FileID[:]...)
	b = binary.BigEndian.AppendUint32(b, p.Index)
	return append(b, p.Data...)
}

func DecodeFileChunkPayload(b []byte) (FileChunkPayload, error) {
	r := reader{b: b}
	p := FileChunkPayload{FileID: r.msgID(), Index: r.u32(), Data: r.rest()}
	return p, r.err
}

type FileOfferPayload struct {
	FileID    MessageID
	Filename  string
	Size      uint64
	Chunks    uint32
	ChunkSize uint32
	Hash      [32]byte // sha256 of the whole file
}

func (p FileOfferPayload) Encode() ([]byte, error) {
	b := append([]byte(nil), p.FileID[:]...)
	b, err := appendString(b, p.Filename)
	if err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint64(b, p.Size)
	b = binary.BigEndian.AppendUint32(b, p.Chunks)
	b = binary.BigEndian.AppendUint32(b, p.ChunkSize)
	return append(b, p.Hash[:]...), nil
}

func DecodeFileOfferPayload(b []byte) (FileOfferPayload, error) {
	r := reader{b: b}
	p := FileOfferPayload{
		FileID:    r.msgID(),
		Filename:  r.str(),
		Size:      r.u64(),
		Chunks:    r.u32(),
		ChunkSize: r.u32(),
	}
	copy(p.Hash[:], r.take(32))
	return p, r.done()
}

type FileAcceptPayload struct {
	FileID MessageID
}

func (p FileAcceptPayload) Encode() []byte {
	return append([]byte(nil), p.FileID[:]...)
}

func DecodeFileAcceptPayload(b []byte) (FileAcceptPayload, error) {
	r := reader{b: b}
	p := FileAcceptPayload{FileID: r.msgID()}
	return p, r.done()
}

type VoiceNotePayload struct {
	DurationMs uint32
	PCM        []byte
}

func (p VoiceNotePayload) Encode() []byte {
	b := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(p.PCM)), p.DurationMs)
	return append(b, p.PCM...)
}

func DecodeVoiceNotePayload(b []byte) (VoiceNotePayload, error) {
	r := reader{b: b}
	p := VoiceNotePayload{DurationMs: r.u32(), PCM: r.rest()}
	return p, r.err
}

type AudioFramePayload struct {
	CallID MessageID
	PCM    []byte
}

func (p AudioFramePayload) Encode() []byte {
	b := append(make([]byte, 0, 16+len(p.PCM)), p.CallID[:]...)
	return append(b, p.PCM...)
}

func DecodeAudioFramePayload(b []byte) (AudioFramePayload, error) {
	r := reader{b: b}
	p := AudioFramePayload{CallID: r.msgID(), PCM: r.rest()}
	return p, r.err
}

// CallControlPayload carries CallStart and CallEnd.
type CallControlPayload struct {
	CallID MessageID
}

func (p CallControlPayload) Encode() []byte {
	return append([]byte(nil), p.CallID[:]...)
}

func DecodeCallControlPayload(b []byte) (CallControlPayload, error) {
	r := reader{b: b}
	p := CallControlPayload{CallID: r.msgID()}
	return p, r.done()
}

type PeerEntry struct {
	NodeID NodeID
	Name   string
}

type PeerExchangePayload struct {
	Peers []PeerEntry
}

func (p PeerExchangePayload) Encode() ([]byte, error) {
	if len(p.Peers) > maxStringLen {
		return nil, fmt.Errorf("too many peers: %d", len(p.Peers))
	}
	b := binary.BigEndian.AppendUint16(nil, uint16(len(p.Peers)))
	var err error
	for _, e := range p.Peers {
		b = append(b, e.NodeID[:]...)
		if b, err = appendString(b, e.Name); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func DecodePeerExchangePayload(b []byte) (PeerExchangePayload, error) {
	r := reader{b: b}
	n := int(r.u16())
	p := PeerExchangePayload{}
	for i := 0; i < n && r.err == nil; i++ {
		p.Peers = append(p.Peers, PeerEntry{NodeID: r.nodeID(), Name: r.str()})
	}
	return p, r.done()
}

type KeyExchangePayload struct {
	Public [32]byte // ephemeral X25519 public key
}

func (p KeyExchangePayload) Encode() []byte {
	return append([]byte(nil), p.Public[:]...)
}

func DecodeKeyExchangePayload(b []byte) (KeyExchangePayload, error) {
	r := reader{b: b}
	var p KeyExchangePayload
	copy(p.Public[:], r.take(32))
	return p, r.done()
}

type ProfileUpdatePayload struct {
	Name string
	Bio  string
}

func (p ProfileUpdatePayload) Encode() ([]byte, error) {
	b, err := appendString(nil, p.Name)
	if err != nil {
		return nil, err
	}
	return appendString(b, p.Bio)
}

func DecodeProfileUpdatePayload(b []byte) (ProfileUpdatePayload, error) {
	r := reader{b: b}
	p := ProfileUpdatePayload{Name: r.str(), Bio: r.str()}
	return p, r.done()
}
