// Package wire defines the mesh envelope, its compact binary encoding, and
// the length-prefixed framing used on every peer link.
package wire

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type MsgType byte

const (
	TypeDiscovery       MsgType = 0x01
	TypePing            MsgType = 0x02
	TypePong            MsgType = 0x03
	TypeText            MsgType = 0x10
	TypePublicBroadcast MsgType = 0x11
	TypeSOS             MsgType = 0x12
	TypeFileChunk       MsgType = 0x20
	TypeFileOffer       MsgType = 0x21
	TypeFileAccept      MsgType = 0x22
	TypeVoiceNote       MsgType = 0x30
	TypeAudioFrame      MsgType = 0x31
	TypeCallStart       MsgType = 0x32
	TypeCallEnd         MsgType = 0x33
	TypePeerExchange    MsgType = 0x40
	TypeKeyExchange     MsgType = 0x50
	TypeProfileUpdate   MsgType = 0x60
)

func (t MsgType) String() string {
	switch t {
	case TypeDiscovery:
		return "discovery"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeText:
		return "text"
	case TypePublicBroadcast:
		return "public_broadcast"
	case TypeSOS:
		return "sos"
	case TypeFileChunk:
		return "file_chunk"
	case TypeFileOffer:
		return "file_offer"
	case TypeFileAccept:
		return "file_accept"
	case TypeVoiceNote:
		return "voice_note"
	case TypeAudioFrame:
		return "audio_frame"
	case TypeCallStart:
		return "call_start"
	case TypeCallEnd:
		return "call_end"
	case TypePeerExchange:
		return "peer_exchange"
	case TypeKeyExchange:
		return "key_exchange"
	case TypeProfileUpdate:
		return "profile_update"
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(t))
}

// Known reports whether t is a type this node understands. Unknown types
// still decode (the payload stays opaque) and are dropped by the node.
func (t MsgType) Known() bool {
	switch t {
	case TypeDiscovery, TypePing, TypePong, TypeText, TypePublicBroadcast,
		TypeSOS, TypeFileChunk, TypeFileOffer, TypeFileAccept, TypeVoiceNote,
		TypeAudioFrame, TypeCallStart, TypeCallEnd, TypePeerExchange,
		TypeKeyExchange, TypeProfileUpdate:
		return true
	}
	return false
}

// Control messages are never AEAD-wrapped and never dropped from send queues.
func (t MsgType) Control() bool {
	return t == TypePing || t == TypePong || t == TypeKeyExchange
}

// Sealed reports whether the payload travels AEAD-wrapped on an established
// link.
func (t MsgType) Sealed() bool {
	return t >= 0x10 && !t.Control()
}

// NodeID is the 32-byte Ed25519 public key identifying a node. The zero
// value addresses a broadcast.
type NodeID [32]byte

var zeroNodeID NodeID

func (id NodeID) IsBroadcast() bool { return id == zeroNodeID }

func (id NodeID) Hex() string { return hex.EncodeToString(id[:]) }

// Short returns the first 8 hex chars, for logs.
func (id NodeID) Short() string { return hex.EncodeToString(id[:4]) }

func NodeIDFromHex(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, errors.New("bad node id")
	}
	copy(id[:], b)
	return id, nil
}

// MessageID is 16 random bytes, unique with overwhelming probability.
type MessageID [16]byte

func NewMessageID() MessageID { return MessageID(uuid.New()) }

func (m MessageID) Hex() string { return hex.EncodeToString(m[:]) }

// Envelope is the in-flight unit of mesh communication.
type Envelope struct {
	Type    MsgType
	MsgID   MessageID
	Origin  NodeID
	Dest    NodeID // zero = broadcast
	TTL     uint8
	Payload []byte
}

// Default TTLs chosen by originators. Forwarders must not increase them.
const (
	DefaultTTL   = 10
	EmergencyTTL = 50
)

func NewEnvelope(t MsgType, origin, dest NodeID, ttl uint8, payload []byte) *Envelope {
	return &Envelope{
		Type:    t,
		MsgID:   NewMessageID(),
		Origin:  origin,
		Dest:    dest,
		TTL:     ttl,
		Payload: payload,
	}
}

// HeaderAAD returns the stable header bytes bound into the AEAD as
// associated data: type, msg_id, origin, destination. TTL is excluded
// because forwarders rewrite it.
func (e *Envelope) HeaderAAD() []byte {
	aad := make([]byte, 0, 1+16+32+32)
	aad = append(aad, byte(e.Type))
	aad = append(aad, e.MsgID[:]...)
	aad = append(aad, e.Origin[:]...)
	aad = append(aad, e.Dest[:]...)
	return aad
}

// Clone returns a copy sharing the payload slice. Forwarding rewrites only
// the TTL, never the payload.
func (e *Envelope) Clone() *Envelope {
	c := *e
	return &c
}
