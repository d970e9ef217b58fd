// Package peer is the lifecycle authority for connected mesh peers.
package peer

import (
	"time"

	"meshcore/internal/noise"
	"meshcore/internal/transport"
	"meshcore/internal/wire"
)

// State is a peer's connection lifecycle stage. Transitions only move
// forward; Registry.Advance enforces monotonicity.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateEstablished
	StateClosing
	StateGone
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateGone:
		return "gone"
	}
	return "invalid"
}

// Peer is one registry entry: identity, profile, the owning connection, and
// handshake/session state.
type Peer struct {
	ID      wire.NodeID
	Name    string
	Bio     string
	Gateway bool
	Addr    string

	Conn     *transport.Conn
	Session  *noise.Session
	State    State
	Outbound bool // we dialed the connection

	ConnectedAt       time.Time
	HandshakeDeadline time.Time
	LastPong          time.Time
	PingSeq           uint64
}

func (p *Peer) Established() bool { return p.State == StateEstablished }
