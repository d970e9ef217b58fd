// Package audio holds the voice-note limits and the per-node call state
// machine. PCM is 16 kHz, 16-bit little-endian, mono; the core never touches
// audio devices.
package audio

import (
	"errors"
	"sync"

	"meshcore/internal/wire"
)

const (
	// FrameBytes is one 20 ms PCM frame.
	FrameBytes = 640
	// MaxVoiceNoteBytes caps a one-shot note at roughly ten seconds; longer
	// notes are truncated.
	MaxVoiceNoteBytes = 320 * 1024
)

// ClampVoiceNote truncates pcm to the note size limit.
func ClampVoiceNote(pcm []byte) []byte {
	if len(pcm) > MaxVoiceNoteBytes {
		return pcm[:MaxVoiceNoteBytes]
	}
	return pcm
}

type CallState int

const (
	CallIdle CallState = iota
	CallRinging
	CallActive
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallRinging:
		return "ringing"
	case CallActive:
		return "active"
	}
	return "invalid"
}

var (
	ErrCallBusy = errors.New("another call is in progress")
	ErrNoCall   = errors.New("no call in progress")
)

// Calls manages the single call slot of a node.
type Calls struct {
	mu    sync.Mutex
	state CallState
	id    wire.MessageID
	peer  wire.NodeID
}

func NewCalls() *Calls { return &Calls{} }

// StartOutgoing reserves the slot and rings peer. The call id travels in
// the CallStart envelope.
func (c *Calls) StartOutgoing(peer wire.NodeID) (wire.MessageID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CallIdle {
		return wire.MessageID{}, ErrCallBusy
	}
	c.state = CallRinging
	c.id = wire.NewMessageID()
	c.peer = peer
	return c.id, nil
}

// HandleStart processes a CallStart from peer. With no call pending it is a
// new incoming ring; answering a ring we originated (or answering back an
// incoming ring via StartCall) flips to active.
func (c *Calls) HandleStart(peer wire.NodeID, id wire.MessageID) (CallState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case CallIdle:
		c.state = CallRinging
		c.id = id
		c.peer = peer
		return CallRinging, nil
	case CallRinging:
		if c.id != id || c.peer != peer {
			return c.state, ErrCallBusy
		}
		c.state = CallActive
		return CallActive, nil
	default:
		if c.id == id && c.peer == peer {
			return CallActive, nil
		}
		return c.state, ErrCallBusy
	}
}

// Answer accepts a ringing incoming call, returning the call id to echo in
// the answering CallStart.
func (c *Calls) Answer() (wire.MessageID, wire.NodeID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CallRinging {
		return wire.MessageID{}, wire.NodeID{}, ErrNoCall
	}
	c.state = CallActive
	return c.id, c.peer, nil
}

// End releases the slot, reporting the peer to notify. Ending an idle slot
// is an error.
func (c *Calls) End() (wire.MessageID, wire.NodeID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CallIdle {
		return wire.MessageID{}, wire.NodeID{}, ErrNoCall
	}
	id, peer := c.id, c.peer
	c.reset()
	return id, peer, nil
}

// HandleEnd processes a remote CallEnd; unrelated ids are ignored.
func (c *Calls) HandleEnd(peer wire.NodeID, id wire.MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CallIdle || c.id != id || c.peer != peer {
		return false
	}
	c.reset()
	return true
}

// PeerGone drops the call if it involved the disconnected peer.
func (c *Calls) PeerGone(peer wire.NodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CallIdle || c.peer != peer {
		return false
	}
	c.reset()
	return true
}

// Active reports whether frames may flow with peer on call id.
func (c *Calls) Active(peer wire.NodeID, id wire.MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == CallActive && c.peer == peer && c.id == id
}

// Current exposes the slot for sending frames and stats.
func (c *Calls) Current() (CallState, wire.MessageID, wire.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.id, c.peer
}

func (c *Calls) reset() {
	c.state = CallIdle
	c.id = wire.MessageID{}
	c.peer = wire.NodeID{}
}
