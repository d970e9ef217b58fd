package node

import (
	"errors"
	"fmt"

	"meshcore/internal/audio"
	"meshcore/internal/discovery"
	"meshcore/internal/filetransfer"
	"meshcore/internal/transport"
	"meshcore/internal/wire"
)

// maxTextBytes keeps a single text envelope comfortably inside one frame.
const maxTextBytes = 64 * 1024

// originate builds a locally created envelope. Origination counts as the
// first hop, so the wire TTL is one below the chosen budget.
func (n *Node) originate(t wire.MsgType, dest wire.NodeID, ttl uint8, payload []byte) *wire.Envelope {
	if ttl > 0 {
		ttl--
	}
	return wire.NewEnvelope(t, n.self, dest, ttl, payload)
}

// sendAddressed routes a destination-addressed envelope: straight to the
// destination when it is an established neighbor, flooded to every
// established peer otherwise. Runs on the event loop.
func (n *Node) sendAddressed(env *wire.Envelope) error {
	if p, ok := n.reg.Get(env.Dest); ok && p.Established() {
		return mapSendErr(n.sendOnConn(p, env))
	}
	est := n.reg.Established()
	if len(est) == 0 {
		return ErrNoSuchPeer
	}
	var firstErr error
	for _, p := range est {
		if err := n.sendOnConn(p, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return mapSendErr(firstErr)
}

// sendBroadcast fans an envelope out to every established peer.
func (n *Node) sendBroadcast(env *wire.Envelope) error {
	var firstErr error
	for _, p := range n.reg.Established() {
		if err := n.sendOnConn(p, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return mapSendErr(firstErr)
}

func mapSendErr(err error) error {
	if errors.Is(err, transport.ErrQueueFull) {
		return ErrQueueFull
	}
	return err
}

func (n *Node) checkRunning() error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	return nil
}

func (n *Node) validDest(dest wire.NodeID) error {
	if dest == n.self {
		return fmt.Errorf("%w: destination is self", ErrInvalidArgument)
	}
	return nil
}

// Connect dials a peer candidate by address, for hosts without working UDP
// broadcast. The key exchange reveals who answers.
func (n *Node) Connect(addr string) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	if addr == "" {
		return fmt.Errorf("%w: address required", ErrInvalidArgument)
	}
	return n.doWait(func() error {
		n.handleArrival(discovery.Arrival{Addr: addr})
		return nil
	})
}

// Port reports the bound TCP listen port once started.
func (n *Node) Port() (int, error) {
	if err := n.checkRunning(); err != nil {
		return 0, err
	}
	return n.listener.Port(), nil
}

// SendText delivers text to dest, or to everyone when dest is the zero
// broadcast id.
func (n *Node) SendText(dest wire.NodeID, text string) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	if err := n.validDest(dest); err != nil {
		return err
	}
	if len(text) > maxTextBytes {
		return ErrTooLarge
	}
	return n.doWait(func() error {
		env := n.originate(wire.TypeText, dest, wire.DefaultTTL, []byte(text))
		if dest.IsBroadcast() {
			return n.sendBroadcast(env)
		}
		return n.sendAddressed(env)
	})
}

// SendDirect is destination-addressed text; broadcast is not allowed.
func (n *Node) SendDirect(dest wire.NodeID, text string) error {
	if dest.IsBroadcast() {
		return fmt.Errorf("%w: destination required", ErrInvalidArgument)
	}
	return n.SendText(dest, text)
}

// SendPublicBroadcast floods text with the wide emergency TTL.
func (n *Node) SendPublicBroadcast(text string) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	if len(text) > maxTextBytes {
		return ErrTooLarge
	}
	return n.doWait(func() error {
		env := n.originate(wire.TypePublicBroadcast, wire.NodeID{}, wire.EmergencyTTL, []byte(text))
		return n.sendBroadcast(env)
	})
}

// SendSOS floods a distress message with position, at emergency TTL.
func (n *Node) SendSOS(text string, lat, lon float64) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	payload, err := wire.SOSPayload{Text: text, Lat: lat, Lon: lon}.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return n.doWait(func() error {
		env := n.originate(wire.TypeSOS, wire.NodeID{}, wire.EmergencyTTL, payload)
		return n.sendBroadcast(env)
	})
}

// UpdateProfile changes the local name/bio and announces it to the mesh.
func (n *Node) UpdateProfile(name, bio string) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidArgument)
	}
	payload, err := wire.ProfileUpdatePayload{Name: name, Bio: bio}.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return n.doWait(func() error {
		n.name = name
		n.bio = bio
		env := n.originate(wire.TypeProfileUpdate, wire.NodeID{}, wire.DefaultTTL, payload)
		return n.sendBroadcast(env)
	})
}

// SendFile offers the file at path to dest and returns the transfer id.
// Chunks start flowing when the destination accepts.
func (n *Node) SendFile(dest wire.NodeID, path string) (wire.MessageID, error) {
	if err := n.checkRunning(); err != nil {
		return wire.MessageID{}, err
	}
	if dest.IsBroadcast() {
		return wire.MessageID{}, fmt.Errorf("%w: destination required", ErrInvalidArgument)
	}
	if err := n.validDest(dest); err != nil {
		return wire.MessageID{}, err
	}
	offer, err := n.transfers.PrepareSend(dest, path)
	if err != nil {
		if errors.Is(err, filetransfer.ErrTooLarge) {
			return wire.MessageID{}, ErrTooLarge
		}
		return wire.MessageID{}, err
	}
	payload, err := offer.Encode()
	if err != nil {
		n.transfers.FinishOutgoing(offer.FileID)
		return wire.MessageID{}, err
	}
	err = n.doWait(func() error {
		return n.sendAddressed(n.originate(wire.TypeFileOffer, dest, wire.DefaultTTL, payload))
	})
	if err != nil {
		n.transfers.FinishOutgoing(offer.FileID)
		return wire.MessageID{}, err
	}
	return offer.FileID, nil
}

// AcceptFile accepts a previously offered transfer; chunks then stream in.
func (n *Node) AcceptFile(id wire.MessageID) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	sender, err := n.transfers.Accept(id)
	if err != nil {
		if errors.Is(err, filetransfer.ErrUnknownTransfer) {
			return fmt.Errorf("%w: unknown file id", ErrInvalidArgument)
		}
		return err
	}
	return n.doWait(func() error {
		payload := wire.FileAcceptPayload{FileID: id}.Encode()
		return n.sendAddressed(n.originate(wire.TypeFileAccept, sender, wire.DefaultTTL, payload))
	})
}

// SendVoice ships a one-shot voice note, truncated to the note size cap.
func (n *Node) SendVoice(dest wire.NodeID, pcm []byte, durationMs uint32) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	if err := n.validDest(dest); err != nil {
		return err
	}
	if len(pcm) == 0 {
		return fmt.Errorf("%w: empty audio", ErrInvalidArgument)
	}
	payload := wire.VoiceNotePayload{
		DurationMs: durationMs,
		PCM:        audio.ClampVoiceNote(pcm),
	}.Encode()
	return n.doWait(func() error {
		env := n.originate(wire.TypeVoiceNote, dest, wire.DefaultTTL, payload)
		if dest.IsBroadcast() {
			return n.sendBroadcast(env)
		}
		return n.sendAddressed(env)
	})
}

// StartCall rings dest, or answers when dest is already ringing us.
func (n *Node) StartCall(dest wire.NodeID) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	if dest.IsBroadcast() {
		return fmt.Errorf("%w: destination required", ErrInvalidArgument)
	}
	if err := n.validDest(dest); err != nil {
		return err
	}
	state, _, ringingPeer := n.calls.Current()
	var callID wire.MessageID
	if state == audio.CallRinging && ringingPeer == dest {
		id, _, err := n.calls.Answer()
		if err != nil {
			return err
		}
		callID = id
	} else {
		id, err := n.calls.StartOutgoing(dest)
		if err != nil {
			return err
		}
		callID = id
	}
	return n.doWait(func() error {
		payload := wire.CallControlPayload{CallID: callID}.Encode()
		return n.sendAddressed(n.originate(wire.TypeCallStart, dest, wire.DefaultTTL, payload))
	})
}

// EndCall hangs up the current call, if any.
func (n *Node) EndCall() error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	id, peerID, err := n.calls.End()
	if err != nil {
		return err
	}
	return n.doWait(func() error {
		payload := wire.CallControlPayload{CallID: id}.Encode()
		return n.sendAddressed(n.originate(wire.TypeCallEnd, peerID, wire.DefaultTTL, payload))
	})
}

// SendAudioFrame ships one 20 ms frame on the active call. Frames are
// droppable under congestion and never retried.
func (n *Node) SendAudioFrame(dest wire.NodeID, pcm []byte) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	if len(pcm) == 0 || len(pcm) > 2*audio.FrameBytes {
		return fmt.Errorf("%w: bad frame size %d", ErrInvalidArgument, len(pcm))
	}
	state, callID, peerID := n.calls.Current()
	if state != audio.CallActive || peerID != dest {
		return fmt.Errorf("%w: no active call with peer", ErrInvalidArgument)
	}
	payload := wire.AudioFramePayload{CallID: callID, PCM: pcm}.Encode()
	return n.doWait(func() error {
		return n.sendAddressed(n.originate(wire.TypeAudioFrame, dest, wire.DefaultTTL, payload))
	})
}

// Stats snapshots the node counters and also emits them as an event.
func (n *Node) Stats() (Stats, error) {
	if err := n.checkRunning(); err != nil {
		return Stats{}, err
	}
	var s Stats
	err := n.doWait(func() error {
		var drops uint64
		for _, p := range n.reg.All() {
			if p.Conn != nil {
				_, d := p.Conn.QueueStats()
				drops += d
			}
		}
		callState, _, _ := n.calls.Current()
		s = Stats{
			NodeID:       n.self.Hex(),
			Name:         n.name,
			Peers:        n.reg.Len(),
			Established:  len(n.reg.Established()),
			DedupEntries: n.rt.SeenCount(),
			QueueDrops:   drops,
			CallState:    callState.String(),
			Gateway:      n.gateway.Load(),
			Router:       n.met.Snapshot(),
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	stats := s
	n.events.push(Event{Kind: KindStats, Stats: &stats})
	return s, nil
}

// Nuke erases the on-disk identity, announces the wipe, and shuts the node
// down. The next start runs under a fresh NodeID.
func (n *Node) Nuke() error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	if err := n.ident.Nuke(); err != nil {
		return err
	}
	n.events.push(Event{Kind: KindNuked})
	return n.Stop()
}
