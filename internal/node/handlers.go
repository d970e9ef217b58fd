package node

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"meshcore/internal/audio"
	"meshcore/internal/filetransfer"
	"meshcore/internal/peer"
	"meshcore/internal/store"
	"meshcore/internal/wire"
)

// handleEnvelope is the single inbound entry point, on the event loop.
func (n *Node) handleEnvelope(l *link, env *wire.Envelope) {
	if env.Type == wire.TypeKeyExchange {
		n.handleKeyExchange(l, env)
		return
	}
	p, ok := n.reg.Get(l.bound)
	if !ok || p.Conn != l.conn {
		// Application traffic before the key exchange is a protocol
		// violation.
		n.met.IncProtocolFailure()
		if pl, pending := n.pending[l.conn]; pending {
			n.dropLink(pl, errors.New("traffic before key exchange"))
		}
		return
	}

	switch env.Type {
	case wire.TypePing:
		pong := wire.NewEnvelope(wire.TypePong, n.self, p.ID, 0, env.Payload)
		if err := n.sendOnConn(p, pong); err != nil {
			n.log.Debug("pong failed", zap.Error(err))
		}
		return
	case wire.TypePong:
		p.LastPong = time.Now()
		return
	case wire.TypeDiscovery:
		// Discovery rides UDP; on a stream it is noise.
		return
	}

	if !env.Type.Known() {
		n.met.IncDropUnknownType()
		return
	}

	if env.Type.Sealed() {
		plain, err := p.Session.Open(env.Payload, env.HeaderAAD())
		if err != nil {
			n.met.IncProtocolFailure()
			n.closePeer(p, err)
			return
		}
		env = env.Clone()
		env.Payload = plain
	}

	// The first verified sealed envelope completes the handshake.
	if p.State == peer.StateHandshaking {
		n.confirmPeer(p)
	}

	established := n.reg.Established()
	ids := make([]wire.NodeID, len(established))
	for i, q := range established {
		ids[i] = q.ID
	}
	d := n.rt.Route(env, p.ID, ids)
	if d.Deliver {
		n.met.IncDelivered()
		n.deliver(p, env)
	} else if d.Forward == nil {
		n.met.IncDropDuplicate()
	}
	if d.Forward != nil {
		n.met.IncForwarded()
		for _, id := range d.Targets {
			q, ok := n.reg.Get(id)
			if !ok {
				continue
			}
			if err := n.sendOnConn(q, d.Forward); err != nil {
				n.log.Debug("forward failed",
					zap.String("peer", id.Short()), zap.Error(err))
			}
		}
	}
}

// deliver dispatches a locally addressed envelope to events, history, and
// the subprotocol managers.
func (n *Node) deliver(from *peer.Peer, env *wire.Envelope) {
	originName := n.displayName(env.Origin)

	switch env.Type {
	case wire.TypeText:
		text := string(env.Payload)
		n.events.push(Event{
			Kind: KindMessageReceived,
			Peer: env.Origin,
			Name: originName,
			Text: text,
		})
		n.recordMessage(env, "text", text, 0, 0)

	case wire.TypePublicBroadcast:
		text := string(env.Payload)
		n.events.push(Event{
			Kind: KindPublicBroadcastReceived,
			Peer: env.Origin,
			Name: originName,
			Text: text,
		})
		n.recordMessage(env, "public_broadcast", text, 0, 0)

	case wire.TypeSOS:
		sos, err := wire.DecodeSOSPayload(env.Payload)
		if err != nil {
			n.met.IncProtocolFailure()
			return
		}
		n.events.push(Event{
			Kind: KindSOSReceived,
			Peer: env.Origin,
			Name: originName,
			Text: sos.Text,
			Lat:  sos.Lat,
			Lon:  sos.Lon,
		})
		n.recordMessage(env, "sos", sos.Text, sos.Lat, sos.Lon)

	case wire.TypeVoiceNote:
		vn, err := wire.DecodeVoiceNotePayload(env.Payload)
		if err != nil {
			n.met.IncProtocolFailure()
			return
		}
		n.events.push(Event{
			Kind:       KindVoiceReceived,
			Peer:       env.Origin,
			Name:       originName,
			PCM:        audio.ClampVoiceNote(vn.PCM),
			DurationMs: vn.DurationMs,
		})
		n.recordMessage(env, "voice_note", "", 0, 0)

	case wire.TypeProfileUpdate:
		pu, err := wire.DecodeProfileUpdatePayload(env.Payload)
		if err != nil {
			return
		}
		if p, ok := n.reg.Get(env.Origin); ok {
			p.Name = pu.Name
			p.Bio = pu.Bio
		}
		n.events.push(Event{
			Kind: KindProfileUpdated,
			Peer: env.Origin,
			Name: pu.Name,
			Bio:  pu.Bio,
		})
		contact := store.Contact{
			NodeID:   env.Origin.Hex(),
			Name:     pu.Name,
			Bio:      pu.Bio,
			LastSeen: time.Now().UTC(),
		}
		n.fileWork(func() { _ = n.hist.UpsertContact(contact) })

	case wire.TypePeerExchange:
		px, err := wire.DecodePeerExchangePayload(env.Payload)
		if err != nil {
			return
		}
		now := time.Now().UTC()
		contacts := make([]store.Contact, 0, len(px.Peers))
		for _, e := range px.Peers {
			if e.NodeID == n.self {
				continue
			}
			contacts = append(contacts, store.Contact{
				NodeID:   e.NodeID.Hex(),
				Name:     e.Name,
				LastSeen: now,
			})
		}
		n.fileWork(func() {
			for _, c := range contacts {
				_ = n.hist.UpsertContact(c)
			}
		})

	case wire.TypeFileOffer:
		n.handleFileOffer(env, originName)

	case wire.TypeFileAccept:
		n.handleFileAccept(env)

	case wire.TypeFileChunk:
		n.handleFileChunk(env)

	case wire.TypeCallStart:
		cc, err := wire.DecodeCallControlPayload(env.Payload)
		if err != nil {
			return
		}
		state, err := n.calls.HandleStart(env.Origin, cc.CallID)
		if err != nil {
			// Busy: decline by ending the rival call id.
			decline := wire.NewEnvelope(wire.TypeCallEnd, n.self, env.Origin,
				wire.DefaultTTL-1, wire.CallControlPayload{CallID: cc.CallID}.Encode())
			n.sendAddressed(decline)
			return
		}
		if state == audio.CallRinging {
			n.events.push(Event{
				Kind:   KindCallIncoming,
				Peer:   env.Origin,
				Name:   originName,
				CallID: cc.CallID,
			})
		}

	case wire.TypeCallEnd:
		cc, err := wire.DecodeCallControlPayload(env.Payload)
		if err != nil {
			return
		}
		if n.calls.HandleEnd(env.Origin, cc.CallID) {
			n.events.push(Event{Kind: KindCallEnded, Peer: env.Origin, CallID: cc.CallID})
		}

	case wire.TypeAudioFrame:
		af, err := wire.DecodeAudioFramePayload(env.Payload)
		if err != nil {
			return
		}
		if !n.calls.Active(env.Origin, af.CallID) {
			return
		}
		n.events.push(Event{
			Kind:   KindAudioFrameReceived,
			Peer:   env.Origin,
			CallID: af.CallID,
			PCM:    af.PCM,
		})
	}
}

func (n *Node) displayName(id wire.NodeID) string {
	if p, ok := n.reg.Get(id); ok && p.Name != "" {
		return p.Name
	}
	return "node-" + id.Short()
}

func (n *Node) recordMessage(env *wire.Envelope, kind, text string, lat, lon float64) {
	msg := store.Message{
		MsgID:      env.MsgID.Hex(),
		Origin:     env.Origin.Hex(),
		OriginName: n.displayName(env.Origin),
		Kind:       kind,
		Text:       text,
		Lat:        lat,
		Lon:        lon,
		ReceivedAt: time.Now().UTC(),
	}
	n.fileWork(func() {
		if err := n.hist.AddMessage(msg); err != nil {
			n.log.Debug("history write failed", zap.Error(err))
		}
	})
}

func (n *Node) handleFileOffer(env *wire.Envelope, originName string) {
	offer, err := wire.DecodeFileOfferPayload(env.Payload)
	if err != nil {
		n.met.IncProtocolFailure()
		return
	}
	if err := n.transfers.RegisterIncoming(offer, env.Origin); err != nil {
		n.log.Warn("file offer rejected",
			zap.String("from", env.Origin.Short()),
			zap.String("file", offer.Filename),
			zap.Error(err))
		n.met.IncFilesAborted()
		return
	}
	n.events.push(Event{
		Kind:     KindFileOffered,
		Peer:     env.Origin,
		Name:     originName,
		FileID:   offer.FileID,
		Filename: offer.Filename,
		Size:     offer.Size,
	})
}

func (n *Node) handleFileAccept(env *wire.Envelope) {
	acc, err := wire.DecodeFileAcceptPayload(env.Payload)
	if err != nil {
		return
	}
	dest, ok := n.transfers.OutgoingDest(acc.FileID)
	if !ok || dest != env.Origin {
		return
	}
	out, err := n.transfers.MarkAccepted(acc.FileID)
	if err != nil {
		return
	}
	go n.pumpFile(acc.FileID, dest, out.Offer.Chunks)
}

func (n *Node) handleFileChunk(env *wire.Envelope) {
	chunk, err := wire.DecodeFileChunkPayload(env.Payload)
	if err != nil {
		n.met.IncProtocolFailure()
		return
	}
	sender, ok := n.transfers.IncomingSender(chunk.FileID)
	if !ok || sender != env.Origin {
		return
	}
	n.fileWork(func() {
		progress, complete, err := n.transfers.ReceiveChunk(chunk.FileID, chunk.Index, chunk.Data)
		if err != nil {
			if errors.Is(err, filetransfer.ErrChunkOutOfRange) {
				n.log.Warn("aborting transfer: chunk out of range",
					zap.Uint32("index", chunk.Index))
				n.transfers.Abort(chunk.FileID)
				n.met.IncFilesAborted()
			}
			return
		}
		if last, seen := n.fileProgress[chunk.FileID]; !seen || progress > last {
			n.fileProgress[chunk.FileID] = progress
			n.events.push(Event{
				Kind:     KindFileProgress,
				Peer:     env.Origin,
				FileID:   chunk.FileID,
				Progress: progress,
			})
		}
		if !complete {
			return
		}
		delete(n.fileProgress, chunk.FileID)
		path, err := n.transfers.Finalize(chunk.FileID)
		if err != nil {
			n.log.Warn("transfer finalize failed", zap.Error(err))
			n.met.IncFilesAborted()
			return
		}
		n.met.IncFilesCompleted()
		n.events.push(Event{
			Kind:   KindFileComplete,
			Peer:   env.Origin,
			FileID: chunk.FileID,
			Path:   path,
		})
	})
}

// pumpFile streams an accepted outgoing transfer. It runs on its own
// goroutine: chunk reads block on disk, sends hop through the loop, and
// congested queues are retried rather than dropped.
func (n *Node) pumpFile(id wire.MessageID, dest wire.NodeID, totalChunks uint32) {
	lastPct := -1
	for {
		chunk, more, err := n.transfers.NextChunk(id)
		if err != nil {
			n.log.Warn("file read failed", zap.Error(err))
			n.transfers.Abort(id)
			n.met.IncFilesAborted()
			return
		}
		if !more {
			n.transfers.FinishOutgoing(id)
			n.events.push(Event{Kind: KindFileComplete, Peer: dest, FileID: id})
			return
		}
		env := wire.NewEnvelope(wire.TypeFileChunk, n.self, dest,
			wire.DefaultTTL-1, chunk.Encode())
		for {
			err := n.doWait(func() error { return n.sendAddressed(env) })
			if err == nil {
				break
			}
			if errors.Is(err, ErrQueueFull) {
				time.Sleep(20 * time.Millisecond)
				continue
			}
			n.transfers.Abort(id)
			n.met.IncFilesAborted()
			return
		}
		if pct := int(uint64(chunk.Index+1) * 100 / uint64(totalChunks)); pct > lastPct {
			lastPct = pct
			n.events.push(Event{
				Kind:     KindFileProgress,
				Peer:     dest,
				FileID:   id,
				Progress: pct,
			})
		}
	}
}
