package node

import (
	"bytes"
	"fmt"
	"time"

	"go.uber.org/zap"

	"meshcore/internal/discovery"
	"meshcore/internal/noise"
	"meshcore/internal/peer"
	"meshcore/internal/store"
	"meshcore/internal/transport"
	"meshcore/internal/wire"
)

// onInbound runs on the accept goroutine for every new inbound connection.
func (n *Node) onInbound(c *transport.Conn) {
	n.do(func() {
		l := &link{
			conn:     c,
			outbound: false,
			state:    peer.StateConnecting,
			deadline: time.Now().Add(n.opts.HandshakeTimeout),
		}
		n.pending[c] = l
		n.startLink(l)
	})
}

// handleArrival reacts to a discovery announcement: refresh known peers,
// dial unknown ones. A zero NodeID means a manual candidate whose identity
// the key exchange will reveal.
func (n *Node) handleArrival(arr discovery.Arrival) {
	if arr.NodeID != (wire.NodeID{}) {
		if p, ok := n.reg.Get(arr.NodeID); ok {
			p.Name = arr.Name
			p.Addr = arr.Addr
			if arr.Gateway != p.Gateway {
				p.Gateway = arr.Gateway
				if p.Established() {
					kind := KindGatewayLost
					if arr.Gateway {
						kind = KindGatewayFound
					}
					n.events.push(Event{Kind: kind, Peer: p.ID, Name: p.Name})
				}
			}
			return
		}
		if n.dialing[arr.NodeID] {
			return
		}
		n.dialing[arr.NodeID] = true
	}
	n.log.Debug("dialing discovered peer",
		zap.String("peer", arr.NodeID.Short()), zap.String("addr", arr.Addr))

	go func() {
		c, err := transport.Dial(arr.Addr, 5*time.Second, transport.ConnOptions{
			QueueCap: n.opts.QueueCap,
			Logger:   n.log,
		})
		n.do(func() {
			delete(n.dialing, arr.NodeID)
			if err != nil {
				n.log.Debug("dial failed",
					zap.String("addr", arr.Addr), zap.Error(err))
				return
			}
			if _, connected := n.reg.Get(arr.NodeID); connected && arr.NodeID != (wire.NodeID{}) {
				c.Close()
				return
			}
			l := &link{
				conn:     c,
				outbound: true,
				state:    peer.StateConnecting,
				deadline: time.Now().Add(n.opts.HandshakeTimeout),
				expectID: arr.NodeID,
				name:     arr.Name,
				gateway:  arr.Gateway,
			}
			n.pending[c] = l
			n.startLink(l)
			if err := n.sendKeyExchange(l); err != nil {
				n.dropLink(l, err)
			}
		})
	}()
}

// startLink wires the connection callbacks into the event loop.
func (n *Node) startLink(l *link) {
	c := l.conn
	c.Start(
		func(env *wire.Envelope) {
			n.do(func() { n.handleEnvelope(l, env) })
		},
		func(err error) {
			n.do(func() { n.connClosed(c, err) })
		},
	)
}

// sendKeyExchange emits our ephemeral public key; the link is then
// "key sent".
func (n *Node) sendKeyExchange(l *link) error {
	if l.eph == nil {
		eph, err := noise.GenerateEphemeral()
		if err != nil {
			return err
		}
		l.eph = eph
	}
	pub, err := l.eph.Public()
	if err != nil {
		return err
	}
	env := wire.NewEnvelope(wire.TypeKeyExchange, n.self, wire.NodeID{}, 0,
		wire.KeyExchangePayload{Public: pub}.Encode())
	if err := l.conn.Send(env); err != nil {
		return err
	}
	l.state = peer.StateHandshaking
	return nil
}

// handleKeyExchange derives the session from the remote ephemeral and
// promotes the link into the registry. The peer stays "handshaking" until
// the first sealed envelope from it verifies; only then is it established
// and announced.
func (n *Node) handleKeyExchange(l *link, env *wire.Envelope) {
	if l.bound != (wire.NodeID{}) {
		return // rekey not supported on a live link
	}
	remote := env.Origin
	if remote == n.self {
		n.dropLink(l, fmt.Errorf("connection to self"))
		return
	}
	kx, err := wire.DecodeKeyExchangePayload(env.Payload)
	if err != nil {
		n.met.IncProtocolFailure()
		n.dropLink(l, err)
		return
	}
	if l.outbound && l.expectID != (wire.NodeID{}) && remote != l.expectID {
		n.met.IncProtocolFailure()
		n.dropLink(l, fmt.Errorf("node id mismatch: dialed %s, got %s",
			l.expectID.Short(), remote.Short()))
		return
	}
	// Inbound side answers with its own key exchange.
	if l.eph == nil {
		if err := n.sendKeyExchange(l); err != nil {
			n.dropLink(l, err)
			return
		}
	}

	shared, err := l.eph.Shared(kx.Public)
	if err != nil {
		n.met.IncProtocolFailure()
		n.dropLink(l, err)
		return
	}
	keys, err := noise.Derive(shared)
	noise.Zero(shared)
	if err != nil {
		n.dropLink(l, err)
		return
	}
	sendKey, recvKey := keys.Low, keys.High
	if bytes.Compare(n.self[:], remote[:]) > 0 {
		sendKey, recvKey = keys.High, keys.Low
	}
	session, err := noise.NewSession(sendKey, recvKey)
	noise.Zero(keys.Low)
	noise.Zero(keys.High)
	l.eph.Destroy()
	l.eph = nil
	if err != nil {
		n.dropLink(l, err)
		return
	}

	name := l.name
	if name == "" {
		name = "node-" + remote.Short()
	}
	now := time.Now()
	p := &peer.Peer{
		ID:                remote,
		Name:              name,
		Gateway:           l.gateway,
		Addr:              l.conn.RemoteAddr(),
		Conn:              l.conn,
		Session:           session,
		State:             peer.StateHandshaking,
		Outbound:          l.outbound,
		ConnectedAt:       now,
		HandshakeDeadline: l.deadline,
		LastPong:          now,
	}
	l.bound = remote
	delete(n.pending, l.conn)

	kept, evicted := n.reg.Add(p)
	if evicted != nil {
		evicted.Conn.Close()
		// A replaced connection that was already announced still owes its
		// disconnect event; the replacement will re-announce on
		// confirmation.
		if evicted.State == peer.StateEstablished {
			if evicted.Gateway {
				n.events.push(Event{Kind: KindGatewayLost, Peer: evicted.ID, Name: evicted.Name})
			}
			n.events.push(Event{Kind: KindPeerDisconnected, Peer: evicted.ID, Name: evicted.Name})
		}
	}
	if !kept {
		return
	}

	// Key confirmation doubles as the first gossip: a sealed peer exchange.
	// The remote verifying it proves both sides derived the same key.
	if err := n.sendPeerExchange(p); err != nil {
		n.closePeer(p, err)
	}
}

// confirmPeer runs on the first verified sealed envelope from a
// handshaking peer: the session is proven, the peer is established.
func (n *Node) confirmPeer(p *peer.Peer) {
	p.State = peer.StateEstablished
	n.log.Info("peer established",
		zap.String("peer", p.ID.Short()), zap.String("name", p.Name))
	n.events.push(Event{Kind: KindPeerConnected, Peer: p.ID, Name: p.Name})
	if p.Gateway {
		n.events.push(Event{Kind: KindGatewayFound, Peer: p.ID, Name: p.Name})
	}
	contact := store.Contact{
		NodeID:   p.ID.Hex(),
		Name:     p.Name,
		Gateway:  p.Gateway,
		LastSeen: time.Now().UTC(),
	}
	n.fileWork(func() {
		if err := n.hist.UpsertContact(contact); err != nil {
			n.log.Debug("contact persist failed", zap.Error(err))
		}
	})
	if err := n.sendProfileUpdate(p); err != nil {
		n.log.Debug("profile send failed", zap.Error(err))
	}
}

func (n *Node) sendPeerExchange(p *peer.Peer) error {
	px := wire.PeerExchangePayload{}
	for _, q := range n.reg.Established() {
		if q.ID == p.ID {
			continue
		}
		px.Peers = append(px.Peers, wire.PeerEntry{NodeID: q.ID, Name: q.Name})
	}
	payload, err := px.Encode()
	if err != nil {
		return err
	}
	env := wire.NewEnvelope(wire.TypePeerExchange, n.self, p.ID, 0, payload)
	return n.sendOnConn(p, env)
}

func (n *Node) sendProfileUpdate(p *peer.Peer) error {
	payload, err := wire.ProfileUpdatePayload{Name: n.name, Bio: n.bio}.Encode()
	if err != nil {
		return err
	}
	env := wire.NewEnvelope(wire.TypeProfileUpdate, n.self, p.ID, 0, payload)
	return n.sendOnConn(p, env)
}

// sendOnConn seals (when the type calls for it) and enqueues env on the
// peer's connection.
func (n *Node) sendOnConn(p *peer.Peer, env *wire.Envelope) error {
	out := env
	if env.Type.Sealed() {
		sealed, err := p.Session.Seal(env.Payload, env.HeaderAAD())
		if err != nil {
			return err
		}
		out = env.Clone()
		out.Payload = sealed
	}
	if err := p.Conn.Send(out); err != nil {
		if err == transport.ErrQueueFull {
			n.met.AddDropQueueFull(1)
		}
		return err
	}
	return nil
}

// dropLink closes a connection that never graduated into the registry.
func (n *Node) dropLink(l *link, err error) {
	n.log.Debug("link dropped",
		zap.String("addr", l.conn.RemoteAddr()), zap.Error(err))
	if l.eph != nil {
		l.eph.Destroy()
		l.eph = nil
	}
	delete(n.pending, l.conn)
	l.conn.Close()
}

// connClosed fires once per dead connection. A replaced connection no
// longer backs its peer, so only the current owner is torn down.
func (n *Node) connClosed(c *transport.Conn, err error) {
	if l, ok := n.pending[c]; ok {
		n.dropLink(l, err)
		return
	}
	for _, p := range n.reg.All() {
		if p.Conn == c {
			n.closePeer(p, err)
			return
		}
	}
}

// closePeer tears down a registered peer. Disconnect events only fire for
// peers that were announced as connected.
func (n *Node) closePeer(p *peer.Peer, err error) {
	wasEstablished := p.Established()
	p.State = peer.StateClosing
	n.reg.Remove(p.ID)
	p.Conn.Close()
	p.Session = nil
	n.log.Info("peer closed",
		zap.String("peer", p.ID.Short()),
		zap.Bool("established", wasEstablished),
		zap.Error(err))

	if aborted := n.transfers.AbortPeer(p.ID); len(aborted) > 0 {
		for range aborted {
			n.met.IncFilesAborted()
		}
	}
	if !wasEstablished {
		return
	}
	if n.calls.PeerGone(p.ID) {
		n.events.push(Event{Kind: KindCallEnded, Peer: p.ID})
	}
	if p.Gateway {
		n.events.push(Event{Kind: KindGatewayLost, Peer: p.ID, Name: p.Name})
	}
	n.events.push(Event{Kind: KindPeerDisconnected, Peer: p.ID, Name: p.Name})
}

// heartbeat pings every established peer and reaps the silent ones.
func (n *Node) heartbeat() {
	now := time.Now()
	for _, p := range n.reg.Established() {
		if now.Sub(p.LastPong) > n.opts.HeartbeatTimeout {
			n.closePeer(p, fmt.Errorf("heartbeat timeout"))
			continue
		}
		p.PingSeq++
		env := wire.NewEnvelope(wire.TypePing, n.self, p.ID, 0,
			wire.PingPayload{Seq: p.PingSeq}.Encode())
		if err := n.sendOnConn(p, env); err != nil {
			n.log.Debug("ping failed", zap.String("peer", p.ID.Short()), zap.Error(err))
		}
	}
}

// sweepHandshakes disconnects links and peers that blew the handshake
// deadline.
func (n *Node) sweepHandshakes() {
	now := time.Now()
	for _, l := range n.pending {
		if now.After(l.deadline) {
			n.dropLink(l, fmt.Errorf("handshake timeout"))
		}
	}
	for _, p := range n.reg.All() {
		if p.State == peer.StateHandshaking && now.After(p.HandshakeDeadline) {
			n.closePeer(p, fmt.Errorf("handshake confirmation timeout"))
		}
	}
}
