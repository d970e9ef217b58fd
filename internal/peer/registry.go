package peer

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"meshcore/internal/wire"
)

var ErrStateRegression = errors.New("peer state regression")

// Registry holds at most one live peer per NodeID.
type Registry struct {
	mu    sync.Mutex
	peers map[wire.NodeID]*Peer
	self  wire.NodeID
	log   *zap.Logger
}

func NewRegistry(self wire.NodeID, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		peers: make(map[wire.NodeID]*Peer),
		self:  self,
		log:   log,
	}
}

// Add registers p. When a peer with the same NodeID already exists, the
// connection whose initiator has the lexicographically smaller NodeID wins:
// the loser is returned as evicted so the caller can close it. Add reports
// whether p was kept.
func (r *Registry) Add(p *Peer) (kept bool, evicted *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.peers[p.ID]
	if !ok {
		r.peers[p.ID] = p
		return true, nil
	}

	// The surviving connection is the one dialed by the smaller NodeID.
	// Our dial wins when self < peer; their dial wins otherwise.
	weInitiate := bytes.Compare(r.self[:], p.ID[:]) < 0
	newWins := p.Outbound == weInitiate && existing.Outbound != weInitiate
	if !newWins {
		r.log.Debug("duplicate connection dropped",
			zap.String("peer", p.ID.Short()),
			zap.Bool("outbound", p.Outbound))
		return false, p
	}
	r.log.Debug("duplicate connection replaced",
		zap.String("peer", p.ID.Short()),
		zap.Bool("outbound", p.Outbound))
	r.peers[p.ID] = p
	return true, existing
}

func (r *Registry) Get(id wire.NodeID) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	return p, ok
}

// Advance moves the peer to state, refusing downward transitions.
func (r *Registry) Advance(id wire.NodeID, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return errors.New("unknown peer")
	}
	if state < p.State {
		return ErrStateRegression
	}
	p.State = state
	return nil
}

// Remove drops the peer; callers close its connection. The entry is gone
// from the map afterwards.
func (r *Registry) Remove(id wire.NodeID) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	p.State = StateGone
	delete(r.peers, id)
	return p, true
}

// Established returns established peers ascending by NodeID. The order is
// the forwarding tie-break, so it must be deterministic.
func (r *Registry) Established() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.State == StateEstablished {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// All returns every live peer in unspecified order.
func (r *Registry) All() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
