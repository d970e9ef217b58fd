// Package router implements the flood-routing decision: dedup gating,
// reflection drops, local delivery, and TTL-bounded forwarding.
package router

import (
	"meshcore/internal/dedup"
	"meshcore/internal/wire"
)

// Decision is the router's verdict on one inbound envelope.
type Decision struct {
	// Deliver means the envelope is handed to the local application.
	Deliver bool
	// Forward is the TTL-decremented copy to relay, nil when not forwarding.
	Forward *wire.Envelope
	// Targets are the peers to relay to, ascending by NodeID.
	Targets []wire.NodeID
}

type Router struct {
	self wire.NodeID
	seen *dedup.Cache
}

func New(self wire.NodeID, seen *dedup.Cache) *Router {
	return &Router{self: self, seen: seen}
}

// Route decides what to do with env, which arrived from peer `from`.
// `established` must be sorted ascending by NodeID; the arrival peer and
// the origin are excluded from the forward set.
func (r *Router) Route(env *wire.Envelope, from wire.NodeID, established []wire.NodeID) Decision {
	if r.seen.Seen(env.MsgID) {
		return Decision{}
	}
	if env.Origin == r.self {
		return Decision{}
	}

	var d Decision
	toSelf := env.Dest == r.self
	if toSelf || env.Dest.IsBroadcast() {
		d.Deliver = true
	}
	// A destination-addressed envelope stops at its destination; everything
	// else relays while TTL remains.
	if toSelf || env.TTL == 0 {
		return d
	}

	fwd := env.Clone()
	fwd.TTL--
	for _, id := range established {
		if id == from || id == env.Origin {
			continue
		}
		d.Targets = append(d.Targets, id)
	}
	if len(d.Targets) > 0 {
		d.Forward = fwd
	}
	return d
}

// SeenCount reports the dedup cache population, for stats.
func (r *Router) SeenCount() int { return r.seen.Len() }
