// Package node is the mesh engine controller: it owns the event loop, wires
// discovery to transport to sessions, runs the router, and exposes the
// command/event API to the hosting collaborator.
package node

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"meshcore/internal/audio"
	"meshcore/internal/dedup"
	"meshcore/internal/discovery"
	"meshcore/internal/filetransfer"
	"meshcore/internal/identity"
	"meshcore/internal/metrics"
	"meshcore/internal/noise"
	"meshcore/internal/peer"
	"meshcore/internal/router"
	"meshcore/internal/store"
	"meshcore/internal/transport"
	"meshcore/internal/wire"
)

type Options struct {
	Name    string
	Port    int // TCP listen port, default 7332
	DataDir string

	// DownloadDir receives file-transfer sinks, default <DataDir>/downloads.
	DownloadDir string

	DiscoveryPort     int
	DiscoveryInterval time.Duration
	DisableDiscovery  bool

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration
	StopGrace         time.Duration

	QueueCap    int
	EventBuffer int
	DedupCap    int
	DedupTTL    time.Duration

	// GatewayProbe overrides the uplink check, mainly for tests.
	GatewayProbe         func() bool
	GatewayProbeInterval time.Duration

	Logger *zap.Logger
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Name == "" {
		opts.Name = "meshnode"
	}
	if opts.Port == 0 {
		opts.Port = transport.DefaultPort
	}
	if opts.DownloadDir == "" {
		opts.DownloadDir = filepath.Join(opts.DataDir, "downloads")
	}
	if opts.DiscoveryPort == 0 {
		opts.DiscoveryPort = discovery.DefaultPort
	}
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = discovery.DefaultInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 2 * time.Second
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = transport.DefaultQueueCap
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.DedupCap <= 0 {
		opts.DedupCap = dedup.DefaultCap
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = dedup.DefaultTTL
	}
	if opts.GatewayProbe == nil {
		opts.GatewayProbe = probeInternet
	}
	if opts.GatewayProbeInterval <= 0 {
		opts.GatewayProbeInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// link is one TCP connection before and during the handshake. Once the
// remote NodeID is proven by key exchange the link graduates into the peer
// registry.
type link struct {
	conn     *transport.Conn
	outbound bool
	state    peer.State
	deadline time.Time
	eph      *noise.Ephemeral
	bound    wire.NodeID // set once key exchange proves the remote id
	// Discovery metadata for outbound dials.
	expectID wire.NodeID
	name     string
	gateway  bool
}

type Node struct {
	opts Options
	log  *zap.Logger

	running atomic.Bool
	self    wire.NodeID
	ident   *identity.Identity
	gateway atomic.Bool

	name string
	bio  string

	reg       *peer.Registry
	rt        *router.Router
	seen      *dedup.Cache
	transfers *filetransfer.Manager
	calls     *audio.Calls
	hist      *store.Store
	met       *metrics.Metrics

	listener *transport.Listener
	disc     *discovery.Service

	events  *eventQueue
	loopCh  chan func()
	stopCh  chan struct{}
	stopped chan struct{}
	fileOps chan func()

	// pending links not yet bound to a NodeID, keyed by connection.
	pending map[*transport.Conn]*link
	// fileProgress tracks the last emitted receive percentage per transfer;
	// touched only on the file worker goroutine.
	fileProgress map[wire.MessageID]int
	// dialing prevents duplicate outbound dials per candidate.
	dialing map[wire.NodeID]bool

	stopOnce sync.Once
}

func New(opts Options) (*Node, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("%w: data dir required", ErrInvalidArgument)
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d", ErrInvalidArgument, opts.Port)
	}
	o := opts.withDefaults()
	return &Node{
		opts:    o,
		log:     o.Logger,
		name:    o.Name,
		pending: make(map[*transport.Conn]*link),
		dialing: make(map[wire.NodeID]bool),
	}, nil
}

// Start brings the node up: identity, listener, discovery, event loop.
// Identity or socket failures are fatal and leave the node stopped.
func (n *Node) Start() error {
	if n.running.Load() {
		return ErrAlreadyRunning
	}

	ident, err := identity.LoadOrCreate(n.opts.DataDir)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	n.ident = ident
	n.self = ident.NodeID()

	n.seen = dedup.New(n.opts.DedupCap, n.opts.DedupTTL)
	n.rt = router.New(n.self, n.seen)
	n.reg = peer.NewRegistry(n.self, n.log)
	n.transfers = filetransfer.NewManager(n.opts.DownloadDir)
	n.calls = audio.NewCalls()
	n.hist = store.New(n.opts.DataDir)
	n.met = metrics.New()
	n.events = newEventQueue(n.opts.EventBuffer)
	n.loopCh = make(chan func(), 256)
	n.stopCh = make(chan struct{})
	n.stopped = make(chan struct{})
	n.fileOps = make(chan func(), 64)
	n.fileProgress = make(map[wire.MessageID]int)
	n.pending = make(map[*transport.Conn]*link)
	n.dialing = make(map[wire.NodeID]bool)

	listener, err := transport.Listen(n.opts.Port, n.onInbound, transport.ListenerOptions{
		QueueCap: n.opts.QueueCap,
		Logger:   n.log,
	})
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	n.listener = listener

	n.gateway.Store(n.opts.GatewayProbe())

	var arrivals <-chan discovery.Arrival
	if !n.opts.DisableDiscovery {
		n.disc = discovery.New(n.self, n.name, n.listener.Port(), discovery.Options{
			Port:     n.opts.DiscoveryPort,
			Interval: n.opts.DiscoveryInterval,
			Gateway:  n.gateway.Load,
			Logger:   n.log,
		})
		arrivals, err = n.disc.Start()
		if err != nil {
			n.listener.Close()
			return fmt.Errorf("discovery: %w", err)
		}
	}

	n.stopOnce = sync.Once{}
	n.running.Store(true)
	go n.run(arrivals)
	go n.fileWorker()

	n.log.Info("node started",
		zap.String("node_id", n.self.Short()),
		zap.Int("port", n.listener.Port()))
	n.events.push(Event{Kind: KindStarted, Peer: n.self, Name: n.name})
	return nil
}

// Stop drains outbound queues within the grace period, closes every socket,
// and emits Stopped as the final event.
func (n *Node) Stop() error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	n.stopOnce.Do(func() {
		n.running.Store(false)
		close(n.stopCh)
		<-n.stopped

		if n.disc != nil {
			n.disc.Close()
		}
		n.listener.Close()

		var wg sync.WaitGroup
		for _, p := range n.reg.All() {
			if p.Conn == nil {
				continue
			}
			wg.Add(1)
			go func(c *transport.Conn) {
				defer wg.Done()
				c.Drain(n.opts.StopGrace)
			}(p.Conn)
		}
		for _, l := range n.pending {
			l.conn.Close()
		}
		wg.Wait()
		for _, p := range n.reg.All() {
			n.reg.Remove(p.ID)
		}

		if err := n.hist.Compact(); err != nil {
			n.log.Warn("contact compaction failed", zap.Error(err))
		}
		n.events.push(Event{Kind: KindStopped})
		n.events.close()
		n.log.Info("node stopped")
	})
	return nil
}

// Events is the collaborator-facing stream. It closes after Stopped. Nil
// until the node has started.
func (n *Node) Events() <-chan Event {
	if n.events == nil {
		return nil
	}
	return n.events.out
}

// Poll drains up to max ready events without blocking, for collaborators
// that pull instead of subscribing. A single consumer should stick to one
// model.
func (n *Node) Poll(max int) []Event {
	if n.events == nil {
		return nil
	}
	var out []Event
	for max <= 0 || len(out) < max {
		select {
		case ev, ok := <-n.events.out:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
	return out
}

// NodeID returns the hex node id once started.
func (n *Node) NodeID() (string, error) {
	if !n.running.Load() {
		return "", ErrNotRunning
	}
	return n.self.Hex(), nil
}

// run is the single event loop; all protocol state is touched only here.
func (n *Node) run(arrivals <-chan discovery.Arrival) {
	defer close(n.stopped)
	heartbeat := time.NewTicker(n.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	gwProbe := time.NewTicker(n.opts.GatewayProbeInterval)
	defer gwProbe.Stop()
	sweepEvery := n.opts.HandshakeTimeout / 4
	if sweepEvery > time.Second {
		sweepEvery = time.Second
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()
	if arrivals == nil {
		arrivals = make(chan discovery.Arrival)
	}

	for {
		select {
		case fn := <-n.loopCh:
			fn()
		case arr := <-arrivals:
			n.handleArrival(arr)
		case <-heartbeat.C:
			n.heartbeat()
		case <-sweep.C:
			n.sweepHandshakes()
		case <-gwProbe.C:
			go func() {
				up := n.opts.GatewayProbe()
				n.do(func() { n.gateway.Store(up) })
			}()
		case <-n.stopCh:
			return
		}
	}
}

// do schedules fn onto the event loop; returns false when stopping.
func (n *Node) do(fn func()) bool {
	select {
	case n.loopCh <- fn:
		return true
	case <-n.stopCh:
		return false
	}
}

// doWait runs fn on the loop and returns its result to the caller.
func (n *Node) doWait(fn func() error) error {
	errCh := make(chan error, 1)
	if !n.do(func() { errCh <- fn() }) {
		return ErrNotRunning
	}
	select {
	case err := <-errCh:
		return err
	case <-n.stopCh:
		return ErrNotRunning
	}
}

// fileWorker serializes blocking disk work off the event loop.
func (n *Node) fileWorker() {
	for {
		select {
		case fn := <-n.fileOps:
			fn()
		case <-n.stopCh:
			return
		}
	}
}

// fileWork enqueues a blocking disk operation, waiting for room on the
// worker queue. It reports false, without queueing fn, once the node is
// stopping.
func (n *Node) fileWork(fn func()) bool {
	select {
	case n.fileOps <- fn:
		return true
	case <-n.stopCh:
		return false
	}
}
