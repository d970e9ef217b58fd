package discovery

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"

	"meshcore/internal/wire"
)

const (
	DefaultPort     = 7331
	DefaultInterval = 5 * time.Second
)

// Arrival is an announcement from a previously unknown or refreshed peer.
type Arrival struct {
	NodeID  wire.NodeID
	Name    string
	Addr    string // host:port of the peer's TCP listener
	Gateway bool
}

type Options struct {
	Port     int
	Interval time.Duration
	// Gateway is sampled before each announcement so uplink changes
	// propagate without restarting the service.
	Gateway func() bool
	Logger  *zap.Logger
}

// Service owns the announcer and listener sockets.
type Service struct {
	self     wire.NodeID
	name     string
	tcpPort  uint16
	port     int
	interval time.Duration
	gateway  func() bool
	log      *zap.Logger

	pc       net.PacketConn
	sender   *net.UDPConn
	arrivals chan Arrival
	done     chan struct{}
}

func New(self wire.NodeID, name string, tcpPort int, opts Options) *Service {
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gateway == nil {
		opts.Gateway = func() bool { return false }
	}
	return &Service{
		self:     self,
		name:     name,
		tcpPort:  uint16(tcpPort),
		port:     opts.Port,
		interval: opts.Interval,
		gateway:  opts.Gateway,
		log:      opts.Logger,
		arrivals: make(chan Arrival, 64),
		done:     make(chan struct{}),
	}
}

// Start binds the shared listener socket (SO_REUSEADDR so several nodes can
// coexist on one host) and launches the announce and receive loops.
func (s *Service) Start() (<-chan Arrival, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return nil, fmt.Errorf("bind discovery port %d: %w", s.port, err)
	}
	s.pc = pc

	sender, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("bind discovery sender: %w", err)
	}
	s.sender = sender
	if err := setBroadcast(sender); err != nil {
		s.log.Warn("enable broadcast failed", zap.Error(err))
	}

	go s.announceLoop()
	go s.receiveLoop()
	s.log.Info("discovery started", zap.Int("port", s.port))
	return s.arrivals, nil
}

func (s *Service) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	if s.pc != nil {
		_ = s.pc.Close()
	}
	if s.sender != nil {
		_ = s.sender.Close()
	}
}

func (s *Service) announceLoop() {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.announce()
	for {
		select {
		case <-t.C:
			s.announce()
		case <-s.done:
			return
		}
	}
}

func (s *Service) announce() {
	pkt, err := Announcement{
		NodeID:  s.self,
		Name:    s.name,
		TCPPort: s.tcpPort,
		Gateway: s.gateway(),
	}.Encode()
	if err != nil {
		s.log.Warn("encode announcement failed", zap.Error(err))
		return
	}
	for _, dst := range broadcastTargets(s.port) {
		if _, err := s.sender.WriteToUDP(pkt, dst); err != nil {
			s.log.Debug("broadcast failed",
				zap.String("target", dst.String()), zap.Error(err))
		}
	}
}

func (s *Service) receiveLoop() {
	buf := make([]byte, maxAnnounceSize)
	for {
		n, from, err := s.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Warn("discovery read failed", zap.Error(err))
			}
			return
		}
		a, err := DecodeAnnouncement(buf[:n])
		if err != nil || a.NodeID == s.self {
			continue
		}
		host, _, err := net.SplitHostPort(from.String())
		if err != nil {
			continue
		}
		arr := Arrival{
			NodeID:  a.NodeID,
			Name:    a.Name,
			Addr:    net.JoinHostPort(host, fmt.Sprintf("%d", a.TCPPort)),
			Gateway: a.Gateway,
		}
		select {
		case s.arrivals <- arr:
		default:
			// The node is behind; stale arrivals are refreshed by the next
			// announcement anyway.
		}
	}
}

// broadcastTargets collects the per-interface IPv4 broadcast addresses plus
// the limited broadcast address.
func broadcastTargets(port int) []*net.UDPAddr {
	targets := []*net.UDPAddr{{IP: net.IPv4bcast, Port: port}}
	ifaces, err := net.Interfaces()
	if err != nil {
		return targets
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipn, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipn.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := ipn.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			if len(mask) != net.IPv4len {
				continue
			}
			bcast := make(net.IP, 4)
			for i := range bcast {
				bcast[i] = ip4[i] | ^mask[i]
			}
			targets = append(targets, &net.UDPAddr{IP: bcast, Port: port})
		}
	}
	return targets
}

func reuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

func setBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
