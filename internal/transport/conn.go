package transport

import (
	"bufio"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshcore/internal/wire"
)

// Conn wraps one TCP connection in framed envelope I/O. A reader goroutine
// decodes inbound frames; a writer goroutine drains the prioritized send
// queue. Conn knows nothing about sessions or peers.
type Conn struct {
	nc    net.Conn
	q     *sendQueue
	log   *zap.Logger
	once  sync.Once
	done  chan struct{}
	wdone chan struct{}
}

type ConnOptions struct {
	QueueCap int
	Logger   *zap.Logger
}

func NewConn(nc net.Conn, opts ConnOptions) *Conn {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{
		nc:    nc,
		q:     newSendQueue(opts.QueueCap),
		log:   log,
		done:  make(chan struct{}),
		wdone: make(chan struct{}),
	}
}

// Start launches the reader and writer goroutines. onEnvelope runs on the
// reader goroutine for every decoded frame; onClose fires exactly once when
// either side of the connection dies.
func (c *Conn) Start(onEnvelope func(*wire.Envelope), onClose func(error)) {
	var closeOnce sync.Once
	closing := func(err error) {
		closeOnce.Do(func() {
			c.Close()
			onClose(err)
		})
	}

	go func() {
		r := bufio.NewReader(c.nc)
		for {
			env, err := wire.ReadEnvelope(r)
			if err != nil {
				closing(err)
				return
			}
			onEnvelope(env)
		}
	}()

	go func() {
		defer close(c.wdone)
		w := bufio.NewWriter(c.nc)
		for {
			env, err := c.q.dequeue()
			if err != nil {
				return
			}
			if err := wire.WriteEnvelope(w, env); err != nil {
				closing(err)
				return
			}
			if c.q.empty() {
				if err := w.Flush(); err != nil {
					closing(err)
					return
				}
			}
		}
	}()
}

// Send enqueues env for transmission, applying the priority drop policy
// under congestion.
func (c *Conn) Send(env *wire.Envelope) error {
	return c.q.enqueue(env)
}

// Close shuts the queue and the socket. Safe to call repeatedly.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.q.close()
		_ = c.nc.Close()
	})
}

// Drain waits until the writer has flushed the queue, up to grace, then
// closes. Used by node stop.
func (c *Conn) Drain(grace time.Duration) {
	deadline := time.After(grace)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if c.q.empty() {
			break
		}
		select {
		case <-deadline:
			c.Close()
			return
		case <-c.wdone:
			c.Close()
			return
		case <-tick.C:
		}
	}
	c.q.close()
	select {
	case <-c.wdone:
	case <-deadline:
	}
	c.Close()
}

func (c *Conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

// QueueStats reports the pending envelope count and total congestion drops.
func (c *Conn) QueueStats() (pending int, dropped uint64) {
	return c.q.stats()
}
