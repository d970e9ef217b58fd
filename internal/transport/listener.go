package transport

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

const DefaultPort = 7332

// Listener accepts inbound mesh connections and hands each wrapped Conn to
// the registered handler.
type Listener struct {
	ln       net.Listener
	log      *zap.Logger
	queueCap int
	done     chan struct{}
}

type ListenerOptions struct {
	QueueCap int
	Logger   *zap.Logger
}

// Listen binds the TCP accept socket on port and starts the accept loop.
func Listen(port int, handler func(*Conn), opts ListenerOptions) (*Listener, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on %d: %w", port, err)
	}
	l := &Listener{ln: ln, log: log, queueCap: opts.QueueCap, done: make(chan struct{})}
	go l.acceptLoop(handler)
	log.Info("transport listening", zap.String("addr", ln.Addr().String()))
	return l, nil
}

func (l *Listener) acceptLoop(handler func(*Conn)) {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			l.log.Warn("accept failed", zap.Error(err))
			continue
		}
		handler(NewConn(nc, ConnOptions{QueueCap: l.queueCap, Logger: l.log}))
	}
}

// Addr returns the bound address, useful when port 0 was requested.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

func (l *Listener) Close() {
	select {
	case <-l.done:
		return
	default:
	}
	close(l.done)
	_ = l.ln.Close()
}

// Dial opens an outbound connection to addr (host:port).
func Dial(addr string, timeout time.Duration, opts ConnOptions) (*Conn, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return NewConn(nc, opts), nil
}
