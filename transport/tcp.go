package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	log "ws-rpc/logger"
	"ws-rpc/protocol"
)

const defaultDialTimeout = 5 * time.Second

// TCPDialer dials host:port addresses and exchanges messages as protocol frames.
type TCPDialer struct {
	HeartbeatInterval time.Duration // 0 disables heartbeats
	DialTimeout       time.Duration
	TLSConfig         *tls.Config
}

var _ Dialer = (*TCPDialer)(nil)

func (d *TCPDialer) Dial(ctx context.Context, address string, events chan<- Event) Conn {
	dialCtx, cancel := context.WithCancel(ctx)
	c := newTCPConn(nil)
	c.emitter = emitter{ctx: ctx, events: events}
	c.cancel = cancel
	c.state.Store(int32(StateConnecting))
	go c.runClient(dialCtx, d, address)
	return c
}

func (d *TCPDialer) dialTimeout() time.Duration {
	if d.DialTimeout <= 0 {
		return defaultDialTimeout
	}
	return d.DialTimeout
}

// tcpConn is one framed TCP connection. Client connections also report events through the emitter.
type tcpConn struct {
	emitter
	sending sync.Mutex // Whole frames only, heartbeats included
	lock    sync.Mutex // Guards conn and state transitions
	conn    net.Conn
	state   atomic.Int32
	cancel  context.CancelFunc
	done    chan struct{}
}

func newTCPConn(conn net.Conn) *tcpConn {
	c := &tcpConn{conn: conn, done: make(chan struct{})}
	c.state.Store(int32(StateOpen))
	return c
}

func (c *tcpConn) runClient(ctx context.Context, d *TCPDialer, address string) {
	defer c.finishClient()
	dialer := net.Dialer{Timeout: d.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err == nil && d.TLSConfig != nil {
		tlsConn := tls.Client(conn, d.TLSConfig)
		if err = tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
		}
		conn = tlsConn
	}
	if err != nil {
		if ctx.Err() == nil {
			c.emit(Event{Kind: EventError, Conn: c, Err: errors.WithStack(err)})
		}
		return
	}
	if !c.attach(conn) {
		_ = conn.Close()
		return
	}
	c.emit(Event{Kind: EventOpen, Conn: c})
	if d.HeartbeatInterval > 0 {
		go c.heartbeatLoop(d.HeartbeatInterval)
	}
	err = c.readLoop(func(text string) {
		c.emit(Event{Kind: EventMessage, Conn: c, Data: text})
	})
	if err != io.EOF && c.State() == StateOpen {
		c.emit(Event{Kind: EventError, Conn: c, Err: errors.WithStack(err)})
	}
	c.lock.Lock()
	c.state.Store(int32(StateClosing))
	c.lock.Unlock()
	_ = conn.Close()
}

func (c *tcpConn) attach(conn net.Conn) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.State() != StateConnecting {
		return false
	}
	c.conn = conn
	c.state.Store(int32(StateOpen))
	return true
}

func (c *tcpConn) finishClient() {
	c.cancel()
	c.state.Store(int32(StateClosed))
	close(c.done)
	c.emit(Event{Kind: EventClose, Conn: c})
}

// readLoop reads frames until the connection breaks, skipping heartbeats.
func (c *tcpConn) readLoop(onMessage func(text string)) error {
	for {
		ft, body, err := protocol.Decode(c.conn)
		if err != nil {
			return err
		}
		if ft == protocol.FrameHeartbeat {
			continue
		}
		onMessage(string(body))
	}
}

// heartbeatLoop sends empty heartbeat frames so idle peers and middleboxes keep the connection.
func (c *tcpConn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sending.Lock()
			err := protocol.Encode(c.conn, protocol.FrameHeartbeat, nil)
			c.sending.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *tcpConn) Send(text string) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	return errors.WithStack(protocol.Encode(c.conn, protocol.FrameMessage, []byte(text)))
}

func (c *tcpConn) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	switch c.State() {
	case StateConnecting:
		c.state.Store(int32(StateClosing))
		c.cancel()
	case StateOpen:
		c.state.Store(int32(StateClosing))
		return errors.WithStack(c.conn.Close())
	}
	return nil
}

func (c *tcpConn) State() State {
	return State(c.state.Load())
}

// TCPServer accepts framed TCP connections. One goroutine reads each connection.
type TCPServer struct {
	lock              sync.Mutex
	address           string
	connFactory       ConnectionFactory
	heartbeatInterval time.Duration
	listener          net.Listener
	started           bool
	shutdown          atomic.Bool // Set before the listener closes so Accept errors are expected
	acceptGroup       sync.WaitGroup
	handlers          sync.WaitGroup // Added only by the accept loop
	connections       sync.Map
}

var _ Server = (*TCPServer)(nil)

func NewTCPServer(address string, heartbeatInterval time.Duration, connFactory ConnectionFactory) *TCPServer {
	return &TCPServer{
		address:           address,
		connFactory:       connFactory,
		heartbeatInterval: heartbeatInterval,
	}
}

func (s *TCPServer) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return nil
	}
	list, err := net.Listen("tcp", s.address)
	if err != nil {
		return errors.WithStack(err)
	}
	s.listener = list
	s.shutdown.Store(false)
	s.started = true
	s.acceptGroup.Add(1)
	go s.acceptLoop(list)
	log.Infof("started tcp server on %s", list.Addr())
	return nil
}

func (s *TCPServer) acceptLoop(list net.Listener) {
	defer s.acceptGroup.Done()
	for {
		conn, err := list.Accept()
		if err != nil {
			if !s.shutdown.Load() {
				log.Errorf("tcp server on %s failed to accept: %v", list.Addr(), err)
			}
			return
		}
		if tcpNetConn, ok := conn.(*net.TCPConn); ok {
			if err := tcpNetConn.SetNoDelay(true); err != nil {
				log.Warnf("failed to set no delay: %v", err)
			}
		}
		// Stored before the accept loop moves on, so Stop sees every accepted connection
		tc := newTCPConn(conn)
		s.connections.Store(tc, struct{}{})
		s.handlers.Add(1)
		go s.handleConn(tc)
	}
}

func (s *TCPServer) handleConn(conn *tcpConn) {
	defer s.handlers.Done()
	netConn := conn.conn
	userConn := s.connFactory(conn)
	if s.heartbeatInterval > 0 {
		go conn.heartbeatLoop(s.heartbeatInterval)
	}
	err := conn.readLoop(userConn.HandleMessage)
	if err != io.EOF && conn.State() == StateOpen {
		log.Debugf("tcp read from %s failed: %v", netConn.RemoteAddr(), err)
	}
	conn.lock.Lock()
	conn.state.Store(int32(StateClosed))
	conn.lock.Unlock()
	close(conn.done)
	_ = netConn.Close()
	s.connections.Delete(conn)
	userConn.HandleClose()
}

func (s *TCPServer) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return nil
	}
	s.shutdown.Store(true)
	err := s.listener.Close()
	s.acceptGroup.Wait()
	s.connections.Range(func(conn, _ any) bool {
		_ = conn.(*tcpConn).Close()
		return true
	})
	s.handlers.Wait()
	s.started = false
	return errors.WithStack(err)
}

// ConnectionCount is the number of connections being served.
func (s *TCPServer) ConnectionCount() int {
	count := 0
	s.connections.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

func (s *TCPServer) Address() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}
