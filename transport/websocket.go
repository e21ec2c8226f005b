package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/websocket"

	log "ws-rpc/logger"
)

const defaultOrigin = "http://localhost/"

// WebSocketDialer dials ws:// and wss:// URLs.
type WebSocketDialer struct {
	Origin    string      // Origin header of the handshake, defaults to http://localhost/
	TLSConfig *tls.Config // Used for wss:// URLs
}

var _ Dialer = (*WebSocketDialer)(nil)

func (d *WebSocketDialer) Dial(ctx context.Context, address string, events chan<- Event) Conn {
	dialCtx, cancel := context.WithCancel(ctx)
	c := &wsClientConn{
		emitter: emitter{ctx: ctx, events: events},
		cancel:  cancel,
	}
	c.state.Store(int32(StateConnecting))
	go c.run(dialCtx, d, address)
	return c
}

func (d *WebSocketDialer) origin() string {
	if d.Origin == "" {
		return defaultOrigin
	}
	return d.Origin
}

type wsClientConn struct {
	emitter
	lock   sync.Mutex // Guards ws and state transitions, serializes writes
	ws     *websocket.Conn
	state  atomic.Int32
	cancel context.CancelFunc
}

func (c *wsClientConn) run(ctx context.Context, d *WebSocketDialer, address string) {
	defer c.finish()
	config, err := websocket.NewConfig(address, d.origin())
	if err != nil {
		c.emit(Event{Kind: EventError, Conn: c, Err: errors.WithStack(err)})
		return
	}
	config.TlsConfig = d.TLSConfig
	ws, err := config.DialContext(ctx)
	if err != nil {
		// A cancelled dial means Close was called, which is not an error
		if ctx.Err() == nil {
			c.emit(Event{Kind: EventError, Conn: c, Err: errors.WithStack(err)})
		}
		return
	}
	if !c.attach(ws) {
		_ = ws.Close()
		return
	}
	c.emit(Event{Kind: EventOpen, Conn: c})
	for {
		var text string
		if err := websocket.Message.Receive(ws, &text); err != nil {
			if err != io.EOF && c.State() == StateOpen {
				c.emit(Event{Kind: EventError, Conn: c, Err: errors.WithStack(err)})
			}
			break
		}
		c.emit(Event{Kind: EventMessage, Conn: c, Data: text})
	}
	c.lock.Lock()
	c.state.Store(int32(StateClosing))
	c.lock.Unlock()
	_ = ws.Close()
}

func (c *wsClientConn) attach(ws *websocket.Conn) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.State() != StateConnecting {
		// Close raced the handshake
		return false
	}
	c.ws = ws
	c.state.Store(int32(StateOpen))
	return true
}

func (c *wsClientConn) finish() {
	c.cancel()
	c.state.Store(int32(StateClosed))
	c.emit(Event{Kind: EventClose, Conn: c})
}

func (c *wsClientConn) Send(text string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	return errors.WithStack(websocket.Message.Send(c.ws, text))
}

func (c *wsClientConn) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	switch c.State() {
	case StateConnecting:
		c.state.Store(int32(StateClosing))
		c.cancel()
	case StateOpen:
		c.state.Store(int32(StateClosing))
		return errors.WithStack(c.ws.Close())
	}
	return nil
}

func (c *wsClientConn) State() State {
	return State(c.state.Load())
}

/*
WebSocketServer serves a WebSocket endpoint on an HTTP path and hands every accepted connection to
a ConnectionFactory. Each connection is read by its own goroutine.
*/
type WebSocketServer struct {
	lock        sync.Mutex
	address     string
	path        string
	connFactory ConnectionFactory
	started     bool
	listener    net.Listener
	httpServer  *http.Server
	serveGroup  sync.WaitGroup
	connLock    sync.Mutex // Guards stopping and connections, orders handler Adds before Wait
	stopping    bool
	connections map[*wsServerConn]struct{}
	handlers    sync.WaitGroup
}

var _ Server = (*WebSocketServer)(nil)

func NewWebSocketServer(address, path string, connFactory ConnectionFactory) *WebSocketServer {
	return &WebSocketServer{
		address:     address,
		path:        path,
		connFactory: connFactory,
	}
}

func (s *WebSocketServer) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return nil
	}
	list, err := net.Listen("tcp", s.address)
	if err != nil {
		return errors.WithStack(err)
	}
	mux := http.NewServeMux()
	// websocket.Server skips the Origin check websocket.Handler performs
	mux.Handle(s.path, websocket.Server{Handler: s.handle})
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.listener = list
	s.connLock.Lock()
	s.stopping = false
	s.connections = map[*wsServerConn]struct{}{}
	s.connLock.Unlock()
	s.started = true
	s.serveGroup.Add(1)
	go func() {
		defer s.serveGroup.Done()
		if err := s.httpServer.Serve(list); err != nil && err != http.ErrServerClosed {
			log.Errorf("websocket server on %s stopped: %v", list.Addr(), err)
		}
	}()
	log.Infof("started websocket server on %s%s", list.Addr(), s.path)
	return nil
}

func (s *WebSocketServer) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return nil
	}
	// Hijacked connections are not closed by http.Server.Close
	err := s.httpServer.Close()
	s.serveGroup.Wait()
	s.connLock.Lock()
	s.stopping = true
	conns := make([]*wsServerConn, 0, len(s.connections))
	for conn := range s.connections {
		conns = append(conns, conn)
	}
	s.connLock.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
	s.handlers.Wait()
	s.started = false
	return errors.WithStack(err)
}

func (s *WebSocketServer) Address() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// URL is the ws:// URL clients dial.
func (s *WebSocketServer) URL() string {
	return "ws://" + s.Address() + s.path
}

func (s *WebSocketServer) handle(ws *websocket.Conn) {
	conn := &wsServerConn{ws: ws}
	conn.state.Store(int32(StateOpen))
	if !s.track(conn) {
		_ = ws.Close()
		return
	}
	defer s.handlers.Done()
	userConn := s.connFactory(conn)
	for {
		var text string
		if err := websocket.Message.Receive(ws, &text); err != nil {
			if err != io.EOF && conn.State() == StateOpen {
				log.Debugf("websocket read from %s failed: %v", ws.Request().RemoteAddr, err)
			}
			break
		}
		userConn.HandleMessage(text)
	}
	conn.lock.Lock()
	conn.state.Store(int32(StateClosed))
	conn.lock.Unlock()
	_ = ws.Close()
	s.connLock.Lock()
	delete(s.connections, conn)
	s.connLock.Unlock()
	userConn.HandleClose()
}

// track registers a connection accepted while the server is running, reporting false once Stop
// has begun.
func (s *WebSocketServer) track(conn *wsServerConn) bool {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	if s.stopping {
		return false
	}
	s.connections[conn] = struct{}{}
	s.handlers.Add(1)
	return true
}

// ConnectionCount is the number of connections being served.
func (s *WebSocketServer) ConnectionCount() int {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	return len(s.connections)
}

type wsServerConn struct {
	lock  sync.Mutex
	ws    *websocket.Conn
	state atomic.Int32
}

func (c *wsServerConn) Send(text string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	return errors.WithStack(websocket.Message.Send(c.ws, text))
}

func (c *wsServerConn) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.State() != StateOpen {
		return nil
	}
	c.state.Store(int32(StateClosing))
	return errors.WithStack(c.ws.Close())
}

func (c *wsServerConn) State() State {
	return State(c.state.Load())
}
