package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

/*
LocalNetwork connects clients and servers inside one process. Messages keep their order per
direction and never block the sender, which makes it suitable for deterministic tests.
*/
type LocalNetwork struct {
	lock    sync.RWMutex
	servers map[string]*LocalServer
	dials   atomic.Int64
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{servers: map[string]*LocalServer{}}
}

// NewServer creates a server that accepts dials to address once started.
func (n *LocalNetwork) NewServer(address string, connFactory ConnectionFactory) *LocalServer {
	return &LocalServer{
		network:     n,
		address:     address,
		connFactory: connFactory,
		pipes:       map[*localPipe]struct{}{},
	}
}

// Dials is the number of dial attempts made on the network.
func (n *LocalNetwork) Dials() int64 {
	return n.dials.Load()
}

func (n *LocalNetwork) Dial(ctx context.Context, address string, events chan<- Event) Conn {
	n.dials.Add(1)
	client := &localClientConn{
		emitter: emitter{ctx: ctx, events: events},
		box:     newMailbox[Event](),
	}
	client.state.Store(int32(StateConnecting))
	go client.pump()

	n.lock.RLock()
	server, ok := n.servers[address]
	n.lock.RUnlock()
	if !ok || !server.accept(client) {
		client.state.Store(int32(StateClosed))
		client.box.put(Event{Kind: EventError, Conn: client, Err: errors.Errorf("connection refused: %s", address)})
		client.box.put(Event{Kind: EventClose, Conn: client})
		client.box.close()
	}
	return client
}

// LocalServer is the server end of a LocalNetwork.
type LocalServer struct {
	lock        sync.Mutex
	network     *LocalNetwork
	address     string
	connFactory ConnectionFactory
	started     bool
	pipes       map[*localPipe]struct{}
	pumps       sync.WaitGroup // Server pumps, added only while started
}

var _ Server = (*LocalServer)(nil)

func (s *LocalServer) Start() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return nil
	}
	s.network.lock.Lock()
	defer s.network.lock.Unlock()
	if _, exists := s.network.servers[s.address]; exists {
		return errors.Errorf("address already in use: %s", s.address)
	}
	s.network.servers[s.address] = s
	s.started = true
	return nil
}

func (s *LocalServer) Stop() error {
	s.lock.Lock()
	if !s.started {
		s.lock.Unlock()
		return nil
	}
	s.network.lock.Lock()
	delete(s.network.servers, s.address)
	s.network.lock.Unlock()
	s.started = false
	pipes := make([]*localPipe, 0, len(s.pipes))
	for pipe := range s.pipes {
		pipes = append(pipes, pipe)
	}
	s.lock.Unlock()
	for _, pipe := range pipes {
		pipe.shutdown()
	}
	s.pumps.Wait()
	return nil
}

func (s *LocalServer) Address() string {
	return s.address
}

// ConnectionCount is the number of open connections.
func (s *LocalServer) ConnectionCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.pipes)
}

// accept connects client to the server, reporting false if the server is not started.
func (s *LocalServer) accept(client *localClientConn) bool {
	pipe := &localPipe{server: s, client: client}
	serverConn := &localServerConn{pipe: pipe, box: newMailbox[string]()}
	serverConn.state.Store(int32(StateOpen))
	pipe.serverConn = serverConn
	s.lock.Lock()
	if !s.started {
		s.lock.Unlock()
		return false
	}
	client.pipe = pipe
	s.pipes[pipe] = struct{}{}
	s.pumps.Add(1)
	s.lock.Unlock()

	userConn := s.connFactory(serverConn)
	// Stop may have shut the pipe down already
	if client.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		client.box.put(Event{Kind: EventOpen, Conn: client})
	}
	go func() {
		defer s.pumps.Done()
		serverConn.pump(userConn)
	}()
	return true
}

func (s *LocalServer) removePipe(pipe *localPipe) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.pipes, pipe)
}

// localPipe joins the two ends of a local connection. Closing either end closes both.
type localPipe struct {
	once       sync.Once
	server     *LocalServer
	client     *localClientConn
	serverConn *localServerConn
}

func (p *localPipe) shutdown() {
	p.once.Do(func() {
		p.client.state.Store(int32(StateClosed))
		p.serverConn.state.Store(int32(StateClosed))
		p.client.box.put(Event{Kind: EventClose, Conn: p.client})
		p.client.box.close()
		p.serverConn.box.close()
		p.server.removePipe(p)
	})
}

type localClientConn struct {
	emitter
	box   *mailbox[Event]
	pipe  *localPipe
	state atomic.Int32
}

func (c *localClientConn) pump() {
	for {
		ev, ok := c.box.take()
		if !ok {
			return
		}
		c.emit(ev)
	}
}

func (c *localClientConn) Send(text string) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	if !c.pipe.serverConn.box.put(text) {
		return ErrNotOpen
	}
	return nil
}

func (c *localClientConn) Close() error {
	if c.pipe != nil {
		c.pipe.shutdown()
	}
	return nil
}

func (c *localClientConn) State() State {
	return State(c.state.Load())
}

type localServerConn struct {
	pipe  *localPipe
	box   *mailbox[string]
	state atomic.Int32
}

// pump delivers queued messages in order until the pipe is shut down, then calls HandleClose.
// Messages still queued at shutdown are dropped.
func (c *localServerConn) pump(userConn ServerConnection) {
	for {
		text, ok := c.box.take()
		if !ok || c.State() != StateOpen {
			break
		}
		userConn.HandleMessage(text)
	}
	userConn.HandleClose()
}

func (c *localServerConn) Send(text string) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	if !c.pipe.client.box.put(Event{Kind: EventMessage, Conn: c.pipe.client, Data: text}) {
		return ErrNotOpen
	}
	return nil
}

func (c *localServerConn) Close() error {
	c.pipe.shutdown()
	return nil
}

func (c *localServerConn) State() State {
	return State(c.state.Load())
}

// mailbox is an unbounded FIFO queue. Items put before close are still taken after it.
type mailbox[T any] struct {
	lock   sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

func newMailbox[T any]() *mailbox[T] {
	m := &mailbox[T]{}
	m.cond = sync.NewCond(&m.lock)
	return m
}

func (m *mailbox[T]) put(item T) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return false
	}
	m.items = append(m.items, item)
	m.cond.Signal()
	return true
}

func (m *mailbox[T]) close() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.closed = true
	m.cond.Broadcast()
}

func (m *mailbox[T]) take() (T, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for len(m.items) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.items) == 0 {
		var zero T
		return zero, false
	}
	item := m.items[0]
	var zero T
	m.items[0] = zero
	m.items = m.items[1:]
	return item, true
}
