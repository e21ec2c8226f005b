package server

import (
	"context"
	"sort"
	"sync"

	"ws-rpc/transport"
)

/*
ConnRegistry tracks the live connections of a server. Handles are assigned in increasing order
starting at 1 and are never reused.
*/
type ConnRegistry struct {
	lock     sync.RWMutex
	table    *DispatchTable
	seed     uint64
	contexts map[uint64]*Context
	gate     handlerGate
}

func NewConnRegistry(table *DispatchTable) *ConnRegistry {
	return &ConnRegistry{
		table:    table,
		seed:     1,
		contexts: map[uint64]*Context{},
	}
}

// Register creates the context for a newly accepted connection.
func (r *ConnRegistry) Register(conn transport.Conn) *Context {
	r.lock.Lock()
	defer r.lock.Unlock()
	c := &Context{
		handle:   r.seed,
		conn:     conn,
		table:    r.table,
		registry: r,
		gate:     &r.gate,
	}
	c.ctx, c.cancel = context.WithCancel(context.WithValue(context.Background(), contextKey{}, c))
	r.contexts[c.handle] = c
	r.seed++
	return c
}

// Unregister removes c, reporting false if it was not registered.
func (r *ConnRegistry) Unregister(c *Context) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.contexts[c.handle]; !ok {
		return false
	}
	delete(r.contexts, c.handle)
	return true
}

func (r *ConnRegistry) Get(handle uint64) (*Context, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	c, ok := r.contexts[handle]
	return c, ok
}

func (r *ConnRegistry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.contexts)
}

// Range calls fn for every registered context in handle order until fn returns false. It works on a
// snapshot, so fn may close connections.
func (r *ConnRegistry) Range(fn func(c *Context) bool) {
	r.lock.RLock()
	contexts := make([]*Context, 0, len(r.contexts))
	for _, c := range r.contexts {
		contexts = append(contexts, c)
	}
	r.lock.RUnlock()
	sort.Slice(contexts, func(i, j int) bool {
		return contexts[i].handle < contexts[j].handle
	})
	for _, c := range contexts {
		if !fn(c) {
			return
		}
	}
}

/*
handlerGate counts running handlers across all connections. Once closed it admits no new handler,
so a drain observes every handler that will ever run until the gate is opened again.
*/
type handlerGate struct {
	lock    sync.Mutex
	closing bool
	running int
	idle    chan struct{} // Closed when running drops to 0
}

// acquire admits one handler, reporting false once the gate is closed.
func (g *handlerGate) acquire() bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.closing {
		return false
	}
	if g.running == 0 {
		g.idle = make(chan struct{})
	}
	g.running++
	return true
}

func (g *handlerGate) release() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.running--
	if g.running == 0 {
		close(g.idle)
	}
}

// close stops admitting handlers and returns a channel closed once none is running.
func (g *handlerGate) close() <-chan struct{} {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.closing = true
	if g.running == 0 {
		idle := make(chan struct{})
		close(idle)
		return idle
	}
	return g.idle
}

func (g *handlerGate) open() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.closing = false
}

func (g *handlerGate) isClosing() bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.closing
}

func (g *handlerGate) count() int {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.running
}
