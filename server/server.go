// Package server implements the ws-rpc server: an immutable dispatch table, one Context per
// accepted connection, and server-initiated pushes.
//
// Request processing pipeline:
//
//	transport accepts conn → ConnRegistry.Register → Context
//	  → Context.HandleMessage (one reader per connection)
//	    → codec.DecodeRequest → DispatchTable.Lookup → go handler (middleware chain)
//	      → Reply stamped ClientReply + captured call id → codec.EncodeResponse → Conn.Send
package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	log "ws-rpc/logger"
	"ws-rpc/registry"
	"ws-rpc/transport"
)

const registryTimeout = 5 * time.Second

// Server serves a DispatchTable over a transport.
type Server struct {
	lock          sync.Mutex
	conns         *ConnRegistry
	transport     transport.Server
	instanceID    string
	registry      registry.Registry // nil if not using discovery
	serviceName   string
	advertiseAddr string // Address registered in the registry, defaults to the transport address
	ttl           int64
	started       bool
}

type Option func(s *Server)

// WithRegistry registers the server under serviceName while it runs. advertiseAddr is the address
// clients should dial; when empty the transport address is used.
func WithRegistry(reg registry.Registry, serviceName, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.serviceName = serviceName
		s.advertiseAddr = advertiseAddr
		s.ttl = ttl
	}
}

func NewServer(table *DispatchTable, opts ...Option) *Server {
	s := &Server{
		conns:      NewConnRegistry(table),
		instanceID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewConnection is the transport.ConnectionFactory of the server.
func (s *Server) NewConnection(conn transport.Conn) transport.ServerConnection {
	c := s.conns.Register(conn)
	log.Debugf("accepted connection %d", c.handle)
	return c
}

// Start starts ts, which must have been created with NewConnection as its factory, and registers
// the server when a registry was configured.
func (s *Server) Start(ts transport.Server) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return errors.New("server already started")
	}
	s.conns.gate.open()
	if err := ts.Start(); err != nil {
		return err
	}
	s.transport = ts
	if s.registry != nil {
		if s.advertiseAddr == "" {
			s.advertiseAddr = dialAddress(ts)
		}
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		defer cancel()
		instance := registry.ServiceInstance{ID: s.instanceID, Addr: s.advertiseAddr, Weight: 1}
		if err := s.registry.Register(ctx, s.serviceName, instance, s.ttl); err != nil {
			_ = ts.Stop()
			return errors.Wrapf(err, "register %s", s.serviceName)
		}
		log.Infof("registered %s instance %s at %s", s.serviceName, s.instanceID, s.advertiseAddr)
	}
	s.started = true
	return nil
}

// Shutdown deregisters the server so clients stop picking it, stops the transport (closing every
// connection) and waits up to timeout for running handlers.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		if err := s.registry.Deregister(ctx, s.serviceName, s.instanceID); err != nil {
			log.Warnf("failed to deregister %s instance %s: %v", s.serviceName, s.instanceID, err)
		}
		cancel()
	}
	// Frames already queued on connections must not start handlers once draining began
	idle := s.conns.gate.close()
	if err := s.transport.Stop(); err != nil {
		log.Warnf("failed to stop transport: %v", err)
	}

	select {
	case <-idle:
		return nil
	case <-time.After(timeout):
		return errors.New("timeout waiting for ongoing requests to finish")
	}
}

// dialAddress is what clients dial to reach ts: its URL when it has one, else its address.
func dialAddress(ts transport.Server) string {
	if u, ok := ts.(interface{ URL() string }); ok {
		return u.URL()
	}
	return ts.Address()
}

// Broadcast pushes a ServerPush frame to every connection. It returns the first error after
// attempting every connection.
func (s *Server) Broadcast(msg string, value any) error {
	var g errgroup.Group
	s.conns.Range(func(c *Context) bool {
		g.Go(func() error {
			return errors.Wrapf(c.Push(msg, value), "connection %d", c.handle)
		})
		return true
	})
	return g.Wait()
}

func (s *Server) Connections() *ConnRegistry {
	return s.conns
}

// InstanceID identifies this server process in the registry.
func (s *Server) InstanceID() string {
	return s.instanceID
}
