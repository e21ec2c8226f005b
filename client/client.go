// Package client implements the ws-rpc client: correlated calls over one reconnecting connection.
//
// A started client runs a single scheduler goroutine that owns the connection, the pending calls
// and the reconnect backoff. Transport events and API calls reach it over channels:
//
//	Send ─────────┐
//	ConnectNow ───┼──▶ cmds ──┐
//	Disconnect ───┘           ├──▶ loop ──▶ pending calls (by call id) / observers
//	transport ─────▶ events ──┤
//	ticker ───────────────────┘      timeout sweep + reconnect check
package client

import (
	"sync"
	"sync/atomic"
	"time"

	"ws-rpc/codec"
	"ws-rpc/conf"
	"ws-rpc/message"
	"ws-rpc/transport"
)

type Status int32

const (
	StatusStopped Status = iota
	StatusDisconnected
	StatusConnecting
	StatusOpen
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "Stopped"
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusOpen:
		return "Open"
	default:
		return "Unknown"
	}
}

// Resolver returns the address to dial for a connect attempt.
type Resolver interface {
	Resolve() (string, error)
}

// StaticResolver always dials the same address.
type StaticResolver string

func (s StaticResolver) Resolve() (string, error) {
	return string(s), nil
}

type Options struct {
	Timeout       time.Duration // Age after which a pending call fails with ErrTimeout
	TickInterval  time.Duration // Period of the timeout sweep and reconnect check
	ReconnectStep time.Duration
	ReconnectMax  time.Duration
	SendDeferral  time.Duration // Delay before a call that could not be sent fails
	Debug         bool          // Report every frame sent and received through OnLog
}

func DefaultOptions() Options {
	return Options{
		Timeout:       conf.DefaultCallTimeout,
		TickInterval:  conf.DefaultTickInterval,
		ReconnectStep: conf.DefaultReconnectStep,
		ReconnectMax:  conf.DefaultReconnectMax,
		SendDeferral:  10 * time.Millisecond,
	}
}

type Client struct {
	resolver  Resolver
	dialer    transport.Dialer
	opts      Options
	listeners *listenerSet
	status    atomic.Int32
	lastID    atomic.Int64 // Call ids are never reused, not even across restarts
	lock      sync.Mutex
	loop      *loop
}

// New creates a stopped client. Durations that are zero or negative take their defaults.
func New(resolver Resolver, dialer transport.Dialer, opts Options) *Client {
	defaults := DefaultOptions()
	if opts.ReconnectStep <= 0 {
		opts.ReconnectStep = defaults.ReconnectStep
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaults.ReconnectMax
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaults.TickInterval
	}
	if opts.SendDeferral <= 0 {
		opts.SendDeferral = defaults.SendDeferral
	}
	return &Client{
		resolver:  resolver,
		dialer:    dialer,
		opts:      opts,
		listeners: newListenerSet(),
	}
}

// NewFromConfig creates a client for cfg. A nil resolver dials cfg.Address.
func NewFromConfig(cfg conf.ClientConfig, resolver Resolver) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if resolver == nil {
		resolver = StaticResolver(cfg.Address)
	}
	opts := Options{
		Timeout:       cfg.CallTimeout,
		TickInterval:  cfg.TickInterval,
		ReconnectStep: cfg.ReconnectStep,
		ReconnectMax:  cfg.ReconnectMax,
		SendDeferral:  DefaultOptions().SendDeferral,
		Debug:         cfg.Debug,
	}
	return New(resolver, DialerFor(cfg), opts), nil
}

// DialerFor returns the transport dialer cfg selects.
func DialerFor(cfg conf.ClientConfig) transport.Dialer {
	if cfg.Transport == conf.TransportTCP {
		return &transport.TCPDialer{HeartbeatInterval: cfg.HeartbeatInterval}
	}
	return &transport.WebSocketDialer{Origin: cfg.Origin}
}

// Start starts the scheduler and makes the first connect attempt.
func (c *Client) Start() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.loop != nil {
		return ErrAlreadyStarted
	}
	c.loop = newLoop(c)
	c.status.Store(int32(StatusDisconnected))
	go c.loop.run()
	return nil
}

// Stop closes the connection and fails every pending call with ErrConnectionClosed.
func (c *Client) Stop() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.loop == nil {
		return ErrNotStarted
	}
	c.loop.cancel()
	<-c.loop.done
	c.loop = nil
	c.status.Store(int32(StatusStopped))
	return nil
}

func (c *Client) current() *loop {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.loop
}

// Send issues target#msg with args and returns at once. The call always settles asynchronously:
// if the connection is not open it fails with ErrConnectionClosed shortly after Send returns.
func (c *Client) Send(target, msg string, args ...any) *Call {
	call := newCall(target, msg)
	raw, err := codec.MarshalArgs(args...)
	if err != nil {
		c.failLater(call, &CallError{Kind: ErrEncode, Message: err.Error()})
		return call
	}
	call.Args = raw
	l := c.current()
	if l == nil || !l.exec(func() { l.send(call) }) {
		c.failLater(call, closedError())
	}
	return call
}

func (c *Client) failLater(call *Call, err *CallError) {
	time.AfterFunc(c.opts.SendDeferral, func() {
		call.settle(message.Result{}, err)
	})
}

// ConnectNow resets the backoff and attempts to connect immediately if there is no connection.
func (c *Client) ConnectNow() {
	if l := c.current(); l != nil {
		l.exec(l.connectNow)
	}
}

// Disconnect closes an open or connecting connection, reporting whether there was one. The client
// keeps running and reconnects on a later tick.
func (c *Client) Disconnect() bool {
	l := c.current()
	if l == nil {
		return false
	}
	closed := false
	l.exec(func() {
		closed = l.disconnect()
	})
	return closed
}

// AddListener registers o. If the client is connected, o.OnOpen is called before AddListener
// returns.
func (c *Client) AddListener(o Observer) ListenerID {
	var id ListenerID
	connected := false
	add := func() {
		id = c.listeners.add(o)
		connected = c.IsConnected()
	}
	// On the loop, the registration cannot race the delivery of an open event
	if l := c.current(); l == nil || !l.exec(add) {
		add()
	}
	if connected && o.OnOpen != nil {
		o.OnOpen()
	}
	return id
}

// RemoveListener unregisters an observer, reporting false for unknown ids.
func (c *Client) RemoveListener(id ListenerID) bool {
	return c.listeners.remove(id)
}

func (c *Client) Status() Status {
	return Status(c.status.Load())
}

func (c *Client) IsConnected() bool {
	return c.Status() == StatusOpen
}

// IsClosed reports whether there is no connection, open or in progress.
func (c *Client) IsClosed() bool {
	s := c.Status()
	return s != StatusOpen && s != StatusConnecting
}

// pendingCount is the number of calls awaiting a reply, -1 when stopped.
func (c *Client) pendingCount() int {
	l := c.current()
	if l == nil {
		return -1
	}
	n := -1
	l.exec(func() {
		n = l.pending.Size()
	})
	return n
}
