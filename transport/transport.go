// Package transport is the message-oriented socket layer under ws-rpc.
//
// The RPC core only ever sees whole text messages and four lifecycle events, so any transport
// that can deliver those fits:
//
//	Dial ──▶ EventOpen ──▶ EventMessage* ──▶ [EventError] ──▶ EventClose
//
// Client connections report their events on a channel owned by the caller, which lets one
// goroutine consume events of successive connections in order. Server connections push their
// messages into a ServerConnection created per accepted peer by a ConnectionFactory.
//
// Three implementations are provided: WebSocket (golang.org/x/net/websocket), TCP with
// length-prefixed frames (see package protocol), and an in-process LocalNetwork for tests.
package transport

import (
	"context"

	"github.com/pkg/errors"
)

// State is the readiness of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// EventKind identifies a connection lifecycle event.
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventMessage
	EventError
	EventClose
)

// Event is a notification from a client connection. Conn identifies which connection raised it,
// so consumers can drop events from connections they already abandoned.
type Event struct {
	Kind EventKind
	Conn Conn
	Data string // EventMessage only
	Err  error  // EventError only
}

// ErrNotOpen is returned by Send on a connection that is not open.
var ErrNotOpen = errors.New("connection is not open")

// Conn is one message connection, client or server side.
type Conn interface {
	// Send transmits one complete text message.
	Send(text string) error
	// Close starts closing the connection. EventClose (client side) or HandleClose (server side)
	// follows once the connection is fully closed. Closing twice is a no-op.
	Close() error
	State() State
}

// Dialer starts asynchronous client connection attempts.
type Dialer interface {
	// Dial returns immediately with a connection in StateConnecting. Its events are delivered to
	// events until EventClose, which is always the last one. Delivery is abandoned once ctx is
	// done, so ctx should live as long as the consumer reads events.
	Dial(ctx context.Context, address string, events chan<- Event) Conn
}

// ServerConnection receives the traffic of one accepted connection. Calls for a connection are
// never concurrent; HandleClose is called exactly once, last.
type ServerConnection interface {
	HandleMessage(text string)
	HandleClose()
}

// ConnectionFactory creates the ServerConnection for a newly accepted connection.
type ConnectionFactory func(conn Conn) ServerConnection

// Server accepts connections and hands them to a ConnectionFactory.
type Server interface {
	Start() error
	Stop() error
	// Address is the address clients dial, valid once started.
	Address() string
}

// emitter delivers events for one client connection without outliving its consumer.
type emitter struct {
	ctx    context.Context
	events chan<- Event
}

func (e emitter) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}
