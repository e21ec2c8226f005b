package server

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"

	"ws-rpc/codec"
	log "ws-rpc/logger"
	"ws-rpc/message"
	"ws-rpc/middleware"
	"ws-rpc/transport"
)

type contextKey struct{}

// ContextFrom returns the connection context a handler was invoked for.
func ContextFrom(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(contextKey{}).(*Context)
	return c, ok
}

/*
Context is the server side of one accepted connection. It decodes each inbound request, looks the
handler up in the dispatch table and runs it on its own goroutine, so overlapping calls on one
connection are answered as they complete. Each reply is stamped with the call id captured when its
request arrived.
*/
type Context struct {
	handle   uint64
	conn     transport.Conn
	table    *DispatchTable
	registry *ConnRegistry
	gate     *handlerGate
	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
}

// Handle is the registry handle of the connection, unique for the lifetime of the registry.
func (c *Context) Handle() uint64 {
	return c.handle
}

// HandleMessage dispatches one inbound frame. Frames are dropped once the connection has closed or
// the server is shutting down.
func (c *Context) HandleMessage(text string) {
	if c.closed.Load() || c.gate.isClosing() {
		return
	}
	req := codec.DecodeRequest([]byte(text))
	if req == nil {
		log.Warnf("connection %d sent a malformed request: %.200s", c.handle, text)
		c.reply(message.Failure(message.FormatErrorMessage, nil), message.ServerPush, 0)
		return
	}
	handler, ok := c.table.Lookup(req.Target, req.Message)
	if !ok {
		log.Debugf("connection %d called unknown method %s", c.handle, message.Key(req.Target, req.Message))
		c.reply(message.Failure(message.MethodNotFound(req.Target, req.Message), nil), message.ClientReply, req.CallID)
		return
	}
	call := &message.Call{Target: req.Target, Message: req.Message, Args: req.Args}
	callID := req.CallID
	if !c.gate.acquire() {
		return
	}
	go func() {
		defer c.gate.release()
		reply := handler(c.ctx, call)
		if reply == nil {
			reply = message.Failure(middleware.InternalErrorMessage, nil)
		}
		c.reply(reply, message.ClientReply, callID)
	}()
}

// HandleClose unregisters the connection and cancels the context of its running handlers.
func (c *Context) HandleClose() {
	if c.closed.Swap(true) {
		return
	}
	c.cancel()
	c.registry.Unregister(c)
	log.Debugf("connection %d closed", c.handle)
}

// Push sends a ServerPush frame to this connection.
func (c *Context) Push(msg string, value any) error {
	return c.send(message.Success(msg, value), message.ServerPush, 0)
}

// Close closes the underlying connection. HandleClose follows once the transport has closed it.
func (c *Context) Close() error {
	return c.conn.Close()
}

func (c *Context) reply(reply *message.Reply, typ message.ResponseType, callID int64) {
	err := c.send(reply, typ, callID)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrNotOpen):
		log.Debugf("dropped reply to closed connection %d", c.handle)
	default:
		log.Warnf("failed to reply to connection %d: %v", c.handle, err)
	}
}

func (c *Context) send(reply *message.Reply, typ message.ResponseType, callID int64) error {
	resp, err := reply.Response(typ, callID)
	if err != nil {
		// Still answer so the caller is not left waiting for its timeout
		log.Errorf("connection %d: %v", c.handle, err)
		resp = &message.Response{Type: typ, CallID: callID, Message: "Error encoding reply: " + err.Error()}
	}
	data, err := codec.EncodeResponse(resp)
	if err != nil {
		return err
	}
	if c.closed.Load() {
		return errors.Wrapf(transport.ErrNotOpen, "connection %d", c.handle)
	}
	// Transport connections serialize concurrent writers
	return c.conn.Send(string(data))
}
