package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"go.uber.org/zap"

	"ws-rpc/codec"
	log "ws-rpc/logger"
	"ws-rpc/message"
	"ws-rpc/transport"
)

// loop is the scheduler of one Start/Stop cycle. Every field below cmds is owned by run.
type loop struct {
	client   *Client
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	events   chan transport.Event
	cmds     chan func()
	notifier *notifier
	log      *zap.SugaredLogger

	conn    transport.Conn
	pending *treemap.Map // call id → *Call, ascending ids are ascending issue times
	backoff backoff
}

func newLoop(c *Client) *loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &loop{
		client:   c,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		events:   make(chan transport.Event, 16),
		cmds:     make(chan func()),
		notifier: newNotifier(),
		log:      log.Named("client"),
		pending:  treemap.NewWith(utils.Int64Comparator),
		backoff:  backoff{step: c.opts.ReconnectStep, max: c.opts.ReconnectMax},
	}
}

// exec runs fn on the loop and waits for it. It returns false if the loop has exited.
func (l *loop) exec(fn func()) bool {
	ack := make(chan struct{})
	select {
	case l.cmds <- func() { fn(); close(ack) }:
		<-ack
		return true
	case <-l.done:
		return false
	}
}

func (l *loop) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.client.opts.TickInterval)
	defer ticker.Stop()
	l.connect()
	for {
		select {
		case ev := <-l.events:
			l.handleEvent(ev)
		case fn := <-l.cmds:
			fn()
		case <-ticker.C:
			l.sweep(time.Now())
			l.connect()
		case <-l.ctx.Done():
			l.shutdown()
			return
		}
	}
}

func (l *loop) setStatus(s Status) {
	l.client.status.Store(int32(s))
}

func (l *loop) status() Status {
	return Status(l.client.status.Load())
}

func (l *loop) handleEvent(ev transport.Event) {
	if ev.Conn != l.conn {
		return
	}
	switch ev.Kind {
	case transport.EventOpen:
		l.backoff.reset()
		l.notify(func(o Observer) {
			if o.OnOpen != nil {
				o.OnOpen()
			}
		})
		l.setStatus(StatusOpen)
	case transport.EventMessage:
		l.onMessage(ev.Data)
	case transport.EventError:
		err := ev.Err
		l.notify(func(o Observer) {
			if o.OnError != nil {
				o.OnError(err)
			}
		})
	case transport.EventClose:
		l.conn = nil
		l.setStatus(StatusDisconnected)
		l.failPending()
		l.notify(func(o Observer) {
			if o.OnClose != nil {
				o.OnClose()
			}
		})
	}
}

func (l *loop) onMessage(data string) {
	resp := codec.DecodeResponse([]byte(data))
	if resp == nil {
		l.logf(LogError, "parse error! received: %s", data)
		return
	}
	if l.client.opts.Debug {
		l.logf(LogDebug, "received: %s", data)
	}
	switch resp.Type {
	case message.ClientReply:
		value, found := l.pending.Get(resp.CallID)
		if !found {
			return
		}
		l.pending.Remove(resp.CallID)
		call := value.(*Call)
		if resp.Success {
			call.settle(message.Result{Message: resp.Message, Value: resp.Value}, nil)
		} else {
			call.settle(message.Result{}, remoteError(resp))
		}
	case message.ServerPush:
		msg, value := resp.Message, resp.Value
		l.notify(func(o Observer) {
			if o.OnServerMessage != nil {
				o.OnServerMessage(msg, value)
			}
		})
	}
}

// sweep fails calls that have waited longer than the call timeout.
func (l *loop) sweep(now time.Time) {
	var expired []*Call
	it := l.pending.Iterator()
	for it.Next() {
		call := it.Value().(*Call)
		if now.Sub(call.issuedAt) <= l.client.opts.Timeout {
			break
		}
		expired = append(expired, call)
	}
	for _, call := range expired {
		l.pending.Remove(call.ID)
		call.settle(message.Result{}, &CallError{Kind: ErrTimeout, Message: timeoutMessage})
	}
}

func (l *loop) connect() {
	now := time.Now()
	if l.conn != nil || !l.backoff.due(now) {
		return
	}
	if next, updated := l.backoff.attempt(now); updated {
		l.logf(LogWarn, "Set next connect interval %d", next.Milliseconds())
	}
	address, err := l.client.resolver.Resolve()
	if err != nil {
		l.logf(LogError, "cannot resolve server address: %v", err)
		return
	}
	l.conn = l.client.dialer.Dial(l.ctx, address, l.events)
	l.setStatus(StatusConnecting)
}

func (l *loop) connectNow() {
	l.backoff.reset()
	l.connect()
}

func (l *loop) disconnect() bool {
	if l.conn == nil {
		return false
	}
	switch l.conn.State() {
	case transport.StateOpen, transport.StateConnecting:
		if err := l.conn.Close(); err != nil {
			l.log.Debugf("close connection: %v", err)
		}
		return true
	}
	return false
}

func (l *loop) send(call *Call) {
	if l.status() != StatusOpen {
		l.client.failLater(call, closedError())
		return
	}
	call.ID = l.client.lastID.Add(1)
	data, err := codec.EncodeRequest(call.ID, call.Target, call.Message, call.Args)
	if err != nil {
		l.client.failLater(call, &CallError{Kind: ErrEncode, Message: err.Error()})
		return
	}
	if l.client.opts.Debug {
		l.logf(LogDebug, "send: %s.%s(%s)", call.Target, call.Message, joinArgs(call))
	}
	call.issuedAt = time.Now()
	l.pending.Put(call.ID, call)
	if err := l.conn.Send(string(data)); err != nil {
		l.pending.Remove(call.ID)
		l.client.failLater(call, closedError())
	}
}

func joinArgs(call *Call) string {
	parts := make([]string, len(call.Args))
	for i, arg := range call.Args {
		parts[i] = string(arg)
	}
	return strings.Join(parts, ",")
}

func (l *loop) failPending() {
	for _, value := range l.pending.Values() {
		value.(*Call).settle(message.Result{}, closedError())
	}
	l.pending.Clear()
}

func (l *loop) shutdown() {
	hadConn := l.conn != nil
	if hadConn {
		if err := l.conn.Close(); err != nil {
			l.log.Debugf("close connection: %v", err)
		}
		l.conn = nil
	}
	l.failPending()
	l.backoff.reset()
	if hadConn {
		l.notify(func(o Observer) {
			if o.OnClose != nil {
				o.OnClose()
			}
		})
	}
	l.notifier.close()
}

// notify queues fn for every observer registered now.
func (l *loop) notify(fn func(o Observer)) {
	observers := l.client.listeners.snapshot()
	if len(observers) == 0 {
		return
	}
	l.notifier.post(func() {
		for _, o := range observers {
			fn(o)
		}
	})
}

// logf reports a line to observers and mirrors it to the process logger.
func (l *loop) logf(level LogLevel, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	switch level {
	case LogDebug:
		l.log.Debug(msg)
	case LogInfo:
		l.log.Info(msg)
	case LogWarn:
		l.log.Warn(msg)
	default:
		l.log.Error(msg)
	}
	l.notify(func(o Observer) {
		if o.OnLog != nil {
			o.OnLog(level, msg)
		}
	})
}
