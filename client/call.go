package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"ws-rpc/message"
)

// Call is one request issued by Send. It settles exactly once: with the reply, a timeout or the
// loss of its connection.
type Call struct {
	ID      int64 // Assigned when the request is transmitted, 0 if it never was
	Target  string
	Message string
	Args    []json.RawMessage

	issuedAt time.Time
	once     sync.Once
	done     chan struct{}
	result   message.Result
	err      error
}

func newCall(target, msg string) *Call {
	return &Call{Target: target, Message: msg, done: make(chan struct{})}
}

// settle records the outcome, reporting false if the call had already settled.
func (c *Call) settle(result message.Result, err error) bool {
	settled := false
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
		settled = true
	})
	return settled
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome of a settled call. It must only be called after Done is closed.
func (c *Call) Result() (message.Result, error) {
	return c.result, c.err
}

// Wait blocks until the call settles or ctx is done. Abandoning the wait does not cancel the call.
func (c *Call) Wait(ctx context.Context) (message.Result, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return message.Result{}, ctx.Err()
	}
}
