package middleware

import (
	"context"
	"time"

	"ws-rpc/message"
)

const TimeoutMessage = "Request timed out"

// TimeOutMiddleware fails calls whose handler does not return within timeout. The handler keeps
// running with a cancelled context; its late reply is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Reply {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Reply, 1)
			go func() {
				done <- next(ctx, call)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return message.Failure(TimeoutMessage, call.Method())
			}
		}
	}
}
