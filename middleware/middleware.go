// Package middleware wraps server handlers. A middleware sees every dispatched call and its reply,
// so cross-cutting concerns (logging, deadlines, load shedding, panic recovery) stay out of the
// handlers themselves.
package middleware

import (
	"context"

	"ws-rpc/message"
)

// HandlerFunc handles one dispatched call. It never returns nil.
type HandlerFunc func(ctx context.Context, call *message.Call) *message.Reply

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
