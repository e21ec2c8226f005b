package middleware

import (
	"context"
	"fmt"

	log "ws-rpc/logger"
	"ws-rpc/message"
)

const InternalErrorMessage = "Internal server error"

// RecoveryMiddleware turns a handler panic into a failed reply so one bad call cannot take the
// server down. The panic value travels in the debug field.
func RecoveryMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (reply *message.Reply) {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("handler %s panicked: %v", call.Method(), r)
					reply = message.Failure(InternalErrorMessage, nil).WithDebug(fmt.Sprint(r))
				}
			}()
			return next(ctx, call)
		}
	}
}
