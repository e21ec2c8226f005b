package middleware

import (
	"context"
	"time"

	log "ws-rpc/logger"
	"ws-rpc/message"
)

func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Reply {
			start := time.Now()
			reply := next(ctx, call)
			duration := time.Since(start)
			if reply == nil {
				log.Errorf("call %s returned no reply after %s", call.Method(), duration)
				return message.Failure(InternalErrorMessage, nil)
			}
			if !reply.Success {
				log.Warnf("call %s failed after %s: %s", call.Method(), duration, reply.Message)
				return reply
			}
			log.Debugf("call %s took %s", call.Method(), duration)
			return reply
		}
	}
}
