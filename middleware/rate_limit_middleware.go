package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"ws-rpc/message"
)

const RateLimitMessage = "Rate limit exceeded"

// RateLimitMiddleware sheds calls beyond a token bucket of r calls per second with the given burst.
// The bucket is shared by every connection the wrapped handler serves.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Reply {
			if !limiter.Allow() {
				return message.Failure(RateLimitMessage, call.Method())
			}
			return next(ctx, call)
		}
	}
}
