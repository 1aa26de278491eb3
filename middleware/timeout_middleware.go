package middleware

import (
	"context"
	"time"

	"wirelink/message"
)

// TimeoutMiddleware bounds each dispatch with a context deadline. Handlers
// observe the deadline through ctx; the envelope itself is never abandoned
// mid-dispatch, because its handle ownership would then be ambiguous.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *message.Envelope) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, env)
		}
	}
}
