package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"wirelink/message"
)

// RateLimitMiddleware rejects envelopes beyond the token-bucket rate.
// A rejected envelope is discarded (handles closed) and the dispatch step
// fails with ErrOverloaded.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *message.Envelope) error {
			if !limiter.Allow() {
				env.Discard()
				return ErrOverloaded
			}
			return next(ctx, env)
		}
	}
}
