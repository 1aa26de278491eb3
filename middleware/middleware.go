// Package middleware provides the onion-model interceptor chain the server
// wraps around the dispatch step. Each middleware sees the envelope before
// the dispatcher does and the dispatch error after it.
package middleware

import (
	"context"
	"errors"

	"wirelink/message"
)

// ErrOverloaded reports a request rejected by admission control. The server
// maps it to a StatusUnavailable epitaph.
var ErrOverloaded = errors.New("middleware: rate limit exceeded")

// HandlerFunc is the shape of the dispatch step: consume one envelope,
// return nil or a connection-fatal error.
type HandlerFunc func(ctx context.Context, env *message.Envelope) error

// Middleware wraps a HandlerFunc with extra behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one. Chain(A, B, C)(handler) produces
// A(B(C(handler))): A sees the request first and the result last.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
