package middleware

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"wirelink/message"
)

// RecoveryMiddleware converts a handler panic into a connection-fatal error
// instead of crashing the process. It is not installed by default: completer
// contract violations (double reply and friends) panic on purpose, and in
// development those should stay loud.
func RecoveryMiddleware(log *logrus.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *message.Envelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Error("handler panicked")
					err = fmt.Errorf("middleware: handler panic: %v", r)
				}
			}()
			return next(ctx, env)
		}
	}
}
