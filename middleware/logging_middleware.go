package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"wirelink/message"
)

// LoggingMiddleware logs one line per dispatched envelope: ordinal, txid,
// duration, and the dispatch error if any.
func LoggingMiddleware(log *logrus.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env *message.Envelope) error {
			// Capture header fields before dispatch consumes the envelope.
			ordinal := env.Header.Ordinal
			txid := env.Header.Txid

			start := time.Now()
			err := next(ctx, env)
			duration := time.Since(start)

			entry := log.WithFields(logrus.Fields{
				"ordinal":  fmt.Sprintf("%#x", ordinal),
				"txid":     txid,
				"duration": duration,
			})
			if err != nil {
				entry.WithError(err).Error("dispatch failed")
			} else {
				entry.Debug("dispatched")
			}
			return err
		}
	}
}
