// Package transport provides the channel abstractions the dispatch layer
// runs on: a sentinel for peer closure, an in-memory envelope pipe for
// in-process channels and tests, and a small connection pool for callers
// that manage many client connections.
package transport

import (
	"errors"

	"wirelink/message"
)

// ErrPeerClosed reports that the other end of a channel is gone. It is a
// terminal condition, not an application error, and must stay distinguishable
// from coding errors: pending calls are drained with it, nothing is retried.
var ErrPeerClosed = errors.New("transport: peer closed")

// Conn is one end of a bidirectional envelope channel.
//
// Send transfers envelope ownership (payload and handles) to the peer.
// Recv blocks until an envelope arrives or the peer closes, in which case it
// returns ErrPeerClosed. Implementations must keep Send safe for concurrent
// use; Recv has a single reader per connection.
type Conn interface {
	Send(env *message.Envelope) error
	Recv() (*message.Envelope, error)
	Close() error
}
