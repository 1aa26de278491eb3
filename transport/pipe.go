package transport

import (
	"sync"

	"wirelink/message"
)

// Pipe returns a connected pair of in-memory channel endpoints. Envelopes
// written on one end arrive on the other, handles included — this is the
// in-process transport, and the workhorse of the test suites.
//
// Closing either end closes the channel for both: the peer's Recv returns
// ErrPeerClosed after draining buffered envelopes, and undelivered envelopes
// are discarded so their handles are not leaked.
func Pipe(depth int) (*PipeConn, *PipeConn) {
	a := &PipeConn{in: make(chan *message.Envelope, depth), done: make(chan struct{})}
	b := &PipeConn{in: make(chan *message.Envelope, depth), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// PipeConn is one end of an in-memory channel pair.
type PipeConn struct {
	in   chan *message.Envelope
	peer *PipeConn
	done chan struct{}

	closeOnce sync.Once
}

// Send delivers the envelope to the peer, transferring ownership. If the
// channel is closed the envelope is discarded and ErrPeerClosed is returned.
func (c *PipeConn) Send(env *message.Envelope) error {
	select {
	case <-c.done:
		env.Discard()
		return ErrPeerClosed
	case <-c.peer.done:
		env.Discard()
		return ErrPeerClosed
	case c.peer.in <- env:
		return nil
	}
}

// Recv returns the next envelope, or ErrPeerClosed once the channel is closed
// and the buffer is drained.
func (c *PipeConn) Recv() (*message.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	default:
	}
	select {
	case env := <-c.in:
		return env, nil
	case <-c.done:
		// Drain anything that raced in before the close.
		select {
		case env := <-c.in:
			return env, nil
		default:
			return nil, ErrPeerClosed
		}
	case <-c.peer.done:
		select {
		case env := <-c.in:
			return env, nil
		default:
			return nil, ErrPeerClosed
		}
	}
}

// Close tears down both directions and discards undelivered envelopes.
func (c *PipeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.drain()
		c.peer.drain()
	})
	return nil
}

func (c *PipeConn) drain() {
	for {
		select {
		case env := <-c.in:
			env.Discard()
		default:
			return
		}
	}
}
