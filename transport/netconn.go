package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"wirelink/message"
	"wirelink/protocol"
)

// ErrHandlesUnsupported reports an attempt to send resource handles over a
// byte-stream transport. Handles only travel over in-process channels.
var ErrHandlesUnsupported = errors.New("transport: handles not supported on net connections")

// NetConn frames envelopes over a net.Conn using the wirelink wire protocol.
// Sends are serialized by an internal mutex so concurrent repliers on one
// connection never interleave frames; Recv has a single reader.
type NetConn struct {
	conn   net.Conn
	sendMu sync.Mutex
}

// Dial connects to a wirelink endpoint over the given network.
func Dial(network, address string) (*NetConn, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return WrapNet(conn), nil
}

// WrapNet frames envelopes over an already-established connection.
func WrapNet(conn net.Conn) *NetConn {
	return &NetConn{conn: conn}
}

// Send writes one envelope. Envelopes carrying handles are rejected and
// discarded: a byte stream has nowhere to put them, and silently dropping
// live resources would leak them on the far side of the contract.
func (c *NetConn) Send(env *message.Envelope) error {
	if env.HandleCount() > 0 {
		env.Discard()
		return ErrHandlesUnsupported
	}
	env.Discard()

	header := env.Header
	header.BodyLen = uint32(len(env.Payload))

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := protocol.Encode(c.conn, &header, env.Payload); err != nil {
		return mapNetErr(err)
	}
	return nil
}

// Recv reads one envelope. Peer closure is returned as ErrPeerClosed;
// anything else from the frame decoder is a coding error.
func (c *NetConn) Recv() (*message.Envelope, error) {
	header, body, err := protocol.Decode(c.conn)
	if err != nil {
		return nil, mapNetErr(err)
	}
	return message.New(*header, body, nil), nil
}

// Close shuts the underlying connection down.
func (c *NetConn) Close() error {
	return c.conn.Close()
}

// mapNetErr folds the ways a TCP peer can disappear into ErrPeerClosed so
// callers can tell closure apart from malformed input.
func mapNetErr(err error) error {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return ErrPeerClosed
	}
	return err
}
