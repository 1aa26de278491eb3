package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"wirelink/codec"
	"wirelink/message"
	"wirelink/protocol"
	"wirelink/transport"
)

// StatusError is the terminal status a peer sent in its epitaph before
// closing the channel.
type StatusError struct {
	Status int32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client: peer closed with epitaph %s (%d)", protocol.StatusString(e.Status), e.Status)
}

// EventHandler receives unsolicited envelopes (txid 0) from the server.
// The handler owns the envelope and must Discard it when done.
type EventHandler func(env *message.Envelope)

// Client multiplexes two-way calls over a single connection. Each call gets
// a unique transaction id; a background recvLoop routes responses back to
// the waiting caller:
//
//	goroutine-1 ──Call(txid=1)──┐
//	goroutine-2 ──Call(txid=2)──┼──→ single channel ──→ Server
//	goroutine-3 ──Call(txid=3)──┘
//
//	recvLoop:  ←── response(txid=2) → registry.Resolve → goroutine-2 wakes up
type Client struct {
	conn    transport.Conn
	reg     *CallRegistry
	cdc     codec.Codec
	log     *logrus.Logger
	onEvent EventHandler

	flexible  bool // mark outgoing calls with the flexible flag
	keepalive time.Duration

	done chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithCodec selects the payload codec (default JSON).
func WithCodec(c codec.Codec) Option {
	return func(cl *Client) { cl.cdc = c }
}

// WithLogger replaces the default logger.
func WithLogger(log *logrus.Logger) Option {
	return func(cl *Client) { cl.log = log }
}

// WithEventHandler installs the handler for unsolicited server events.
func WithEventHandler(h EventHandler) Option {
	return func(cl *Client) { cl.onEvent = h }
}

// WithFlexibleCalls marks every outgoing call flexible: a server that does
// not recognize the ordinal routes it to its unknown-method path instead of
// closing the connection.
func WithFlexibleCalls() Option {
	return func(cl *Client) { cl.flexible = true }
}

// WithKeepalive sends a keepalive control frame whenever the connection has
// been idle for the given interval.
func WithKeepalive(interval time.Duration) Option {
	return func(cl *Client) { cl.keepalive = interval }
}

// New wraps an established connection and starts the receive loop.
func New(conn transport.Conn, opts ...Option) *Client {
	c := &Client{
		conn: conn,
		reg:  NewCallRegistry(),
		cdc:  &codec.JSONCodec{},
		log:  logrus.StandardLogger(),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.recvLoop()
	if c.keepalive > 0 {
		go c.keepaliveLoop()
	}
	return c
}

// Dial connects to a wirelink server and returns a ready client.
func Dial(network, address string, opts ...Option) (*Client, error) {
	conn, err := transport.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// Call issues a two-way call and blocks until the response arrives, the
// context expires, or the connection dies. Exactly one of those outcomes
// resolves the call; a response racing a cancellation loses cleanly on
// whichever side the registry removed second.
func (c *Client) Call(ctx context.Context, ordinal uint64, args, reply any) error {
	pc, err := c.reg.Register()
	if err != nil {
		return err
	}

	if err := c.send(pc.Txid(), ordinal, args); err != nil {
		// The request never went out; withdraw the pending call. If the
		// registry already drained, the call was resolved there.
		c.reg.Cancel(pc.Txid(), err)
		<-pc.done
		return err
	}

	select {
	case res := <-pc.done:
		return c.finish(res, reply)
	case <-ctx.Done():
		if c.reg.Cancel(pc.Txid(), ctx.Err()) {
			// The txid is forgotten now; if the response still arrives later
			// the receive loop treats it as unexpected and tears the
			// connection down. Callers that cancel and intend to keep the
			// connection should instead let the call finish.
			<-pc.done // our cancellation result
			return ctx.Err()
		}
		// The response won the race; deliver it after all.
		res := <-pc.done
		return c.finish(res, reply)
	}
}

// OneWay issues a fire-and-forget call: txid 0, no reply ever, nothing
// registered.
func (c *Client) OneWay(ordinal uint64, args any) error {
	return c.send(0, ordinal, args)
}

// Close tears the connection down; the receive loop drains every pending
// call with a peer-closed error.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Pending returns the number of outstanding calls (for tests and
// introspection).
func (c *Client) Pending() int {
	return c.reg.Len()
}

func (c *Client) send(txid uint32, ordinal uint64, args any) error {
	payload, err := c.cdc.Encode(args)
	if err != nil {
		return fmt.Errorf("client: encoding request: %w", err)
	}
	var flags byte
	if c.flexible {
		flags = protocol.FlagFlexible
	}
	env := message.New(protocol.Header{
		Flags:   flags,
		Txid:    txid,
		Ordinal: ordinal,
		BodyLen: uint32(len(payload)),
	}, payload, nil)
	return c.conn.Send(env)
}

func (c *Client) finish(res callResult, reply any) error {
	if res.err != nil {
		return res.err
	}
	defer res.env.Discard()
	if reply == nil {
		return nil
	}
	if err := c.cdc.Decode(res.env.Payload, reply); err != nil {
		return fmt.Errorf("client: decoding response: %w", err)
	}
	return nil
}

// recvLoop is the connection's single reader. It routes each inbound frame:
// responses to their pending call, events to the event handler, epitaphs and
// errors to a total drain of the registry — after teardown every caller has
// been resolved exactly once and the registry is empty.
func (c *Client) recvLoop() {
	defer close(c.done)
	for {
		env, err := c.conn.Recv()
		if err != nil {
			if !errors.Is(err, transport.ErrPeerClosed) {
				// Malformed frame from the peer: coding error, fatal.
				c.log.WithError(err).Warn("closing connection on malformed frame")
				err = fmt.Errorf("client: coding error: %w", err)
			}
			c.conn.Close()
			c.reg.Drain(err)
			return
		}

		if env.Header.IsControl() {
			switch env.Header.Ordinal {
			case protocol.OrdinalKeepalive:
				env.Discard()
				continue
			case protocol.OrdinalEpitaph:
				status, derr := protocol.DecodeEpitaph(env.Payload)
				env.Discard()
				c.conn.Close()
				if derr != nil {
					c.reg.Drain(fmt.Errorf("client: coding error: %w", derr))
				} else {
					c.reg.Drain(&StatusError{Status: status})
				}
				return
			}
		}

		// txid 0 on an inbound frame is an unsolicited event.
		if env.Header.Txid == 0 {
			if c.onEvent != nil {
				c.onEvent(env)
			} else {
				env.Discard()
			}
			continue
		}

		if err := c.reg.Resolve(env.Header.Txid, env); err != nil {
			// Duplicate, stale, or forged txid: bug or hostile peer.
			// Connection-fatal, never silently dropped.
			c.log.WithError(err).Error("transaction id mismatch")
			env.Discard()
			c.conn.Close()
			c.reg.Drain(err)
			return
		}
	}
}

// keepaliveLoop sends periodic keepalive frames so idle connections are not
// reaped by the peer.
func (c *Client) keepaliveLoop() {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			env := message.New(protocol.Header{
				Flags:   protocol.FlagControl,
				Ordinal: protocol.OrdinalKeepalive,
			}, nil, nil)
			if err := c.conn.Send(env); err != nil {
				return
			}
		}
	}
}
