package server

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"wirelink/dispatch"
	"wirelink/message"
	"wirelink/protocol"
	"wirelink/transport"
)

// connSink is the single write path of one connection. Every reply and
// epitaph from every handler goroutine on this connection funnels through
// it, which is what keeps concurrent repliers from interleaving frames and
// what makes "epitaph then close, nothing after" enforceable.
type connSink struct {
	conn transport.Conn
	log  *logrus.Logger

	mu     sync.Mutex
	closed bool
}

var _ dispatch.ReplySink = (*connSink)(nil)

func newConnSink(conn transport.Conn, log *logrus.Logger) *connSink {
	return &connSink{conn: conn, log: log}
}

// SendReply writes a response frame correlated by txid. After the connection
// has been closed (epitaph sent or peer gone), late async repliers get
// ErrPeerClosed and their handles are released.
func (s *connSink) SendReply(txid uint32, ordinal uint64, payload []byte, handles []message.Handle) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		message.CloseHandles(handles)
		return transport.ErrPeerClosed
	}
	s.mu.Unlock()

	env := message.New(protocol.Header{
		Txid:    txid,
		Ordinal: ordinal,
		BodyLen: uint32(len(payload)),
	}, payload, handles)
	return s.conn.Send(env)
}

// SendEpitaph writes a terminal status frame and closes the connection.
// Only the first epitaph wins; later calls are no-ops, so racing fatal
// errors from parallel handlers collapse into one clean teardown.
func (s *connSink) SendEpitaph(status int32) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrPeerClosed
	}
	s.closed = true
	s.mu.Unlock()

	env := message.New(protocol.Header{
		Flags:   protocol.FlagControl,
		Ordinal: protocol.OrdinalEpitaph,
		BodyLen: protocol.EpitaphBodySize,
	}, epitaphBody(status), nil)
	if err := s.conn.Send(env); err != nil {
		s.log.WithError(err).Debug("epitaph undeliverable")
	}
	return s.conn.Close()
}

// teardown closes the connection without an epitaph (peer already gone).
func (s *connSink) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.conn.Close()
}

func epitaphBody(status int32) []byte {
	body := make([]byte, protocol.EpitaphBodySize)
	body[0] = byte(uint32(status) >> 24)
	body[1] = byte(uint32(status) >> 16)
	body[2] = byte(uint32(status) >> 8)
	body[3] = byte(uint32(status))
	return body
}

// The sink rides the request context so the middleware chain stays a plain
// envelope pipeline.
type sinkKey struct{}

func withSink(ctx context.Context, s *connSink) context.Context {
	return context.WithValue(ctx, sinkKey{}, s)
}

func sinkFrom(ctx context.Context) *connSink {
	s, _ := ctx.Value(sinkKey{}).(*connSink)
	return s
}
