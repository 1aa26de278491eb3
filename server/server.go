// Package server implements the connection-serving side of wirelink: it
// accepts channels, runs each connection's receive loop, and routes every
// inbound envelope through the middleware chain into the dispatch layer.
//
// Request processing pipeline:
//
//	Accept conn → serveConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Middleware Chain → Dispatcher (ordinal lookup, decode, invoke)
//	    → Completer reply via the connection's shared write path
//
// Handler execution is parallel per connection, but every reply funnels
// through one ReplySink per connection, so frames never interleave.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"wirelink/codec"
	"wirelink/dispatch"
	"wirelink/message"
	"wirelink/middleware"
	"wirelink/protocol"
	"wirelink/transport"
)

// Server owns a set of registered protocols and serves them over accepted
// connections.
type Server struct {
	chain       dispatch.Chain          // Registered protocols, tried in order (composed dispatch)
	listener    net.Listener            // TCP listener, nil until Serve
	wg          sync.WaitGroup          // Tracks in-flight requests for graceful shutdown
	shutdown    atomic.Bool             // Set during shutdown to suppress Accept errors
	middlewares []middleware.Middleware // Applied in registration order
	handler     middleware.HandlerFunc  // Built once at serve time: middleware(...(dispatch))
	cdc         codec.Codec
	log         *logrus.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	buildOnce  sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithCodec selects the payload codec (default JSON).
func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.cdc = c }
}

// WithLogger replaces the default logger.
func WithLogger(log *logrus.Logger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer creates a server with no registered protocols.
func NewServer(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cdc:        &codec.JSONCodec{},
		log:        logrus.StandardLogger(),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a protocol (ordinal table + implementation) to the server.
// Protocols registered earlier shadow later ones for overlapping ordinals;
// the last registered protocol's strictness decides the fate of ordinals
// nobody owns.
func (s *Server) Register(table *dispatch.Table, impl any) error {
	d, err := dispatch.NewDispatcher(table, impl, s.cdc)
	if err != nil {
		return err
	}
	s.chain = append(s.chain, d)
	return nil
}

// RegisterReceiver registers a protocol scanned from a receiver struct
// (see dispatch.TableFromReceiver).
func (s *Server) RegisterReceiver(mode dispatch.Mode, rcvr any) error {
	table, err := dispatch.TableFromReceiver(mode, rcvr)
	if err != nil {
		return err
	}
	return s.Register(table, rcvr)
}

// Use registers a middleware. Middlewares are applied in the order they are
// added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve starts the accept loop on the given address and blocks until the
// listener closes. One goroutine per connection.
func (s *Server) Serve(network, address string) error {
	if len(s.chain) == 0 {
		return errors.New("server: no protocols registered")
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.buildHandler()

	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an
			// error. Check the flag to tell intentional close from failure.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.serveConn(transport.WrapNet(conn))
	}
}

// ServeConn serves a single already-established channel (for example one end
// of a transport.Pipe) until the peer closes. It may be called instead of or
// in addition to Serve; in-process services use it directly.
func (s *Server) ServeConn(conn transport.Conn) error {
	if len(s.chain) == 0 {
		return errors.New("server: no protocols registered")
	}
	s.buildHandler()
	s.serveConn(conn)
	return nil
}

// Addr returns the listen address, once Serve has bound it.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) buildHandler() {
	// Build the middleware chain once (not per-request).
	// Chain wraps middlewares in reverse order to create the onion model:
	//   Chain(A, B, C)(handler) → A(B(C(handler)))
	s.buildOnce.Do(func() {
		dispatchStep := func(ctx context.Context, env *message.Envelope) error {
			sink := sinkFrom(ctx)
			return s.chain.Dispatch(ctx, env, sink)
		}
		s.handler = middleware.Chain(s.middlewares...)(dispatchStep)
	})
}

// serveConn processes a single connection. It runs a read loop in one
// goroutine (reads must be sequential to parse frame boundaries) and
// dispatches each request to its own goroutine for parallel processing.
func (s *Server) serveConn(conn transport.Conn) {
	sink := newConnSink(conn, s.log)
	defer sink.teardown()

	for {
		env, err := conn.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrPeerClosed) {
				return
			}
			// Malformed frame: coding error, fatal to this connection only.
			s.log.WithError(err).Warn("closing connection on malformed frame")
			sink.SendEpitaph(protocol.StatusInvalidArgs)
			return
		}

		if env.Header.IsControl() {
			switch env.Header.Ordinal {
			case protocol.OrdinalKeepalive:
				// Keepalives exist only to keep the connection alive.
				env.Discard()
				continue
			case protocol.OrdinalEpitaph:
				status, _ := protocol.DecodeEpitaph(env.Payload)
				env.Discard()
				s.log.WithField("status", protocol.StatusString(status)).Debug("peer sent epitaph")
				return
			}
		}

		// Dispatch the request on its own goroutine. Without this, a slow
		// handler on request 1 would block all later requests on the same
		// connection. The request registers with the WaitGroup before the
		// goroutine starts, so Shutdown's wait cannot slip past a request
		// that was dispatched but not yet running.
		s.wg.Add(1)
		go s.handleRequest(env, sink)
	}
}

// handleRequest runs one envelope through middleware and dispatch. A fatal
// dispatch error closes this connection with a status epitaph.
func (s *Server) handleRequest(env *message.Envelope, sink *connSink) {
	defer s.wg.Done()

	ctx := withSink(s.baseCtx, sink)
	if err := s.handler(ctx, env); err != nil {
		sink.SendEpitaph(statusFor(err))
	}
}

// statusFor maps a failed dispatch to an epitaph status.
func statusFor(err error) int32 {
	if errors.Is(err, middleware.ErrOverloaded) {
		return protocol.StatusUnavailable
	}
	return dispatch.StatusForError(err)
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag (so the Accept error is recognized as intentional)
//  2. Close the listener (stop accepting new connections)
//  3. Wait for in-flight requests to finish (with timeout)
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.cancelBase()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("server: timeout waiting for in-flight requests")
	}
}
