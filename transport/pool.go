package transport

import (
	"fmt"
	"sync"
)

// ConnPool manages a pool of reusable channel connections to a single peer.
//
// Pool design: uses a buffered channel as a natural FIFO queue.
// Buffered channels are concurrency-safe, and blocking on empty is built-in.
// Useful when connections are used exclusively (one caller at a time per
// connection) rather than multiplexed.
type ConnPool struct {
	mu       sync.Mutex
	conns    chan *PooledConn          // Buffered channel as pool — FIFO, goroutine-safe
	maxConns int                       // Maximum number of connections
	curConns int                       // Currently created connections (may be < maxConns)
	factory  func() (Conn, error)      // Connection factory function
}

// PooledConn wraps a Conn with pool metadata.
type PooledConn struct {
	Conn
	pool     *ConnPool
	unusable bool // Marked true when the connection encounters an error
}

// MarkUnusable flags the connection so the pool discards it on return.
func (c *PooledConn) MarkUnusable() {
	c.unusable = true
}

// NewConnPool creates a connection pool with the given max size.
// Connections are created lazily — the pool starts empty and grows on demand.
func NewConnPool(maxConns int, factory func() (Conn, error)) *ConnPool {
	return &ConnPool{
		conns:    make(chan *PooledConn, maxConns),
		maxConns: maxConns,
		factory:  factory,
	}
}

// Get retrieves a connection from the pool.
// Strategy:
//  1. Try to get an existing connection from the channel (non-blocking select)
//  2. If pool is empty but under limit, create a new connection
//  3. If pool is empty and at limit, block until one is returned
func (p *ConnPool) Get() (*PooledConn, error) {
	select {
	case conn := <-p.conns:
		if conn.unusable {
			return p.createNew()
		}
		return conn, nil
	default:
		// Pool is empty
		p.mu.Lock()
		under := p.curConns < p.maxConns
		p.mu.Unlock()
		if under {
			return p.createNew()
		}
		// At capacity — block until a connection is returned
		conn := <-p.conns
		return conn, nil
	}
}

// Put returns a connection to the pool.
// If the connection is marked unusable (error occurred), it's closed and discarded.
func (p *ConnPool) Put(conn *PooledConn) {
	if conn.unusable {
		conn.Close()
		p.mu.Lock()
		p.curConns--
		p.mu.Unlock()
		return
	}
	p.conns <- conn
}

// Close shuts down the pool and closes all pooled connections.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.conns)
	for conn := range p.conns {
		conn.Close()
		p.curConns--
	}
	return nil
}

// createNew creates a new connection via the factory function.
// Protected by mutex to prevent exceeding maxConns under concurrent access.
func (p *ConnPool) createNew() (*PooledConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.curConns >= p.maxConns {
		return nil, fmt.Errorf("connection pool exhausted")
	}

	conn, err := p.factory()
	if err != nil {
		return nil, err
	}

	p.curConns++
	return &PooledConn{
		Conn:     conn,
		pool:     p,
		unusable: false,
	}, nil
}
