// Package client implements the request-issuing side of a wirelink channel:
// transaction-id allocation, the registry of outstanding two-way calls, and
// the client that multiplexes calls over one connection.
package client

import (
	"errors"
	"fmt"
	"sync"

	"wirelink/message"
)

// ErrUnexpectedTxid reports a response whose transaction id matched no
// outstanding call: a duplicate, stale, or forged id. It indicates either a
// bug or a hostile peer and is fatal to the connection.
var ErrUnexpectedTxid = errors.New("client: unexpected transaction id")

// ErrRegistryClosed reports a call attempted after the registry drained.
var ErrRegistryClosed = errors.New("client: call registry closed")

// callResult is what a pending call resolves to: a response envelope or a
// terminal error, never both.
type callResult struct {
	env *message.Envelope
	err error
}

// PendingCall is one outstanding two-way call. Exactly one of response
// arrival, cancellation, or registry drain resolves it; the registry's mutex
// is the single arbiter of that race.
type PendingCall struct {
	txid uint32
	done chan callResult // buffered(1) so the resolver never blocks
}

// Txid returns the transaction id correlating this call.
func (p *PendingCall) Txid() uint32 { return p.txid }

// CallRegistry tracks the outstanding two-way calls of one connection.
// All mutation happens under one mutex: a call is resolved by whoever
// removes it from the table, so resolution happens exactly once.
type CallRegistry struct {
	mu       sync.Mutex
	next     uint32
	pending  map[uint32]*PendingCall
	closed   bool
	closeErr error
}

// NewCallRegistry creates an empty registry.
func NewCallRegistry() *CallRegistry {
	return &CallRegistry{pending: make(map[uint32]*PendingCall)}
}

// Register allocates a fresh transaction id and enters a pending call for
// it. Ids are a monotonic counter with wraparound, skipping 0 (reserved for
// one-way calls) and any id still in flight.
func (r *CallRegistry) Register() (*PendingCall, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("%w: %v", ErrRegistryClosed, r.closeErr)
	}

	for {
		r.next++
		if r.next == 0 {
			r.next = 1
		}
		if _, inFlight := r.pending[r.next]; !inFlight {
			break
		}
	}

	pc := &PendingCall{txid: r.next, done: make(chan callResult, 1)}
	r.pending[pc.txid] = pc
	return pc, nil
}

// Resolve delivers a response envelope to the pending call with the given
// txid, removing it from the table. An unknown txid is a protocol violation
// reported as ErrUnexpectedTxid — never silently dropped.
func (r *CallRegistry) Resolve(txid uint32, env *message.Envelope) error {
	r.mu.Lock()
	pc, ok := r.pending[txid]
	if ok {
		delete(r.pending, txid)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnexpectedTxid, txid)
	}
	pc.done <- callResult{env: env}
	return nil
}

// Cancel removes and resolves a pending call with err. It returns false when
// the call is no longer pending — a response or another canceller won the
// race — in which case this cancel is a no-op.
func (r *CallRegistry) Cancel(txid uint32, err error) bool {
	r.mu.Lock()
	pc, ok := r.pending[txid]
	if ok {
		delete(r.pending, txid)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	pc.done <- callResult{err: err}
	return true
}

// Drain resolves every pending call with err, empties the table, and closes
// the registry to new calls. This is the teardown contract: after peer
// closure exactly N resolutions occur for N pending calls, and none is left
// hanging forever.
func (r *CallRegistry) Drain(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.closeErr = err
	drained := r.pending
	r.pending = make(map[uint32]*PendingCall)
	r.mu.Unlock()

	for _, pc := range drained {
		pc.done <- callResult{err: err}
	}
}

// Len returns the number of outstanding calls.
func (r *CallRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
