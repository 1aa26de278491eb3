package dispatch

import (
	"fmt"
	"sync"

	"wirelink/codec"
	"wirelink/message"
	"wirelink/protocol"
)

// ReplySink is the write side of one connection. All replies and epitaphs
// funnel through it so that frames from concurrent handlers never interleave:
// the implementation owns the connection's single write lock.
type ReplySink interface {
	// SendReply writes a response frame correlated by txid.
	SendReply(txid uint32, ordinal uint64, payload []byte, handles []message.Handle) error
	// SendEpitaph writes an epitaph carrying status and closes the
	// connection. Everything after it is undeliverable.
	SendEpitaph(status int32) error
}

type completerState int

const (
	stateAwaitingReply completerState = iota
	stateDetached                     // async completion pending, still owes a terminal action
	stateReplied                      // terminal
	stateClosed                       // terminal
	stateAbandoned                    // terminal; the only state of a one-way completer
)

// Completer is bound 1:1 to a single incoming call and tracks whether that
// call still owes a reply. At most one terminal action — Reply or Close —
// may ever occur; a second attempt is a local programming error and panics
// rather than corrupting the channel with a reused transaction id.
//
// A handler that wants to reply later from another goroutine calls Detach
// before returning; the dispatcher then skips its abandoned-call check and
// the obligation follows the completer.
type Completer struct {
	mu    sync.Mutex
	state completerState

	txid    uint32
	ordinal uint64
	kind    Kind
	method  string
	sink    ReplySink
	cdc     codec.Codec
}

func newCompleter(m *Method, txid uint32, sink ReplySink, cdc codec.Codec) *Completer {
	c := &Completer{
		txid:    txid,
		ordinal: m.Ordinal,
		kind:    m.Kind,
		method:  m.Name,
		sink:    sink,
		cdc:     cdc,
	}
	if m.Kind == OneWay {
		// One-way calls never reply; the completer is born terminal and its
		// destruction is a no-op success.
		c.state = stateAbandoned
	}
	return c
}

// Reply encodes v and sends it as the response to this call, tagged with the
// original transaction id. Valid exactly once, and only for two-way calls.
//
// An encode failure leaves the completer awaiting so the handler can still
// Close with a status. A send failure is returned as-is (peer closure stays
// distinguishable) but the completer is terminal: the reply was committed.
func (c *Completer) Reply(v any) error {
	if c.kind != TwoWay {
		panic(fmt.Sprintf("dispatch: Reply on one-way method %s", c.method))
	}

	payload, err := c.cdc.Encode(v)
	if err != nil {
		return codingErr(fmt.Sprintf("encoding %s response", c.method), err)
	}

	c.mu.Lock()
	if c.state != stateAwaitingReply && c.state != stateDetached {
		c.mu.Unlock()
		panic(fmt.Sprintf("dispatch: second terminal action on completer for %s (txid %d)", c.method, c.txid))
	}
	c.state = stateReplied
	c.mu.Unlock()

	return c.sink.SendReply(c.txid, c.ordinal, payload, nil)
}

// ReplyWithHandles is Reply with transferred resources attached to the
// response. Ownership of the handles passes to the sink on success and is
// released (closed) if encoding fails first.
func (c *Completer) ReplyWithHandles(v any, handles []message.Handle) error {
	if c.kind != TwoWay {
		message.CloseHandles(handles)
		panic(fmt.Sprintf("dispatch: Reply on one-way method %s", c.method))
	}

	payload, err := c.cdc.Encode(v)
	if err != nil {
		message.CloseHandles(handles)
		return codingErr(fmt.Sprintf("encoding %s response", c.method), err)
	}

	c.mu.Lock()
	if c.state != stateAwaitingReply && c.state != stateDetached {
		c.mu.Unlock()
		message.CloseHandles(handles)
		panic(fmt.Sprintf("dispatch: second terminal action on completer for %s (txid %d)", c.method, c.txid))
	}
	c.state = stateReplied
	c.mu.Unlock()

	return c.sink.SendReply(c.txid, c.ordinal, payload, handles)
}

// Close sends an epitaph carrying status and shuts the connection down in
// place of a reply. Valid exactly once, from the awaiting (or detached)
// state only.
func (c *Completer) Close(status int32) error {
	c.mu.Lock()
	if c.state != stateAwaitingReply && c.state != stateDetached {
		c.mu.Unlock()
		panic(fmt.Sprintf("dispatch: Close on terminal completer for %s (txid %d, %s)",
			c.method, c.txid, protocol.StatusString(status)))
	}
	c.state = stateClosed
	c.mu.Unlock()

	return c.sink.SendEpitaph(status)
}

// Detach marks the completer for asynchronous completion: the handler is
// returning now and will Reply or Close later from another goroutine. The
// send still serializes through the connection's ReplySink.
func (c *Completer) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateAwaitingReply {
		c.state = stateDetached
	}
}

// NeedsReply reports whether the call still owes a terminal action.
func (c *Completer) NeedsReply() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateAwaitingReply || c.state == stateDetached
}

// dropped reports whether the handler returned while still owing a reply it
// never detached. Called by the dispatcher after a synchronous invoke.
func (c *Completer) dropped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateAwaitingReply
}
