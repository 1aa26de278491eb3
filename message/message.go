// Package message defines the decoded message envelope moved between the
// transport and the dispatch layer, and the ownership rules for the resource
// handles it carries.
//
// An Envelope is the unit of dispatch: one frame header, the raw payload
// bytes, and the ordered list of handles transferred alongside the payload.
// The envelope exclusively owns its handles until a decode step takes them or
// the envelope is discarded — on every error path the owner closes what it
// still owns, so handles are never leaked and never double-closed.
package message

import (
	"wirelink/protocol"
)

// Handle is an ownership token over a transferred resource. Whoever holds the
// token is responsible for closing it exactly once.
type Handle interface {
	Close() error
}

// Envelope carries one decoded frame: header, opaque payload bytes, and the
// transferred handles.
type Envelope struct {
	Header  protocol.Header
	Payload []byte

	handles   []Handle
	taken     bool // handles transferred out via TakeHandles
	discarded bool // handles closed via Discard
}

// New builds an envelope owning the given handles.
func New(header protocol.Header, payload []byte, handles []Handle) *Envelope {
	return &Envelope{
		Header:  header,
		Payload: payload,
		handles: handles,
	}
}

// HandleCount returns the number of handles the envelope still owns.
func (e *Envelope) HandleCount() int {
	if e.taken || e.discarded {
		return 0
	}
	return len(e.handles)
}

// TakeHandles transfers ownership of all handles to the caller. The transfer
// happens at most once; taking from an envelope that no longer owns its
// handles is an ownership bug and panics.
func (e *Envelope) TakeHandles() []Handle {
	if e.taken {
		panic("message: handles taken twice from one envelope")
	}
	if e.discarded {
		panic("message: handles taken after Discard")
	}
	e.taken = true
	h := e.handles
	e.handles = nil
	return h
}

// Discard closes every handle the envelope still owns. It is idempotent and
// a no-op after TakeHandles, so error paths can call it unconditionally.
// Close errors are ignored: the resources are gone either way.
func (e *Envelope) Discard() {
	if e.taken || e.discarded {
		return
	}
	e.discarded = true
	for _, h := range e.handles {
		h.Close()
	}
	e.handles = nil
}

// CloseHandles closes a handle list obtained from TakeHandles. Used when a
// decoded request is abandoned before its handles reach application code.
func CloseHandles(handles []Handle) {
	for _, h := range handles {
		h.Close()
	}
}
