// Package dispatch routes decoded message envelopes to typed method handlers
// and tracks the reply obligation of every call.
//
// A protocol is described by an immutable ordinal Table built once at
// registration time and shared read-only by every connection serving that
// protocol. The Dispatcher looks an envelope's ordinal up in the table,
// decodes the payload into the method's request type, and invokes the bound
// handler with a Completer — the object representing the obligation (or lack
// thereof) to reply to that one call.
package dispatch

import (
	"context"
	"fmt"
	"hash/fnv"

	"wirelink/codec"
	"wirelink/message"
	"wirelink/protocol"
)

// Kind distinguishes one-way methods (no reply ever) from two-way methods
// (exactly one reply required).
type Kind int

const (
	OneWay Kind = iota
	TwoWay
)

func (k Kind) String() string {
	if k == OneWay {
		return "one-way"
	}
	return "two-way"
}

// Mode selects how a protocol treats ordinals it does not recognize.
type Mode int

const (
	// Strict protocols treat an unknown ordinal as fatal to the connection.
	Strict Mode = iota
	// Flexible protocols route unknown ordinals to the implementation's
	// UnknownMethod hook and keep the connection alive.
	Flexible
)

// Method is one ordinal table entry: the decode thunk producing the typed
// request view and the invoke thunk calling into the implementation.
// Entries are immutable once the table is built.
type Method struct {
	Ordinal uint64
	Name    string
	Kind    Kind

	// Decode builds the typed request view from the payload bytes. It must
	// not retain the payload slice past the call.
	Decode func(cdc codec.Codec, payload []byte) (any, error)

	// AcceptHandles transfers the envelope's handles into the decoded
	// request. Methods that carry no resources leave it nil; an envelope
	// with handles arriving for such a method is a coding error.
	AcceptHandles func(req any, handles []message.Handle)

	// Invoke calls the implementation. For two-way methods the handler must
	// eventually reply or close via the Completer (or Detach it for a later
	// asynchronous completion).
	Invoke func(ctx context.Context, impl any, req any, c *Completer)
}

// Table is the per-protocol mapping from ordinal to method entry.
// Built once, immutable thereafter.
type Table struct {
	name    string
	mode    Mode
	methods map[uint64]*Method
}

// NewTable builds the ordinal table for one protocol. It rejects duplicate
// ordinals and the reserved control ordinals: the all-ones epitaph ordinal
// and ordinal zero can never name a user method.
func NewTable(name string, mode Mode, methods ...Method) (*Table, error) {
	t := &Table{
		name:    name,
		mode:    mode,
		methods: make(map[uint64]*Method, len(methods)),
	}
	for i := range methods {
		m := methods[i]
		if m.Ordinal == protocol.OrdinalKeepalive || m.Ordinal == protocol.OrdinalEpitaph {
			return nil, fmt.Errorf("dispatch: %s.%s uses reserved ordinal %#x", name, m.Name, m.Ordinal)
		}
		if _, dup := t.methods[m.Ordinal]; dup {
			return nil, fmt.Errorf("dispatch: duplicate ordinal %#x in protocol %s", m.Ordinal, name)
		}
		if m.Decode == nil || m.Invoke == nil {
			return nil, fmt.Errorf("dispatch: %s.%s is missing a decode or invoke thunk", name, m.Name)
		}
		t.methods[m.Ordinal] = &m
	}
	return t, nil
}

// Name returns the protocol name.
func (t *Table) Name() string { return t.name }

// Mode returns the protocol's unknown-ordinal policy.
func (t *Table) Mode() Mode { return t.mode }

// Lookup finds the entry for an ordinal; ok is false when the ordinal is not
// part of this protocol.
func (t *Table) Lookup(ordinal uint64) (*Method, bool) {
	m, ok := t.methods[ordinal]
	return m, ok
}

// MethodOrdinal derives the stable ordinal for a method from its protocol
// and method names: FNV-1a over "Protocol/Method" with the top bit cleared
// and the reserved values skipped.
func MethodOrdinal(protocolName, methodName string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(protocolName))
	h.Write([]byte{'/'})
	h.Write([]byte(methodName))
	ord := h.Sum64() &^ (1 << 63)
	if ord == protocol.OrdinalKeepalive {
		ord = 1
	}
	return ord
}
