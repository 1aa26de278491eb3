package dispatch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"wirelink/codec"
	"wirelink/message"
)

// Outcome is the result of a TryDispatch attempt.
type Outcome int

const (
	// Handled: the envelope was consumed (successfully or by reporting a
	// coding error through the returned error).
	Handled Outcome = iota
	// NotFound: the ordinal is not part of this table and the envelope is
	// fully intact — no handles consumed — so an outer chain may try a
	// fallback table.
	NotFound
)

// UnknownMethodInfo describes a call to an unrecognized ordinal on a
// flexible protocol.
type UnknownMethodInfo struct {
	Ordinal uint64
	Kind    Kind // one-way or two-way, derived from the transaction id
}

// UnknownMethodHandler is the generic unknown-method path of a flexible
// protocol implementation.
type UnknownMethodHandler interface {
	UnknownMethod(ctx context.Context, info UnknownMethodInfo)
}

// Dispatcher binds one protocol table to one implementation and routes
// envelopes to handlers. It is stateless per call and safe for concurrent
// use across every connection serving the protocol.
type Dispatcher struct {
	table *Table
	impl  any
	cdc   codec.Codec
	log   *logrus.Entry
}

// NewDispatcher builds a dispatcher for a table/implementation pair.
// A flexible table requires the implementation to provide the generic
// unknown-method path; that mismatch is a registration error, caught here
// rather than on the first unknown ordinal in production.
func NewDispatcher(table *Table, impl any, cdc codec.Codec) (*Dispatcher, error) {
	if table.Mode() == Flexible {
		if _, ok := impl.(UnknownMethodHandler); !ok {
			return nil, fmt.Errorf("dispatch: flexible protocol %s requires an UnknownMethodHandler implementation", table.Name())
		}
	}
	return &Dispatcher{
		table: table,
		impl:  impl,
		cdc:   cdc,
		log:   logrus.WithField("protocol", table.Name()),
	}, nil
}

// Table returns the dispatcher's ordinal table.
func (d *Dispatcher) Table() *Table { return d.table }

// Dispatch routes one envelope. The envelope is always consumed: on every
// error path its remaining handles are closed. A non-nil error is fatal to
// the connection; the caller maps it to an epitaph status with
// StatusForError and closes.
func (d *Dispatcher) Dispatch(ctx context.Context, env *message.Envelope, sink ReplySink) error {
	outcome, err := d.TryDispatch(ctx, env, sink)
	if outcome == NotFound {
		return d.handleUnknown(ctx, env)
	}
	return err
}

// TryDispatch routes one envelope if its ordinal belongs to this table.
// When it returns NotFound the envelope is untouched — no handles consumed —
// which permits chaining dispatchers for composed protocols.
func (d *Dispatcher) TryDispatch(ctx context.Context, env *message.Envelope, sink ReplySink) (Outcome, error) {
	if env.Header.IsControl() {
		env.Discard()
		return Handled, codingErr("control frame reached dispatcher", nil)
	}

	entry, ok := d.table.Lookup(env.Header.Ordinal)
	if !ok {
		return NotFound, nil
	}

	// The wire says one-way (txid 0) or two-way (txid != 0); it must agree
	// with the method's declared kind.
	wireKind := TwoWay
	if env.Header.Txid == 0 {
		wireKind = OneWay
	}
	if wireKind != entry.Kind {
		env.Discard()
		return Handled, codingErr(
			fmt.Sprintf("%s.%s is %s but frame txid says %s", d.table.Name(), entry.Name, entry.Kind, wireKind), nil)
	}

	// Decode the payload into the typed request view. A failure leaves the
	// envelope owning its handles, which Discard then closes: nothing leaks.
	req, err := entry.Decode(d.cdc, env.Payload)
	if err != nil {
		env.Discard()
		return Handled, codingErr(fmt.Sprintf("decoding %s.%s request", d.table.Name(), entry.Name), err)
	}

	// Transfer handles into the request, exactly once. Handles arriving for
	// a method that declared none are a coding error, closed right here.
	handles := env.TakeHandles()
	if entry.AcceptHandles != nil {
		entry.AcceptHandles(req, handles)
	} else if len(handles) > 0 {
		message.CloseHandles(handles)
		return Handled, codingErr(
			fmt.Sprintf("%s.%s carries %d unexpected handles", d.table.Name(), entry.Name, len(handles)), nil)
	}

	completer := newCompleter(entry, env.Header.Txid, sink, d.cdc)
	entry.Invoke(ctx, d.impl, req, completer)

	// A two-way handler that returned without replying, closing, or
	// detaching has broken the reply contract.
	if entry.Kind == TwoWay && completer.dropped() {
		if d.table.Mode() == Strict {
			return Handled, fmt.Errorf("%w: %s.%s (txid %d)", ErrAbandonedCall, d.table.Name(), entry.Name, env.Header.Txid)
		}
		d.log.WithFields(logrus.Fields{
			"method": entry.Name,
			"txid":   env.Header.Txid,
		}).Warn("two-way handler returned without reply on flexible protocol")
	}
	return Handled, nil
}

// handleUnknown consumes an envelope whose ordinal matched nothing.
func (d *Dispatcher) handleUnknown(ctx context.Context, env *message.Envelope) error {
	ordinal := env.Header.Ordinal
	kind := TwoWay
	if env.Header.Txid == 0 {
		kind = OneWay
	}
	env.Discard()

	if d.table.Mode() == Strict {
		return fmt.Errorf("%w: %#x on strict protocol %s", ErrUnknownOrdinal, ordinal, d.table.Name())
	}

	d.log.WithFields(logrus.Fields{
		"ordinal": fmt.Sprintf("%#x", ordinal),
		"kind":    kind.String(),
	}).Debug("routing unknown ordinal to flexible unknown-method path")
	d.impl.(UnknownMethodHandler).UnknownMethod(ctx, UnknownMethodInfo{Ordinal: ordinal, Kind: kind})
	return nil
}

// Chain dispatches across composed protocols: each table is tried in order
// and the first one owning the ordinal handles the envelope. When none does,
// the unknown-ordinal policy of the last dispatcher applies — the terminal
// protocol decides whether the connection survives.
type Chain []*Dispatcher

// Dispatch routes one envelope through the chain.
func (ch Chain) Dispatch(ctx context.Context, env *message.Envelope, sink ReplySink) error {
	if len(ch) == 0 {
		env.Discard()
		return codingErr("empty dispatch chain", nil)
	}
	for _, d := range ch[:len(ch)-1] {
		outcome, err := d.TryDispatch(ctx, env, sink)
		if outcome == Handled {
			return err
		}
	}
	return ch[len(ch)-1].Dispatch(ctx, env, sink)
}
