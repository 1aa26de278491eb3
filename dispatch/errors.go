package dispatch

import (
	"errors"
	"fmt"

	"wirelink/protocol"
)

// ErrUnknownOrdinal reports an envelope whose ordinal matched no method on a
// strict protocol. Fatal to the connection: the caller sends a
// StatusNotSupported epitaph and closes.
var ErrUnknownOrdinal = errors.New("dispatch: unknown ordinal")

// ErrAbandonedCall reports a two-way call whose handler returned without
// replying, closing, or detaching the completer. On a strict protocol the
// contract requires exactly one reply, so the connection is torn down.
var ErrAbandonedCall = errors.New("dispatch: two-way call abandoned without reply")

// CodingError wraps a malformed-message failure: bad header fields, a payload
// the codec rejected, or handles where none belong. Always fatal to the
// connection that produced it, never retried.
type CodingError struct {
	Reason string
	Err    error
}

func (e *CodingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch: coding error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("dispatch: coding error: %s", e.Reason)
}

func (e *CodingError) Unwrap() error { return e.Err }

func codingErr(reason string, err error) *CodingError {
	return &CodingError{Reason: reason, Err: err}
}

// StatusForError maps a dispatch error to the epitaph status the connection
// owner should send before closing.
func StatusForError(err error) int32 {
	var ce *CodingError
	switch {
	case errors.As(err, &ce):
		return protocol.StatusInvalidArgs
	case errors.Is(err, ErrUnknownOrdinal):
		return protocol.StatusNotSupported
	case errors.Is(err, ErrAbandonedCall):
		return protocol.StatusBadState
	default:
		return protocol.StatusInternal
	}
}
