package protocol

// Epitaph status codes. Negative values are errors, mirroring the usual
// kernel-status convention; StatusOK means the connection was closed cleanly.
const (
	StatusOK            int32 = 0
	StatusInternal      int32 = -1 // shared infrastructure failure
	StatusInvalidArgs   int32 = -2 // malformed header or payload (coding error)
	StatusNotSupported  int32 = -3 // unknown ordinal on a strict protocol
	StatusBadState      int32 = -4 // protocol contract broken (e.g. reply never sent)
	StatusUnavailable   int32 = -5 // server overloaded, retry later
	StatusTimedOut      int32 = -6
	StatusPeerClosed    int32 = -7
	StatusInvalidTxid   int32 = -8 // response txid matched no outstanding call
	StatusAccessDenied  int32 = -9
	StatusAlreadyExists int32 = -10
)

// StatusString names a status code for logs and error text.
func StatusString(status int32) string {
	switch status {
	case StatusOK:
		return "OK"
	case StatusInternal:
		return "INTERNAL"
	case StatusInvalidArgs:
		return "INVALID_ARGS"
	case StatusNotSupported:
		return "NOT_SUPPORTED"
	case StatusBadState:
		return "BAD_STATE"
	case StatusUnavailable:
		return "UNAVAILABLE"
	case StatusTimedOut:
		return "TIMED_OUT"
	case StatusPeerClosed:
		return "PEER_CLOSED"
	case StatusInvalidTxid:
		return "INVALID_TXID"
	case StatusAccessDenied:
		return "ACCESS_DENIED"
	case StatusAlreadyExists:
		return "ALREADY_EXISTS"
	default:
		return "UNKNOWN"
	}
}
