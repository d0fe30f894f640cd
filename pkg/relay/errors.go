package relay

import (
	"errors"
	"fmt"
)

// Kind classifies tunnel failures. Connectivity and timeout failures are
// recoverable by falling back to a direct call; protocol and decode
// failures mean the remote service itself failed and always propagate.
type Kind int

const (
	KindConnectivity Kind = iota // relay unreachable or send retries exhausted
	KindTimeout                  // deadline elapsed with no terminal message
	KindProtocol                 // relay reported ok:false or a non-2xx status
	KindDecode                   // body bytes did not match the declared content type
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is the single failure type surfaced by the relay path.
type Error struct {
	Kind   Kind
	Status int // HTTP status when known, else 0
	msg    string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("relay %s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("relay %s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

func connectivityErr(msg string, cause error) *Error {
	return &Error{Kind: KindConnectivity, msg: msg, cause: cause}
}

func timeoutErr(msg string) *Error {
	return &Error{Kind: KindTimeout, msg: msg}
}

func protocolErr(status int, msg string) *Error {
	return &Error{Kind: KindProtocol, Status: status, msg: msg}
}

func decodeErr(msg string, cause error) *Error {
	return &Error{Kind: KindDecode, msg: msg, cause: cause}
}

// NewError builds a typed failure. The transport facade uses this so the
// direct path surfaces the same taxonomy as the relay path.
func NewError(kind Kind, status int, msg string) *Error {
	return &Error{Kind: kind, Status: status, msg: msg}
}

// KindOf extracts the failure kind, returning ok=false for foreign errors.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Recoverable reports whether the failure may be retried on the direct
// path: true for connectivity and timeout, false otherwise.
func Recoverable(err error) bool {
	k, ok := KindOf(err)
	return ok && (k == KindConnectivity || k == KindTimeout)
}
