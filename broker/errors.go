package broker

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session errors so callers can branch on failure class
// instead of matching message strings.
type ErrorKind string

const (
	// KindNetworkUnreachable covers dial failures, DNS errors and dropped sockets.
	KindNetworkUnreachable ErrorKind = "network_unreachable"
	// KindAuthenticationRejected means the broker refused the credentials or token.
	KindAuthenticationRejected ErrorKind = "authentication_rejected"
	// KindProtocolMalformed marks unparsable wire data. The dispatcher absorbs
	// these internally; they never surface to callers.
	KindProtocolMalformed ErrorKind = "protocol_malformed"
	// KindActivationMismatch means the broker confirmed a different account type
	// than the one requested.
	KindActivationMismatch ErrorKind = "activation_mismatch"
	// KindConfirmationTimeout means the broker never confirmed a state change
	// within the polling budget.
	KindConfirmationTimeout ErrorKind = "confirmation_timeout"
	// KindNotConnected means the operation requires an established session.
	KindNotConnected ErrorKind = "not_connected"
	// KindPartialDataUnavailable means a best-effort data source failed while
	// the primary result is still usable.
	KindPartialDataUnavailable ErrorKind = "partial_data_unavailable"
	// KindFatal means the session is terminally closed. Callers must build a
	// new session to continue.
	KindFatal ErrorKind = "fatal"
)

// Error is the typed error carried by all session operations. Op names the
// operation that failed, Err holds the underlying cause (may be nil).
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and operation name.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a typed error from a format string.
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from err, unwrapping as needed. Errors that
// carry no kind report an empty ErrorKind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
