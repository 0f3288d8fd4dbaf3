package amqp

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind tags the fatal condition that ended an EventLoop run. The loop
// has no healthy termination path: every run ends with one of these.
type ErrorKind int

const (
	// ErrIo is a transport failure (anything read/write returned that
	// wasn't io.EOF or syscall.EAGAIN).
	ErrIo ErrorKind = iota
	// ErrUnexpectedSocketClose is an EOF seen in the middle of a frame, or
	// while a reply to a handshake method was still pending.
	ErrUnexpectedSocketClose
	// ErrReceivedMalformed means the frame decoder rejected the bytes on
	// the wire (bad frame-end octet, truncated field table, ...).
	ErrReceivedMalformed
	// ErrSocketPollTimeout means socketPoller.Wait returned with no ready
	// events and no heartbeat deadline due.
	ErrSocketPollTimeout
	// ErrUnsupportedAuthMechanism means the mechanism of the client's
	// configured Authentication wasn't advertised by the server.
	ErrUnsupportedAuthMechanism
	// ErrUnsupportedLocale means the client's preferred locale wasn't
	// advertised by the server.
	ErrUnsupportedLocale
	// ErrFrameMaxTooSmall means negotiation settled below the protocol
	// minimum frame size (4096 bytes).
	ErrFrameMaxTooSmall
	// ErrSaslSecureNotSupported means the server asked for a multi-step
	// SASL challenge, which this client does not implement.
	ErrSaslSecureNotSupported
	// ErrHandshakeWrongServerFrame means a frame arrived during the
	// handshake that violates the state machine's legal transitions; the
	// handshake states report non-method frames with this kind too.
	ErrHandshakeWrongServerFrame
	// ErrHandshakeUnexpectedServerFrame is part of the taxonomy, but no
	// code path in this package currently returns it.
	ErrHandshakeUnexpectedServerFrame
	// ErrMissedServerHeartbeats means the rx watchdog (twice the negotiated
	// heartbeat interval) fired with no read activity recorded since it
	// started or last fired.
	ErrMissedServerHeartbeats
	// ErrServerClosedConnection is a clean, server-initiated shutdown.
	ErrServerClosedConnection
	// ErrClientClosedConnection is a clean, client-initiated shutdown.
	ErrClientClosedConnection
	// ErrInvalidCredentials is inferred when the socket drops while the
	// handshake is waiting in the Secure state.
	ErrInvalidCredentials
	// ErrInternalSerializationError means the outbound encoder rejected a
	// method this package itself constructed - a bug, not a peer problem.
	ErrInternalSerializationError
)

func (k ErrorKind) String() string {
	switch k {
	case ErrIo:
		return "io error"
	case ErrUnexpectedSocketClose:
		return "underlying socket closed unexpectedly"
	case ErrReceivedMalformed:
		return "received malformed data"
	case ErrSocketPollTimeout:
		return "timeout occurred while waiting for socket events"
	case ErrUnsupportedAuthMechanism:
		return "requested auth mechanism unavailable"
	case ErrUnsupportedLocale:
		return "requested locale unavailable"
	case ErrFrameMaxTooSmall:
		return "requested frame max is too small"
	case ErrSaslSecureNotSupported:
		return "SASL secure/secure-ok exchanges are not supported"
	case ErrHandshakeWrongServerFrame:
		return "handshake protocol failure - unexpected server frame"
	case ErrHandshakeUnexpectedServerFrame:
		return "handshake failure - server sent a frame unexpectedly"
	case ErrMissedServerHeartbeats:
		return "missed heartbeats from server"
	case ErrServerClosedConnection:
		return "server closed connection"
	case ErrClientClosedConnection:
		return "client closed connection"
	case ErrInvalidCredentials:
		return "invalid credentials"
	case ErrInternalSerializationError:
		return "internal serialization error (this is a bug)"
	default:
		return "invalid error case"
	}
}

// Error is the error type this package returns. It is always handed out as
// a pointer, which is cheap and safe to share across every NotifyClose
// listener since, once constructed, an *Error is never mutated again.
type Error struct {
	Kind ErrorKind

	// Code/Text carry the AMQP reply-code/reply-text for the close-related
	// kinds. Code also carries the minimum for ErrFrameMaxTooSmall; Text
	// carries the advertised list for the Unsupported* kinds, the expected
	// frame for ErrHandshakeWrongServerFrame, and a short description for
	// ErrReceivedMalformed and ErrInternalSerializationError. Both are
	// empty for kinds that don't carry them.
	Code uint16
	Text string

	cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrServerClosedConnection, ErrClientClosedConnection:
		return fmt.Sprintf("%s (code=%d message=%s)", e.Kind, e.Code, e.Text)
	case ErrUnsupportedAuthMechanism, ErrUnsupportedLocale:
		return fmt.Sprintf("%s (available = %s)", e.Kind, e.Text)
	case ErrFrameMaxTooSmall:
		return fmt.Sprintf("%s (min = %d)", e.Kind, e.Code)
	case ErrHandshakeWrongServerFrame:
		return fmt.Sprintf("%s (expected %s)", e.Kind, e.Text)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.cause)
	}
	return e.Kind.String()
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause, the Go
// equivalent of the original's failure::Context<ErrorKind> chaining.
func (e *Error) Unwrap() error {
	return e.cause
}

// Cause mirrors github.com/pkg/errors's Causer interface.
func (e *Error) Cause() error {
	return e.cause
}

func newErr(kind ErrorKind) *Error {
	return &Error{Kind: kind}
}

func wrapErr(cause error, kind ErrorKind) *Error {
	return &Error{Kind: kind, cause: errors.WithStack(cause)}
}

func newCloseErr(kind ErrorKind, code uint16, text string) *Error {
	return &Error{Kind: kind, Code: code, Text: text}
}

func newListErr(kind ErrorKind, available string) *Error {
	return &Error{Kind: kind, Text: available}
}

func newFrameMaxErr(min uint32) *Error {
	return &Error{Kind: ErrFrameMaxTooSmall, Code: uint16(min)}
}

func newWrongFrameErr(expected string) *Error {
	return &Error{Kind: ErrHandshakeWrongServerFrame, Text: expected}
}

// errMalformed builds the ReceivedMalformed error the frame/table decoders
// return when the wire bytes don't parse.
func errMalformed(what string) *Error {
	return &Error{Kind: ErrReceivedMalformed, Text: what}
}

// withSecureRewrite implements the propagation policy of spec.md §7: if the
// loop errors while state is Secure, chain the underlying error inside
// InvalidCredentials so higher layers can present a useful message.
func withSecureRewrite(err error, state ConnectionState) error {
	if err == nil {
		return nil
	}
	if _, ok := state.(stateSecure); ok {
		return wrapErr(err, ErrInvalidCredentials)
	}
	return err
}
