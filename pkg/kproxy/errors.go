package kproxy

import (
	"errors"
	"fmt"

	"github.com/kroxylicious/kproxy/internal/kerr"
)

// The error taxonomy of spec.md §7. Each kind carries enough context to
// classify the failure that closed the connection. Modeled on
// the teacher's typed sentinel errors (ErrConnDead, ErrBrokerDead,
// ErrCorrelationIDMismatch, ErrUnknownRequestKey, ErrBrokerTooOld) in
// broker.go, which the same way classify failures into a small closed set
// rather than wrapping arbitrary errors.

// ErrProtocolViolation marks an unexpected message in the current session
// state (spec.md §7: a second PROXY preamble, initiateConnect called
// twice, ...). Closing on this error never synthesizes a response.
type ErrProtocolViolation struct {
	Detail string
}

func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("kproxy: protocol violation: %s", e.Detail)
}

// OversizedFrameError marks a frame larger than MaxFrameSizeBytes. Closing
// on this error closes the connection without sending any response, also
// when the connection is already Forwarding: no INVALID_REQUEST response is
// synthesized for pending client correlation ids.
type OversizedFrameError struct {
	Size      int
	Limit     int
	TLSInUse  bool
}

func (e *OversizedFrameError) Error() string {
	return fmt.Sprintf("kproxy: oversized frame: %d bytes exceeds limit %d (tls=%v)", e.Size, e.Limit, e.TLSInUse)
}

// ErrUnknownServerError wraps any other exception surfaced from the
// downstream stack (spec.md §7's "ClientException (other)"). Closing on
// this error closes the connection without sending an UNKNOWN_SERVER_ERROR
// response.
type ErrUnknownServerError struct {
	Cause error
}

func (e *ErrUnknownServerError) Error() string {
	return fmt.Sprintf("kproxy: client exception: %v", e.Cause)
}

func (e *ErrUnknownServerError) Unwrap() error { return e.Cause }

// ErrUpstreamClosed wraps an exception from the upstream stack (spec.md
// §7's ServerException). The client sees a generic error, not the broker's
// detail, per the propagation policy.
type ErrUpstreamClosed struct {
	Cause error
}

func (e *ErrUpstreamClosed) Error() string {
	return fmt.Sprintf("kproxy: upstream closed: %v", e.Cause)
}

func (e *ErrUpstreamClosed) Unwrap() error { return e.Cause }

// UnknownCorrelationError marks a broker response whose correlation id had
// no live entry in the correlation map (spec.md §3 invariant 6, §7's
// UnknownCorrelation). Treated identically to ErrUpstreamClosed.
type UnknownCorrelationError struct {
	CorrelationID int32
}

func (e *UnknownCorrelationError) Error() string {
	return fmt.Sprintf("kproxy: unknown correlation id %d", e.CorrelationID)
}

// FilterError wraps a panic or error raised out of a filter's Apply method
// (spec.md §7's FilterError). Closing on this error closes the connection
// without sending an UNKNOWN_SERVER_ERROR response; the failure reaches
// metrics only as a "FilterError" protocol-error hook event, and no
// per-filter health state is kept.
type FilterError struct {
	FilterName string
	Cause      error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("kproxy: filter %q error: %v", e.FilterName, e.Cause)
}

func (e *FilterError) Unwrap() error { return e.Cause }

// ErrConnectionClosing is delivered to any filter-originated request future
// still outstanding when the connection enters Closing (spec.md §5
// "Cancellation").
var ErrConnectionClosing = errors.New("kproxy: connection closing")

// ErrBufferOverflow marks the pre-forwarding buffer (spec.md §4.4) growing
// past its configured bound; always fatal (INVALID_REQUEST).
var ErrBufferOverflow = errors.New("kproxy: pre-forwarding buffer exceeded configured bound")

// ErrDoubleConnect marks initiateConnect (or the internal
// onNetFilterInitiateConnect event) being invoked more than once, or from a
// state other than SelectingServer (spec.md §4.7).
var ErrDoubleConnect = errors.New("kproxy: initiateConnect called twice or outside SelectingServer")

// SASL-authentication-offload errors (spec.md §3's ApiVersions state):
// closing on any of these always synthesizes the matching error response
// before the bare close, since the client is still mid-handshake and has
// never reached Forwarding.
var (
	ErrSaslUnsupportedMechanism = errors.New("kproxy: unsupported SASL mechanism")
	ErrSaslIllegalState         = errors.New("kproxy: SaslAuthenticate before SaslHandshake")
	ErrSaslAuthFailed           = errors.New("kproxy: SASL authentication failed")
)

// kerrCode maps a kproxy SASL sentinel error to the Kafka wire error code it
// reports in a synthesized SaslHandshake/SaslAuthenticate response.
func kerrCode(err error) int16 {
	switch err {
	case ErrSaslUnsupportedMechanism:
		return kerr.UnsupportedSaslMechanism.Code
	case ErrSaslIllegalState:
		return kerr.IllegalSaslState.Code
	case ErrSaslAuthFailed:
		return kerr.SaslAuthenticationFailed.Code
	default:
		return kerr.UnknownServerError.Code
	}
}
