// Package kerr enumerates the Kafka broker error codes that kproxy itself
// ever needs to synthesize: the handful that the proxy engine returns
// directly to a client without ever consulting the upstream broker (§7 of
// the design spec). It is intentionally not a full transcription of the
// Kafka error-code table; filters and the broker itself own the rest.
package kerr

// Error is a Kafka protocol error code paired with its name, matching the
// shape brokers put on the wire (an int16) and the shape clients expect to
// render back (a name and a message).
type Error struct {
	Code    int16
	Name    string
	Message string
}

func (e *Error) Error() string {
	return e.Name + ": " + e.Message
}

var (
	// NoError is the zero error code, meaning the response is successful.
	NoError error

	UnknownServerError       = &Error{Code: -1, Name: "UNKNOWN_SERVER_ERROR", Message: "the server experienced an unexpected error"}
	InvalidRequest           = &Error{Code: 42, Name: "INVALID_REQUEST", Message: "the request was malformed or violated protocol limits"}
	UnsupportedSaslMechanism = &Error{Code: 33, Name: "UNSUPPORTED_SASL_MECHANISM", Message: "the requested SASL mechanism is not supported"}
	SaslAuthenticationFailed = &Error{Code: 58, Name: "SASL_AUTHENTICATION_FAILED", Message: "SASL authentication failed"}
	IllegalSaslState         = &Error{Code: 34, Name: "ILLEGAL_SASL_STATE", Message: "request received in an invalid SASL state"}
)

// ErrorForCode mirrors kmsg's companion function in the teacher's dependency
// graph: given a raw wire error code, return nil for "no error" and a typed
// Error for anything else recognized by kproxy.
func ErrorForCode(code int16) error {
	switch code {
	case 0:
		return nil
	case UnknownServerError.Code:
		return UnknownServerError
	case InvalidRequest.Code:
		return InvalidRequest
	case UnsupportedSaslMechanism.Code:
		return UnsupportedSaslMechanism
	case SaslAuthenticationFailed.Code:
		return SaslAuthenticationFailed
	case IllegalSaslState.Code:
		return IllegalSaslState
	default:
		return &Error{Code: code, Name: "UNKNOWN_ERROR_CODE", Message: "unrecognized error code"}
	}
}
