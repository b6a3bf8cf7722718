// Package kmsg contains the small slice of Kafka request/response types
// kproxy decodes itself (ApiVersions, SaslHandshake and SaslAuthenticate, for
// the SASL-authentication-offload path) plus the Request/Response interfaces that stand in for the external
// frame codec's typed output (spec.md §6: "the core only consumes the
// resulting typed frames").
//
// This is deliberately not a full protocol message set: spec.md places the
// "ApiKey/version decoding" codec itself out of scope, and filters operate
// on whatever typed body the external codec handed them. kproxy's own code
// only ever needs to construct and read ApiVersions and the two SASL
// messages.
package kmsg

// Request is satisfied by any decoded Kafka request body.
type Request interface {
	Key() int16
	SetVersion(int16)
	GetVersion() int16
	IsFlexible() bool
	AppendTo([]byte) []byte
	ReadFrom([]byte) error
}

// Response is satisfied by any decoded Kafka response body.
type Response interface {
	Key() int16
	SetVersion(int16)
	GetVersion() int16
	IsFlexible() bool
	AppendTo([]byte) []byte
	ReadFrom([]byte) error
}

// ApiVersionsKey is the well-known ApiKey for ApiVersions requests (18 in
// the real Kafka protocol), kept as its own constant since the session state
// machine branches explicitly on it (spec.md §3, §4.7).
const ApiVersionsKey = 18

// MaxKey is an upper bound on Kafka ApiKey values. kproxy keeps no per-key
// version table; nothing in this module reads MaxKey.
const MaxKey = 90
