// Package kproxyframe implements C1 of the design spec: tagged
// representations of decoded/opaque Kafka request and response frames, plus
// the non-Kafka PROXY-protocol preamble (spec.md §4.1).
//
// A RequestFrame is either fully decoded (Header/Body populated, from a
// filter's point of view a mutable value) or opaque (OpaqueBytes populated
// with the undecoded body, Body nil). A ResponseFrame additionally
// carries an optional Recipient/Promise pair identifying it as internal:
// destined for a filter that issued the originating request itself, never
// forwarded to the downstream client (spec.md §4.1, §4.3, §9 design notes).
package kproxyframe

import "github.com/kroxylicious/kproxy/internal/kmsg"

// RequestFrame is a single Kafka request as observed on the wire.
type RequestFrame struct {
	ApiKey        int16
	ApiVersion    int16
	CorrelationID int32
	HasHeader     bool

	Header *kmsg.RequestHeader
	Body   kmsg.Request

	// OpaqueBytes holds the raw body bytes that follow the request header
	// when the body was not decoded; this is the case whether or not a
	// configured filter's ShouldDeserialize returned true for (ApiKey,
	// ApiVersion). The header is re-encoded from Header on the way out.
	OpaqueBytes []byte
}

// IsOpaque reports whether this frame was never decoded.
func (f *RequestFrame) IsOpaque() bool {
	return f.OpaqueBytes != nil && f.Body == nil
}

// ResponseFrame is a single Kafka response, either bound for the client or,
// if Recipient is non-nil, for a filter that originated the corresponding
// request (spec.md §4.3's "internal" correlation-map entries).
type ResponseFrame struct {
	ApiKey        int16
	ApiVersion    int16
	CorrelationID int32

	Header *kmsg.ResponseHeader
	Body   kmsg.Response

	OpaqueBytes []byte

	// Recipient identifies the filter instance that should receive this
	// response instead of the downstream client. Nil means "external":
	// forward to the client after the response filter chain runs.
	Recipient interface{}

	// Promise completes the future returned by kproxyfilter.Context.OriginateRequest
	// for an internal response. Nil for external responses.
	Promise func(kmsg.Response, error)
}

// IsInternal reports whether this response is destined for a filter rather
// than the downstream client (spec.md §4.3, §9 design notes: "model this as
// a sum type Response = External | Internal{recipient, promise}").
func (f *ResponseFrame) IsInternal() bool {
	return f.Recipient != nil
}
