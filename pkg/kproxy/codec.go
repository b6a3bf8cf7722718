package kproxy

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/kroxylicious/kproxy/internal/kbin"
	"github.com/kroxylicious/kproxy/internal/kmsg"
	"github.com/kroxylicious/kproxy/pkg/kproxyframe"
)

// The frame codec proper — ApiKey/version decoding, correlation-id framing
// — is named out of scope in spec.md §1/§6: "the core only consumes the
// resulting typed frames". What follows is the minimal length-prefixed
// Kafka framing kproxy needs in order to have something to hand that
// external codec's job to; it decodes just enough of every request header
// to drive the session state machine (ApiKey, ApiVersion, CorrelationID)
// and fully decodes ApiVersions, SaslHandshake and SaslAuthenticate bodies,
// since spec.md's ApiVersions session state acts on them. Every other
// request body is kept opaque, exactly as spec.md's frame model describes.

// readLengthPrefixedFrame reads one int32-length-prefixed Kafka frame from
// br, rejecting anything over limit as an OversizedFrameError (spec.md §7).
func readLengthPrefixedFrame(br *bufio.Reader, limit int, tlsInUse bool) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return nil, err
	}
	size := int(int32(binary.BigEndian.Uint32(lenBuf[:])))
	if size < 0 || size > limit {
		return nil, &OversizedFrameError{Size: size, Limit: limit, TLSInUse: tlsInUse}
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// decodeRequestHeader parses the non-flexible Kafka request header (ApiKey,
// ApiVersion, CorrelationID, nullable ClientID) from the front of buf,
// returning the header and the remaining body bytes.
func decodeRequestHeader(buf []byte) (*kmsg.RequestHeader, []byte, error) {
	b := kbin.Reader{Src: buf}
	h := &kmsg.RequestHeader{
		ApiKey:        b.Int16(),
		ApiVersion:    b.Int16(),
		CorrelationID: b.Int32(),
		ClientID:      b.NullableString(),
	}
	if err := b.Complete(); err != nil {
		return nil, nil, err
	}
	return h, b.Src, nil
}

// decodeRequestFrame turns one raw length-prefixed request payload into a
// RequestFrame, fully decoding the body only when it's an ApiVersions,
// SaslHandshake or SaslAuthenticate request (needed by the state machine
// itself). Every other body stays in OpaqueBytes with Body nil, including
// when shouldDeserialize says a configured filter wants to see it.
func decodeRequestFrame(raw []byte, shouldDeserialize func(apiKey, apiVersion int16) bool) (*kproxyframe.RequestFrame, error) {
	header, body, err := decodeRequestHeader(raw)
	if err != nil {
		return nil, err
	}
	f := &kproxyframe.RequestFrame{
		ApiKey:        header.ApiKey,
		ApiVersion:    header.ApiVersion,
		CorrelationID: header.CorrelationID,
		HasHeader:     true,
		Header:        header,
	}
	if header.ApiKey == kmsg.ApiVersionsKey {
		req := &kmsg.ApiVersionsRequest{Version: header.ApiVersion}
		if err := req.ReadFrom(body); err != nil {
			return nil, err
		}
		f.Body = req
		return f, nil
	}
	if header.ApiKey == kmsg.SaslHandshakeKey {
		req := &kmsg.SaslHandshakeRequest{Version: header.ApiVersion}
		if err := req.ReadFrom(body); err != nil {
			return nil, err
		}
		f.Body = req
		return f, nil
	}
	if header.ApiKey == kmsg.SaslAuthenticateKey {
		req := &kmsg.SaslAuthenticateRequest{Version: header.ApiVersion}
		if err := req.ReadFrom(body); err != nil {
			return nil, err
		}
		f.Body = req
		return f, nil
	}
	if shouldDeserialize != nil && shouldDeserialize(header.ApiKey, header.ApiVersion) {
		// The real decode of arbitrary request bodies belongs to the
		// external codec named in spec.md §1; kproxy has nothing
		// further to decode them into here, so it still carries the
		// raw bytes but marks the frame as header-decoded so a filter
		// stage can at least branch on ApiKey/ApiVersion. A full
		// deployment wires a real external decoder at this point.
		f.OpaqueBytes = body
		return f, nil
	}
	f.OpaqueBytes = body
	f.Body = nil
	return f, nil
}

// encodeRequestFrame serializes a RequestFrame back to wire bytes
// (length-prefixed), for writing to the upstream broker.
func encodeRequestFrame(f *kproxyframe.RequestFrame) []byte {
	var body []byte
	if f.Body != nil {
		body = f.Body.AppendTo(nil)
	} else {
		body = f.OpaqueBytes
	}
	payload := kbin.AppendInt16(nil, f.ApiKey)
	payload = kbin.AppendInt16(payload, f.ApiVersion)
	payload = kbin.AppendInt32(payload, f.CorrelationID)
	if f.Header != nil {
		payload = kbin.AppendNullableString(payload, f.Header.ClientID)
	} else {
		payload = kbin.AppendNullableString(payload, nil)
	}
	payload = append(payload, body...)
	return framed(payload)
}

// decodeResponseHeader parses the 4-byte correlation id from the front of a
// raw broker response payload.
func decodeResponseHeader(buf []byte) (*kmsg.ResponseHeader, []byte, error) {
	b := kbin.Reader{Src: buf}
	h := &kmsg.ResponseHeader{CorrelationID: b.Int32()}
	if err := b.Complete(); err != nil {
		return nil, nil, err
	}
	return h, b.Src, nil
}

// encodeResponseFrame serializes a ResponseFrame back to wire bytes, for
// writing to the downstream client (short-circuit responses, the locally
// synthesized ApiVersions response, and ordinary forwarded responses).
func encodeResponseFrame(f *kproxyframe.ResponseFrame) []byte {
	var body []byte
	if f.Body != nil {
		body = f.Body.AppendTo(nil)
	} else {
		body = f.OpaqueBytes
	}
	payload := kbin.AppendInt32(nil, f.CorrelationID)
	payload = append(payload, body...)
	return framed(payload)
}

func framed(payload []byte) []byte {
	out := kbin.AppendInt32(nil, int32(len(payload)))
	return append(out, payload...)
}

// supportedApiVersionsResponse lists the ApiKey ranges kproxy itself
// advertises: ApiVersions only. SaslHandshake and SaslAuthenticate, which
// the session state machine also answers locally, are not listed. Every
// other key still forwards to the broker as an opaque frame once Forwarding
// (spec.md §4.4).
func supportedApiVersionsResponse() *kmsg.ApiVersionsResponse {
	return &kmsg.ApiVersionsResponse{
		Version:   3,
		ErrorCode: 0,
		ApiKeys: []kmsg.ApiVersionsResponseKey{
			{ApiKey: kmsg.ApiVersionsKey, MinVersion: 0, MaxVersion: 3},
		},
	}
}
