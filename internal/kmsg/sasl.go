package kmsg

import "github.com/kroxylicious/kproxy/internal/kbin"

// SaslHandshakeKey and SaslAuthenticateKey are the well-known ApiKeys for the
// two requests kproxy decodes itself while in the ApiVersions session state,
// alongside ApiVersionsKey, so the SASL-authentication-offload path (spec.md
// §3, §6) can run entirely in front of the net-filter/broker.
const (
	SaslHandshakeKey    = 17
	SaslAuthenticateKey = 36
)

// SaslHandshakeRequest names the mechanism the client wants to use. kproxy's
// offload handler only ever accepts one configured mechanism (see
// internal/sasloffload); anything else gets an UnsupportedSaslMechanism
// error response and a synthesized disconnect, the way the teacher's
// cxn.doSasl() reacts to a broker-side UnsupportedSaslMechanism error.
type SaslHandshakeRequest struct {
	Version   int16
	Mechanism string
}

func (*SaslHandshakeRequest) Key() int16 { return SaslHandshakeKey }

func (r *SaslHandshakeRequest) SetVersion(v int16) { r.Version = v }
func (r *SaslHandshakeRequest) GetVersion() int16  { return r.Version }
func (r *SaslHandshakeRequest) IsFlexible() bool   { return false }

func (r *SaslHandshakeRequest) AppendTo(dst []byte) []byte {
	return kbin.AppendString(dst, r.Mechanism)
}

func (r *SaslHandshakeRequest) ReadFrom(src []byte) error {
	b := kbin.Reader{Src: src}
	r.Mechanism = b.String()
	return b.Complete()
}

// SaslHandshakeResponse echoes back the mechanisms kproxy's offload handler
// supports (always exactly one, today) alongside the error code.
type SaslHandshakeResponse struct {
	Version    int16
	ErrorCode  int16
	Mechanisms []string
}

func (*SaslHandshakeResponse) Key() int16 { return SaslHandshakeKey }

func (r *SaslHandshakeResponse) SetVersion(v int16) { r.Version = v }
func (r *SaslHandshakeResponse) GetVersion() int16  { return r.Version }
func (r *SaslHandshakeResponse) IsFlexible() bool   { return false }

func (r *SaslHandshakeResponse) AppendTo(dst []byte) []byte {
	dst = kbin.AppendInt16(dst, r.ErrorCode)
	dst = kbin.AppendArrayLen(dst, len(r.Mechanisms))
	for _, m := range r.Mechanisms {
		dst = kbin.AppendString(dst, m)
	}
	return dst
}

func (r *SaslHandshakeResponse) ReadFrom(src []byte) error {
	b := kbin.Reader{Src: src}
	r.ErrorCode = b.Int16()
	n := b.ArrayLen()
	r.Mechanisms = r.Mechanisms[:0]
	for i := int32(0); i < n; i++ {
		r.Mechanisms = append(r.Mechanisms, b.String())
	}
	return b.Complete()
}

// SaslAuthenticateRequest carries the opaque SASL challenge/response bytes.
// kproxy's offload handler only implements the single-round PLAIN-shaped
// exchange described in internal/sasloffload (authzid\0user\0password),
// which is the part of the multi-round SCRAM wire protocol the offload path
// actually needs to decide pass/fail before ever consulting the net-filter.
type SaslAuthenticateRequest struct {
	Version   int16
	AuthBytes []byte
}

func (*SaslAuthenticateRequest) Key() int16 { return SaslAuthenticateKey }

func (r *SaslAuthenticateRequest) SetVersion(v int16) { r.Version = v }
func (r *SaslAuthenticateRequest) GetVersion() int16  { return r.Version }
func (r *SaslAuthenticateRequest) IsFlexible() bool   { return false }

func (r *SaslAuthenticateRequest) AppendTo(dst []byte) []byte {
	dst = kbin.AppendInt32(dst, int32(len(r.AuthBytes)))
	return append(dst, r.AuthBytes...)
}

func (r *SaslAuthenticateRequest) ReadFrom(src []byte) error {
	b := kbin.Reader{Src: src}
	n := b.Int32()
	if n < 0 {
		return kbin.ErrNotEnoughData
	}
	r.AuthBytes = b.Span(int(n))
	return b.Complete()
}

// SaslAuthenticateResponse reports success or failure; ErrorMessage is only
// set on failure.
type SaslAuthenticateResponse struct {
	Version           int16
	ErrorCode         int16
	ErrorMessage      *string
	AuthBytes         []byte
	SessionLifetimeMs int64
}

func (*SaslAuthenticateResponse) Key() int16 { return SaslAuthenticateKey }

func (r *SaslAuthenticateResponse) SetVersion(v int16) { r.Version = v }
func (r *SaslAuthenticateResponse) GetVersion() int16  { return r.Version }
func (r *SaslAuthenticateResponse) IsFlexible() bool   { return false }

func (r *SaslAuthenticateResponse) AppendTo(dst []byte) []byte {
	dst = kbin.AppendInt16(dst, r.ErrorCode)
	dst = kbin.AppendNullableString(dst, r.ErrorMessage)
	dst = kbin.AppendInt32(dst, int32(len(r.AuthBytes)))
	dst = append(dst, r.AuthBytes...)
	if r.Version >= 1 {
		dst = kbin.AppendInt32(dst, int32(r.SessionLifetimeMs))
	}
	return dst
}

func (r *SaslAuthenticateResponse) ReadFrom(src []byte) error {
	b := kbin.Reader{Src: src}
	r.ErrorCode = b.Int16()
	r.ErrorMessage = b.NullableString()
	n := b.Int32()
	if n < 0 {
		return kbin.ErrNotEnoughData
	}
	r.AuthBytes = b.Span(int(n))
	if r.Version >= 1 {
		r.SessionLifetimeMs = int64(b.Int32())
	}
	return b.Complete()
}
