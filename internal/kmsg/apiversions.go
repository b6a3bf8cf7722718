package kmsg

import "github.com/kroxylicious/kproxy/internal/kbin"

// ApiVersionsRequest is decoded by kproxy itself so the session state
// machine can branch on it (spec.md §3's ApiVersions / SelectingServer
// split) without waiting on the external codec to classify every frame.
//
// Field layout mirrors the real Kafka ApiVersionsRequest v3. The client
// software name/version fields are read and written at every version: as
// compact strings plus a tag buffer from v3 on, and as plain int16-length
// strings below v3, so a v0-v2 body without those two strings fails to
// decode. v3 is the only response version kproxy synthesizes locally (see
// Downstream.inApiVersions).
type ApiVersionsRequest struct {
	Version               int16
	ClientSoftwareName    string
	ClientSoftwareVersion string
}

func (*ApiVersionsRequest) Key() int16 { return ApiVersionsKey }

func (r *ApiVersionsRequest) SetVersion(v int16) { r.Version = v }
func (r *ApiVersionsRequest) GetVersion() int16  { return r.Version }
func (r *ApiVersionsRequest) IsFlexible() bool   { return r.Version >= 3 }

// AppendTo and ReadFrom switch to compact strings plus a trailing tag buffer
// from v3 onward, matching real Kafka's flexible-version encoding (IsFlexible
// reports the same cutoff). A v3 client speaks the compact form; decoding it
// as a plain int16-length string would read the varint length byte as half
// of a length prefix and misparse everything after it.
func (r *ApiVersionsRequest) AppendTo(dst []byte) []byte {
	if r.IsFlexible() {
		dst = kbin.AppendCompactString(dst, r.ClientSoftwareName)
		dst = kbin.AppendCompactString(dst, r.ClientSoftwareVersion)
		return kbin.AppendTagBuffer(dst)
	}
	dst = kbin.AppendString(dst, r.ClientSoftwareName)
	dst = kbin.AppendString(dst, r.ClientSoftwareVersion)
	return dst
}

func (r *ApiVersionsRequest) ReadFrom(src []byte) error {
	b := kbin.Reader{Src: src}
	if r.IsFlexible() {
		r.ClientSoftwareName = b.CompactString()
		r.ClientSoftwareVersion = b.CompactString()
		b.TagBuffer()
		return b.Complete()
	}
	r.ClientSoftwareName = b.String()
	r.ClientSoftwareVersion = b.String()
	return b.Complete()
}

// ApiVersionsResponseKey pairs a supported ApiKey with the [min, max]
// version range the proxy itself implements for it, per spec.md §4.4:
// "inApiVersions causes the handler itself to synthesize ... the
// intersection of supported API versions".
type ApiVersionsResponseKey struct {
	ApiKey     int16
	MinVersion int16
	MaxVersion int16
}

// ApiVersionsResponse is the response kproxy synthesizes locally while in
// the ApiVersions session state, without ever contacting the upstream
// broker (spec.md scenario 2).
type ApiVersionsResponse struct {
	Version      int16
	ErrorCode    int16
	ApiKeys      []ApiVersionsResponseKey
	ThrottleMs   int32
}

func (*ApiVersionsResponse) Key() int16 { return ApiVersionsKey }

func (r *ApiVersionsResponse) SetVersion(v int16) { r.Version = v }
func (r *ApiVersionsResponse) GetVersion() int16  { return r.Version }
func (r *ApiVersionsResponse) IsFlexible() bool   { return r.Version >= 3 }

func (r *ApiVersionsResponse) AppendTo(dst []byte) []byte {
	dst = kbin.AppendInt16(dst, r.ErrorCode)
	dst = kbin.AppendArrayLen(dst, len(r.ApiKeys))
	for _, k := range r.ApiKeys {
		dst = kbin.AppendInt16(dst, k.ApiKey)
		dst = kbin.AppendInt16(dst, k.MinVersion)
		dst = kbin.AppendInt16(dst, k.MaxVersion)
	}
	if r.Version >= 1 {
		dst = kbin.AppendInt32(dst, r.ThrottleMs)
	}
	return dst
}

func (r *ApiVersionsResponse) ReadFrom(src []byte) error {
	b := kbin.Reader{Src: src}
	r.ErrorCode = b.Int16()
	n := b.ArrayLen()
	r.ApiKeys = r.ApiKeys[:0]
	for i := int32(0); i < n; i++ {
		r.ApiKeys = append(r.ApiKeys, ApiVersionsResponseKey{
			ApiKey:     b.Int16(),
			MinVersion: b.Int16(),
			MaxVersion: b.Int16(),
		})
	}
	if r.Version >= 1 {
		r.ThrottleMs = b.Int32()
	}
	return b.Complete()
}
