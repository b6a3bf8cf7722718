package kmsg

// OpaqueRequest wraps a request body kproxy never decoded (no filter's
// ShouldDeserialize claimed it, or its ApiKey has no concrete type in this
// package) so it can still flow through the Request interface filters see
// (spec.md §4.6 step 2: ShouldDeserialize gates decode cost, not visibility).
type OpaqueRequest struct {
	ApiKey     int16
	Version    int16
	Raw        []byte
}

func (r *OpaqueRequest) Key() int16          { return r.ApiKey }
func (r *OpaqueRequest) SetVersion(v int16)  { r.Version = v }
func (r *OpaqueRequest) GetVersion() int16   { return r.Version }
func (r *OpaqueRequest) IsFlexible() bool    { return false }
func (r *OpaqueRequest) AppendTo(dst []byte) []byte {
	return append(dst, r.Raw...)
}
func (r *OpaqueRequest) ReadFrom(src []byte) error {
	r.Raw = src
	return nil
}

// OpaqueResponse is OpaqueRequest's response-side counterpart.
type OpaqueResponse struct {
	ApiKey  int16
	Version int16
	Raw     []byte
}

func (r *OpaqueResponse) Key() int16         { return r.ApiKey }
func (r *OpaqueResponse) SetVersion(v int16) { r.Version = v }
func (r *OpaqueResponse) GetVersion() int16  { return r.Version }
func (r *OpaqueResponse) IsFlexible() bool   { return false }
func (r *OpaqueResponse) AppendTo(dst []byte) []byte {
	return append(dst, r.Raw...)
}
func (r *OpaqueResponse) ReadFrom(src []byte) error {
	r.Raw = src
	return nil
}
