package kmsg

// RequestHeader is the Kafka request header (ApiKey, ApiVersion,
// CorrelationID, ClientID), decoded ahead of the request body by the
// external codec. kproxy treats it as opaque data it may rewrite (a filter
// result may replace the header) but never needs to interpret beyond the
// three integer fields the state machine and correlation map use.
type RequestHeader struct {
	ApiKey        int16
	ApiVersion    int16
	CorrelationID int32
	ClientID      *string
}

// ResponseHeader is the Kafka response header (CorrelationID, plus tagged
// fields for flexible versions that kproxy does not interpret).
type ResponseHeader struct {
	CorrelationID int32
}
