package kproxy

import (
	"context"

	"github.com/kroxylicious/kproxy/internal/kmsg"
	"github.com/kroxylicious/kproxy/pkg/kproxyfilter"
	"github.com/kroxylicious/kproxy/pkg/kproxyframe"
)

// pipeline is C8: it walks a connection's configured filter chain over one
// decoded frame, in the order spec.md §4.6/L3 requires — requests observed
// in configured order, responses observed in the reverse of that order, so a
// filter that wraps another sees its own request-side work happen first and
// its own response-side work happen last, mirroring the nested-middleware
// shape described in §9 design notes.
type pipelineOutcome struct {
	kind reqOutcomeKind

	header kmsg.RequestHeader
	body   kmsg.Request

	shortCircuitHeader kmsg.ResponseHeader
	shortCircuitBody   kmsg.Response
	closeAfter         bool

	causeFilter string
	causeErr    error
}

type reqOutcomeKind uint8

const (
	outForward reqOutcomeKind = iota
	outDrop
	outShortCircuit
	outDisconnect
	outFilterError
)

// dispatchRequest runs frame through filters in configured order.
func dispatchRequest(ctx context.Context, fctx kproxyfilter.Context, frame *kproxyframe.RequestFrame, filters []Filter) (outcome pipelineOutcome) {
	header := kmsg.RequestHeader{ApiKey: frame.ApiKey, ApiVersion: frame.ApiVersion, CorrelationID: frame.CorrelationID}
	if frame.Header != nil {
		header = *frame.Header
	}
	body := frame.Body
	if body == nil {
		body = &kmsg.OpaqueRequest{ApiKey: frame.ApiKey, Version: frame.ApiVersion, Raw: frame.OpaqueBytes}
	}

	for _, f := range filters {
		if f.Request == nil || !f.Request.ShouldDeserialize(frame.ApiKey, frame.ApiVersion) {
			continue
		}
		result, err := applyRequestFilter(ctx, fctx, f.Request, &header, body)
		if err != nil {
			return pipelineOutcome{kind: outFilterError, causeFilter: f.Request.Name(), causeErr: err}
		}
		switch {
		case result.IsDrop():
			return pipelineOutcome{kind: outDrop}
		case result.IsShortCircuit():
			h, b := result.ShortCircuitResponse()
			return pipelineOutcome{kind: outShortCircuit, shortCircuitHeader: h, shortCircuitBody: b, closeAfter: result.CloseAfter(), causeFilter: f.Request.Name()}
		case result.IsDisconnect():
			return pipelineOutcome{kind: outDisconnect}
		default: // forward
			header = result.ForwardedHeader()
			body = result.ForwardedBody()
		}
	}
	return pipelineOutcome{kind: outForward, header: header, body: body}
}

// applyRequestFilter calls f.Apply, converting a panic into a FilterError the
// same way the teacher's broker.go read loop recovers a panicking response
// handler rather than taking the whole connection's goroutine down with it.
func applyRequestFilter(ctx context.Context, fctx kproxyfilter.Context, f kproxyfilter.RequestFilter, header *kmsg.RequestHeader, body kmsg.Request) (res kproxyfilter.RequestResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FilterError{FilterName: f.Name(), Cause: panicToErr(r)}
		}
	}()
	res = f.Apply(ctx, fctx, header, body)
	return res, nil
}

type responseOutcome struct {
	kind reqOutcomeKind // outForward, outDrop, outDisconnect, outFilterError

	header kmsg.ResponseHeader
	body   kmsg.Response

	causeFilter string
	causeErr    error
}

// dispatchResponse runs frame through filters in the reverse of their
// configured order (spec.md §4.6/L3).
func dispatchResponse(ctx context.Context, fctx kproxyfilter.Context, frame *kproxyframe.ResponseFrame, filters []Filter) responseOutcome {
	header := kmsg.ResponseHeader{CorrelationID: frame.CorrelationID}
	if frame.Header != nil {
		header = *frame.Header
	}
	body := frame.Body
	if body == nil {
		body = &kmsg.OpaqueResponse{ApiKey: frame.ApiKey, Version: frame.ApiVersion, Raw: frame.OpaqueBytes}
	}

	for i := len(filters) - 1; i >= 0; i-- {
		f := filters[i]
		if f.Response == nil || !f.Response.ShouldDeserialize(frame.ApiKey, frame.ApiVersion) {
			continue
		}
		result, err := applyResponseFilter(ctx, fctx, f.Response, &header, body)
		if err != nil {
			return responseOutcome{kind: outFilterError, causeFilter: f.Response.Name(), causeErr: err}
		}
		switch {
		case result.IsDrop():
			return responseOutcome{kind: outDrop}
		case result.IsDisconnect():
			return responseOutcome{kind: outDisconnect}
		default:
			header = result.ForwardedHeader()
			body = result.ForwardedBody()
		}
	}
	return responseOutcome{kind: outForward, header: header, body: body}
}

func applyResponseFilter(ctx context.Context, fctx kproxyfilter.Context, f kproxyfilter.ResponseFilter, header *kmsg.ResponseHeader, body kmsg.Response) (res kproxyfilter.ResponseResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FilterError{FilterName: f.Name(), Cause: panicToErr(r)}
		}
	}()
	res = f.Apply(ctx, fctx, header, body)
	return res, nil
}

func panicToErr(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &filterPanic{val: r}
}

type filterPanic struct{ val interface{} }

func (p *filterPanic) Error() string { return "kproxy: filter panic" }
