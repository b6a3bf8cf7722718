// Package kproxyfilter defines the pluggable filter contracts kproxy
// dispatches decoded frames through (C2, spec.md §4.2) and the result
// algebra filters return (C3, spec.md §4.2's invariants). Concrete filters
// and their business logic are external collaborators per spec.md §1; this
// package only fixes the shape they must implement.
package kproxyfilter

import (
	"context"

	"github.com/kroxylicious/kproxy/internal/kmsg"
)

// Context is the per-invocation context a filter stage hands to a filter's
// Apply method (spec.md §4.2, §6 "The filter's context exposes").
type Context interface {
	// CorrelationID returns the correlation id of the frame currently
	// being processed.
	CorrelationID() int32

	// VirtualCluster returns the virtual cluster metadata the net-filter
	// selected for this connection (spec.md §6).
	VirtualCluster() interface{}

	// OriginateRequest lets a filter issue its own request to the
	// upstream broker, independent of the client-originated request
	// currently being processed. The returned channel receives exactly
	// one value, carrying the decoded response body or an error (for
	// example ErrConnectionClosing if the connection tears down before a
	// response arrives) — see spec.md §4.3, §5 "Cancellation".
	OriginateRequest(ctx context.Context, apiKey, apiVersion int16, body kmsg.Request) <-chan OriginatedResult
}

// OriginatedResult is the single value delivered on the channel returned by
// Context.OriginateRequest.
type OriginatedResult struct {
	Body kmsg.Response
	Err  error
}

// RequestFilter observes and may mutate, drop, short-circuit, or reject a
// client-originated Kafka request (spec.md §4.2).
type RequestFilter interface {
	// ShouldDeserialize is consulted before the frame is decoded, so the
	// cost of decoding is only paid for API key/version combinations a
	// filter actually cares about (spec.md §4.2, §4.6 step 2).
	ShouldDeserialize(apiKey, apiVersion int16) bool

	// Apply is invoked once per matching request, in arrival order
	// (spec.md §5 "Ordering"). It must not block (spec.md §5
	// "Suspension / blocking points"): long-running work must be
	// offloaded and re-entered via OriginateRequest.
	Apply(ctx context.Context, fctx Context, header *kmsg.RequestHeader, body kmsg.Request) RequestResult

	// Name identifies this filter instance for metrics and logging.
	Name() string

	// Closed is invoked once, at most, when the owning connection
	// reaches the Closed state (spec.md §5 "Resource release").
	Closed()
}

// ResponseFilter observes and may mutate or drop a broker-originated Kafka
// response before it is forwarded to the client (spec.md §4.2).
type ResponseFilter interface {
	ShouldDeserialize(apiKey, apiVersion int16) bool

	Apply(ctx context.Context, fctx Context, header *kmsg.ResponseHeader, body kmsg.Response) ResponseResult

	Name() string

	Closed()
}
