package kproxy

import (
	"context"
	"errors"
	"testing"

	"github.com/davecgh/go-spew/spew"

	"github.com/kroxylicious/kproxy/internal/kmsg"
	"github.com/kroxylicious/kproxy/pkg/kproxyfilter"
	"github.com/kroxylicious/kproxy/pkg/kproxyframe"
)

type fakeCtx struct{ corrID int32 }

func (f *fakeCtx) CorrelationID() int32        { return f.corrID }
func (f *fakeCtx) VirtualCluster() interface{} { return nil }
func (f *fakeCtx) OriginateRequest(ctx context.Context, apiKey, apiVersion int16, body kmsg.Request) <-chan kproxyfilter.OriginatedResult {
	ch := make(chan kproxyfilter.OriginatedResult, 1)
	ch <- kproxyfilter.OriginatedResult{Err: errors.New("not supported in test")}
	return ch
}

type stubBody struct{ v int16 }

func (b *stubBody) Key() int16               { return 1 }
func (b *stubBody) SetVersion(v int16)       { b.v = v }
func (b *stubBody) GetVersion() int16        { return b.v }
func (b *stubBody) IsFlexible() bool         { return false }
func (b *stubBody) AppendTo(buf []byte) []byte { return buf }
func (b *stubBody) ReadFrom([]byte) error    { return nil }

func newForwardFilter(name string, trail *[]string) kproxyfilter.RequestFilter {
	return &genericRequestFilter{
		name: name,
		apply: func(ctx context.Context, fctx kproxyfilter.Context, header *kmsg.RequestHeader, body kmsg.Request) kproxyfilter.RequestResult {
			*trail = append(*trail, name)
			return kproxyfilter.NewRequestResultBuilder().Forward(*header, body)
		},
	}
}

type genericRequestFilter struct {
	name  string
	apply func(context.Context, kproxyfilter.Context, *kmsg.RequestHeader, kmsg.Request) kproxyfilter.RequestResult
}

func (g *genericRequestFilter) ShouldDeserialize(int16, int16) bool { return true }
func (g *genericRequestFilter) Name() string                       { return g.name }
func (g *genericRequestFilter) Closed()                             {}
func (g *genericRequestFilter) Apply(ctx context.Context, fctx kproxyfilter.Context, header *kmsg.RequestHeader, body kmsg.Request) kproxyfilter.RequestResult {
	return g.apply(ctx, fctx, header, body)
}

type genericResponseFilter struct {
	name  string
	apply func(context.Context, kproxyfilter.Context, *kmsg.ResponseHeader, kmsg.Response) kproxyfilter.ResponseResult
}

func (g *genericResponseFilter) ShouldDeserialize(int16, int16) bool { return true }
func (g *genericResponseFilter) Name() string                        { return g.name }
func (g *genericResponseFilter) Closed()                              {}
func (g *genericResponseFilter) Apply(ctx context.Context, fctx kproxyfilter.Context, header *kmsg.ResponseHeader, body kmsg.Response) kproxyfilter.ResponseResult {
	return g.apply(ctx, fctx, header, body)
}

func newForwardResponseFilter(name string, trail *[]string) kproxyfilter.ResponseFilter {
	return &genericResponseFilter{
		name: name,
		apply: func(ctx context.Context, fctx kproxyfilter.Context, header *kmsg.ResponseHeader, body kmsg.Response) kproxyfilter.ResponseResult {
			*trail = append(*trail, name)
			return kproxyfilter.NewResponseResultBuilder().Forward(*header, body)
		},
	}
}

func TestDispatchRequestVisitsFiltersInConfiguredOrder(t *testing.T) {
	var trail []string
	filters := []Filter{
		{Request: newForwardFilter("a", &trail)},
		{Request: newForwardFilter("b", &trail)},
		{Request: newForwardFilter("c", &trail)},
	}
	frame := &kproxyframe.RequestFrame{ApiKey: 3, ApiVersion: 0, CorrelationID: 1, Body: &stubBody{}}

	outcome := dispatchRequest(context.Background(), &fakeCtx{corrID: 1}, frame, filters)
	if outcome.kind != outForward {
		t.Fatalf("expected outForward, got %v", outcome.kind)
	}
	want := []string{"a", "b", "c"}
	if len(trail) != len(want) {
		t.Fatalf("trail = %v, want %v", trail, want)
	}
	for i := range want {
		if trail[i] != want[i] {
			t.Fatalf("trail = %v, want %v", trail, want)
		}
	}
}

func TestDispatchResponseVisitsFiltersInReverseOrder(t *testing.T) {
	var trail []string
	filters := []Filter{
		{Response: newForwardResponseFilter("a", &trail)},
		{Response: newForwardResponseFilter("b", &trail)},
		{Response: newForwardResponseFilter("c", &trail)},
	}
	frame := &kproxyframe.ResponseFrame{ApiKey: 3, ApiVersion: 0, CorrelationID: 1, Body: &stubBody{}}

	outcome := dispatchResponse(context.Background(), &fakeCtx{corrID: 1}, frame, filters)
	if outcome.kind != outForward {
		t.Fatalf("expected outForward, got %v", outcome.kind)
	}
	want := []string{"c", "b", "a"}
	for i := range want {
		if trail[i] != want[i] {
			t.Fatalf("trail = %v, want %v", trail, want)
		}
	}
}

func TestDispatchRequestDropStopsChain(t *testing.T) {
	var trail []string
	dropper := &genericRequestFilter{
		name: "dropper",
		apply: func(ctx context.Context, fctx kproxyfilter.Context, header *kmsg.RequestHeader, body kmsg.Request) kproxyfilter.RequestResult {
			trail = append(trail, "dropper")
			return kproxyfilter.NewRequestResultBuilder().Drop()
		},
	}
	filters := []Filter{
		{Request: dropper},
		{Request: newForwardFilter("never", &trail)},
	}
	frame := &kproxyframe.RequestFrame{ApiKey: 3, Body: &stubBody{}}

	outcome := dispatchRequest(context.Background(), &fakeCtx{}, frame, filters)
	if outcome.kind != outDrop {
		t.Fatalf("expected outDrop, got %v", outcome.kind)
	}
	if len(trail) != 1 || trail[0] != "dropper" {
		t.Fatalf("expected only dropper to run, got %v", trail)
	}
}

func TestDispatchRequestShortCircuitStopsChain(t *testing.T) {
	shortCircuiter := &genericRequestFilter{
		name: "sc",
		apply: func(ctx context.Context, fctx kproxyfilter.Context, header *kmsg.RequestHeader, body kmsg.Request) kproxyfilter.RequestResult {
			return kproxyfilter.NewRequestResultBuilder().ShortCircuit(kmsg.ResponseHeader{CorrelationID: 42}, &stubBody{}, true)
		},
	}
	filters := []Filter{{Request: shortCircuiter}}
	frame := &kproxyframe.RequestFrame{ApiKey: 3, Body: &stubBody{}}

	outcome := dispatchRequest(context.Background(), &fakeCtx{}, frame, filters)
	if outcome.kind != outShortCircuit {
		t.Fatalf("expected outShortCircuit, got dispatch outcome:\n%s", spew.Sdump(outcome))
	}
	if outcome.shortCircuitHeader.CorrelationID != 42 {
		t.Fatalf("short circuit header mismatch, full outcome:\n%s", spew.Sdump(outcome))
	}
	if !outcome.closeAfter {
		t.Fatalf("expected closeAfter true, full outcome:\n%s", spew.Sdump(outcome))
	}
	if outcome.causeFilter != "sc" {
		t.Fatalf("causeFilter = %q, want sc, full outcome:\n%s", outcome.causeFilter, spew.Sdump(outcome))
	}
}

func TestDispatchRequestDisconnectStopsChain(t *testing.T) {
	disconnecter := &genericRequestFilter{
		name: "dc",
		apply: func(ctx context.Context, fctx kproxyfilter.Context, header *kmsg.RequestHeader, body kmsg.Request) kproxyfilter.RequestResult {
			return kproxyfilter.NewRequestResultBuilder().Disconnect()
		},
	}
	frame := &kproxyframe.RequestFrame{ApiKey: 3, Body: &stubBody{}}
	outcome := dispatchRequest(context.Background(), &fakeCtx{}, frame, []Filter{{Request: disconnecter}})
	if outcome.kind != outDisconnect {
		t.Fatalf("expected outDisconnect, got %v", outcome.kind)
	}
}

func TestDispatchRequestFilterPanicBecomesFilterError(t *testing.T) {
	panicker := &genericRequestFilter{
		name: "boom",
		apply: func(ctx context.Context, fctx kproxyfilter.Context, header *kmsg.RequestHeader, body kmsg.Request) kproxyfilter.RequestResult {
			panic("kaboom")
		},
	}
	frame := &kproxyframe.RequestFrame{ApiKey: 3, Body: &stubBody{}}
	outcome := dispatchRequest(context.Background(), &fakeCtx{}, frame, []Filter{{Request: panicker}})
	if outcome.kind != outFilterError {
		t.Fatalf("expected outFilterError, got dispatch outcome:\n%s", spew.Sdump(outcome))
	}
	if outcome.causeFilter != "boom" {
		t.Fatalf("causeFilter = %q, want boom, full outcome:\n%s", outcome.causeFilter, spew.Sdump(outcome))
	}
	var fe *FilterError
	if !errors.As(outcome.causeErr, &fe) {
		t.Fatalf("causeErr = %v, want *FilterError", outcome.causeErr)
	}
}

func TestDispatchRequestFilterPanicWithErrorIsWrappedInFilterError(t *testing.T) {
	boom := errors.New("deliberate failure")
	panicker := &genericRequestFilter{
		name: "erroring",
		apply: func(ctx context.Context, fctx kproxyfilter.Context, header *kmsg.RequestHeader, body kmsg.Request) kproxyfilter.RequestResult {
			panic(boom)
		},
	}
	frame := &kproxyframe.RequestFrame{ApiKey: 3, Body: &stubBody{}}
	outcome := dispatchRequest(context.Background(), &fakeCtx{}, frame, []Filter{{Request: panicker}})
	if outcome.kind != outFilterError {
		t.Fatalf("expected outFilterError, got %v", outcome.kind)
	}
	if !errors.Is(outcome.causeErr, boom) {
		t.Fatalf("causeErr = %v, want to wrap %v", outcome.causeErr, boom)
	}
}

func TestDispatchRequestSkipsFiltersThatDeclineToDeserialize(t *testing.T) {
	var trail []string
	skip := &genericRequestFilter{name: "skip"}
	skipWrapper := &skippingFilter{inner: skip}
	filters := []Filter{
		{Request: skipWrapper},
		{Request: newForwardFilter("runs", &trail)},
	}
	frame := &kproxyframe.RequestFrame{ApiKey: 3, Body: &stubBody{}}
	outcome := dispatchRequest(context.Background(), &fakeCtx{}, frame, filters)
	if outcome.kind != outForward {
		t.Fatalf("expected outForward, got %v", outcome.kind)
	}
	if len(trail) != 1 || trail[0] != "runs" {
		t.Fatalf("expected only 'runs' filter to execute, got %v", trail)
	}
}

type skippingFilter struct{ inner kproxyfilter.RequestFilter }

func (s *skippingFilter) ShouldDeserialize(int16, int16) bool { return false }
func (s *skippingFilter) Name() string                        { return s.inner.Name() }
func (s *skippingFilter) Closed()                              {}
func (s *skippingFilter) Apply(ctx context.Context, fctx kproxyfilter.Context, header *kmsg.RequestHeader, body kmsg.Request) kproxyfilter.RequestResult {
	panic("should never be called")
}

func TestDispatchResponseDropAndDisconnect(t *testing.T) {
	dropper := &genericResponseFilter{
		name: "dropper",
		apply: func(ctx context.Context, fctx kproxyfilter.Context, header *kmsg.ResponseHeader, body kmsg.Response) kproxyfilter.ResponseResult {
			return kproxyfilter.NewResponseResultBuilder().Drop()
		},
	}
	frame := &kproxyframe.ResponseFrame{ApiKey: 3, Body: &stubBody{}}
	outcome := dispatchResponse(context.Background(), &fakeCtx{}, frame, []Filter{{Response: dropper}})
	if outcome.kind != outDrop {
		t.Fatalf("expected outDrop, got %v", outcome.kind)
	}

	disconnecter := &genericResponseFilter{
		name: "dc",
		apply: func(ctx context.Context, fctx kproxyfilter.Context, header *kmsg.ResponseHeader, body kmsg.Response) kproxyfilter.ResponseResult {
			return kproxyfilter.NewResponseResultBuilder().Disconnect()
		},
	}
	outcome = dispatchResponse(context.Background(), &fakeCtx{}, frame, []Filter{{Response: disconnecter}})
	if outcome.kind != outDisconnect {
		t.Fatalf("expected outDisconnect, got %v", outcome.kind)
	}
}
