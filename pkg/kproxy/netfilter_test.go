package kproxy

import (
	"testing"

	"github.com/kroxylicious/kproxy/pkg/kproxyframe"
)

func TestHostPortString(t *testing.T) {
	hp := HostPort{Host: "broker-1.example.com", Port: 9093}
	if hp.String() != "broker-1.example.com:9093" {
		t.Fatalf("String() = %q", hp.String())
	}
}

type fakeNetFilterContext struct {
	connectCalls int
	gotRemote    HostPort
	gotFilters   []Filter
}

func (f *fakeNetFilterContext) ClientSoftwareName() (string, bool)    { return "", false }
func (f *fakeNetFilterContext) ClientSoftwareVersion() (string, bool) { return "", false }
func (f *fakeNetFilterContext) HAProxySource() (*kproxyframe.HAProxyPreamble, bool) {
	return nil, false
}
func (f *fakeNetFilterContext) VirtualCluster() interface{} { return nil }
func (f *fakeNetFilterContext) InitiateConnect(remote HostPort, filters []Filter) error {
	f.connectCalls++
	f.gotRemote = remote
	f.gotFilters = filters
	return nil
}

func TestStaticNetFilterSelectsConfiguredAddress(t *testing.T) {
	filters := []Filter{{}}
	nf := StaticNetFilter("broker.local:9092", filters)

	ctx := &fakeNetFilterContext{}
	nf.SelectServer(ctx)

	if ctx.connectCalls != 1 {
		t.Fatalf("InitiateConnect called %d times, want 1", ctx.connectCalls)
	}
	if ctx.gotRemote.Host != "broker.local" || ctx.gotRemote.Port != 9092 {
		t.Fatalf("remote = %+v", ctx.gotRemote)
	}
	if len(ctx.gotFilters) != 1 {
		t.Fatalf("filters = %v, want 1 entry", ctx.gotFilters)
	}
}

func TestStaticNetFilterDefaultsPortWhenAddrHasNone(t *testing.T) {
	nf := StaticNetFilter("broker.local", nil)
	ctx := &fakeNetFilterContext{}
	nf.SelectServer(ctx)

	if ctx.gotRemote.Host != "broker.local" || ctx.gotRemote.Port != 9092 {
		t.Fatalf("remote = %+v, want default port 9092", ctx.gotRemote)
	}
}

func TestStaticNetFilterParsesNumericPort(t *testing.T) {
	nf := StaticNetFilter("broker.local:9093", nil)
	ctx := &fakeNetFilterContext{}
	nf.SelectServer(ctx)

	if ctx.gotRemote.Port != 9093 {
		t.Fatalf("port = %d, want 9093", ctx.gotRemote.Port)
	}
}
