package kproxy

import (
	"fmt"

	"github.com/kroxylicious/kproxy/pkg/kproxyfilter"
	"github.com/kroxylicious/kproxy/pkg/kproxyframe"
)

// HostPort is an upstream broker address, as chosen by a NetFilter.
type HostPort struct {
	Host string
	Port int
}

func (hp HostPort) String() string {
	return fmt.Sprintf("%s:%d", hp.Host, hp.Port)
}

// Filter pairs a name with whichever of the request/response filter
// interfaces the underlying filter instance implements; most real filters
// implement both on the same receiver, but a filter that only ever touches
// one direction leaves the other nil (spec.md §4.2 treats the two kinds as
// independent contracts).
type Filter struct {
	Request  kproxyfilter.RequestFilter
	Response kproxyfilter.ResponseFilter
}

// NetFilter is C9: given early client metadata, it chooses the upstream
// broker address and the active filter list for a connection (spec.md §6,
// §4.7's "Net-filter invocation").
type NetFilter interface {
	SelectServer(ctx NetFilterContext)
}

// NetFilterContext is handed to NetFilter.SelectServer when a connection
// enters SelectingServer. It exposes read-only access to whatever client
// metadata has been gathered so far, and the single terminal method that
// ends the selection phase (spec.md §6).
type NetFilterContext interface {
	ClientSoftwareName() (string, bool)
	ClientSoftwareVersion() (string, bool)
	HAProxySource() (*kproxyframe.HAProxyPreamble, bool)
	VirtualCluster() interface{}

	// InitiateConnect chooses remote and filters and starts the upstream
	// connect. Calling it more than once, or after this context's
	// connection has left SelectingServer, is a protocol violation that
	// closes the connection (spec.md §6, §4.7).
	InitiateConnect(remote HostPort, filters []Filter) error
}

// netFilterContext is the Connection's implementation of NetFilterContext.
// It is handed to the NetFilter exactly once per connection; every
// InitiateConnect call after the first returns ErrDoubleConnect and closes
// the connection.
type netFilterContext struct {
	conn *Connection

	clientSoftwareName    string
	hasClientSoftwareName bool
	clientSoftwareVersion string
	preamble              *kproxyframe.HAProxyPreamble
}

func (c *netFilterContext) ClientSoftwareName() (string, bool) {
	return c.clientSoftwareName, c.hasClientSoftwareName
}

func (c *netFilterContext) ClientSoftwareVersion() (string, bool) {
	return c.clientSoftwareVersion, c.hasClientSoftwareName
}

func (c *netFilterContext) HAProxySource() (*kproxyframe.HAProxyPreamble, bool) {
	return c.preamble, c.preamble != nil
}

func (c *netFilterContext) VirtualCluster() interface{} {
	return nil
}

func (c *netFilterContext) InitiateConnect(remote HostPort, filters []Filter) error {
	return c.conn.onNetFilterInitiateConnect(c, remote, filters)
}
