package kproxy

import "net"

// staticNetFilter is the simplest possible NetFilter: every connection goes
// to the same upstream broker through the same fixed filter chain. It exists
// so kproxy is usable out of the box without a custom NetFilter (spec.md §6
// calls NetFilter selection out as the one extension point with no default
// implementation named); production deployments wire their own.
type staticNetFilter struct {
	host    string
	port    int
	filters []Filter
}

// StaticNetFilter builds a NetFilter that always selects addr (host:port)
// and the given filter chain, ignoring every other piece of client metadata.
func StaticNetFilter(addr string, filters []Filter) NetFilter {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		host, portStr = addr, "9092"
	}
	port := 9092
	if p, perr := net.LookupPort("tcp", portStr); perr == nil {
		port = p
	}
	return &staticNetFilter{host: host, port: port, filters: filters}
}

func (s *staticNetFilter) SelectServer(ctx NetFilterContext) {
	_ = ctx.InitiateConnect(HostPort{Host: s.host, Port: s.port}, s.filters)
}
