// Package khooks implements kproxy's observable side channel (spec.md §6):
// bytes in/out, connections open, state-transition counts, short-circuit
// counts, and protocol-error counts, delivered through a pluggable sink.
//
// The dispatch shape is lifted directly from the teacher's
// cfg.hooks.each(func(h Hook) { if h, ok := h.(BrokerConnectHook); ok {
// h.OnConnect(...) } }) pattern in broker.go: a Hook is an empty marker
// interface, and callers type-assert to the specific sub-interface they
// need, so a single implementation can opt into as many or as few event
// kinds as it likes.
package khooks

import (
	"net"
	"sync"
	"time"
)

// Hook is a marker interface implemented by types that want to observe one
// or more kproxy lifecycle events. Implementations type-assert to the
// specific sub-interfaces below.
type Hook interface{}

// ConnectionHook observes downstream/upstream connection lifecycle.
type ConnectionHook interface {
	Hook
	OnDownstreamOpen(remote net.Addr)
	OnUpstreamConnect(addr string, dt time.Duration, err error)
	OnClosed(remote net.Addr, cause error)
}

// FrameHook observes bytes moved in each direction.
type FrameHook interface {
	Hook
	OnBytesToUpstream(n int)
	OnBytesToDownstream(n int)
}

// StateTransitionHook observes every session-state transition (§4.7).
type StateTransitionHook interface {
	Hook
	OnStateTransition(from, to string)
}

// ShortCircuitHook observes request filters answering the client directly.
type ShortCircuitHook interface {
	Hook
	OnShortCircuit(apiKey int16, filterName string)
}

// ProtocolErrorHook observes every error-taxonomy event from §7.
type ProtocolErrorHook interface {
	Hook
	OnProtocolError(kind string, err error)
}

// Hooks is an ordered list of registered Hook implementations. The zero
// value is a valid, empty sink.
type Hooks []Hook

func (hs Hooks) each(fn func(Hook)) {
	for _, h := range hs {
		fn(h)
	}
}

func (hs Hooks) FireDownstreamOpen(remote net.Addr) {
	hs.each(func(h Hook) {
		if h, ok := h.(ConnectionHook); ok {
			h.OnDownstreamOpen(remote)
		}
	})
}

func (hs Hooks) FireUpstreamConnect(addr string, dt time.Duration, err error) {
	hs.each(func(h Hook) {
		if h, ok := h.(ConnectionHook); ok {
			h.OnUpstreamConnect(addr, dt, err)
		}
	})
}

func (hs Hooks) FireClosed(remote net.Addr, cause error) {
	hs.each(func(h Hook) {
		if h, ok := h.(ConnectionHook); ok {
			h.OnClosed(remote, cause)
		}
	})
}

func (hs Hooks) FireBytesToUpstream(n int) {
	hs.each(func(h Hook) {
		if h, ok := h.(FrameHook); ok {
			h.OnBytesToUpstream(n)
		}
	})
}

func (hs Hooks) FireBytesToDownstream(n int) {
	hs.each(func(h Hook) {
		if h, ok := h.(FrameHook); ok {
			h.OnBytesToDownstream(n)
		}
	})
}

func (hs Hooks) FireStateTransition(from, to string) {
	hs.each(func(h Hook) {
		if h, ok := h.(StateTransitionHook); ok {
			h.OnStateTransition(from, to)
		}
	})
}

func (hs Hooks) FireShortCircuit(apiKey int16, filterName string) {
	hs.each(func(h Hook) {
		if h, ok := h.(ShortCircuitHook); ok {
			h.OnShortCircuit(apiKey, filterName)
		}
	})
}

func (hs Hooks) FireProtocolError(kind string, err error) {
	hs.each(func(h Hook) {
		if h, ok := h.(ProtocolErrorHook); ok {
			h.OnProtocolError(kind, err)
		}
	})
}

// CountingHooks is a minimal in-memory Hook implementation (used by
// cmd/kproxy's health endpoint and by tests) that satisfies every
// sub-interface and keeps running totals.
type CountingHooks struct {
	mu sync.Mutex

	OpenConnections   int64
	UpstreamConnects  int64
	UpstreamFailures  int64
	BytesUp           int64
	BytesDown         int64
	Transitions       map[string]int64
	ShortCircuits     int64
	ProtocolErrors    map[string]int64
}

// NewCountingHooks returns a ready-to-use CountingHooks.
func NewCountingHooks() *CountingHooks {
	return &CountingHooks{
		Transitions:    make(map[string]int64),
		ProtocolErrors: make(map[string]int64),
	}
}

func (c *CountingHooks) OnDownstreamOpen(net.Addr) {
	c.mu.Lock()
	c.OpenConnections++
	c.mu.Unlock()
}

func (c *CountingHooks) OnUpstreamConnect(_ string, _ time.Duration, err error) {
	c.mu.Lock()
	c.UpstreamConnects++
	if err != nil {
		c.UpstreamFailures++
	}
	c.mu.Unlock()
}

func (c *CountingHooks) OnClosed(net.Addr, error) {
	c.mu.Lock()
	c.OpenConnections--
	c.mu.Unlock()
}

func (c *CountingHooks) OnBytesToUpstream(n int) {
	c.mu.Lock()
	c.BytesUp += int64(n)
	c.mu.Unlock()
}

func (c *CountingHooks) OnBytesToDownstream(n int) {
	c.mu.Lock()
	c.BytesDown += int64(n)
	c.mu.Unlock()
}

func (c *CountingHooks) OnStateTransition(from, to string) {
	c.mu.Lock()
	c.Transitions[from+"->"+to]++
	c.mu.Unlock()
}

func (c *CountingHooks) OnShortCircuit(int16, string) {
	c.mu.Lock()
	c.ShortCircuits++
	c.mu.Unlock()
}

func (c *CountingHooks) OnProtocolError(kind string, _ error) {
	c.mu.Lock()
	c.ProtocolErrors[kind]++
	c.mu.Unlock()
}

// CountingHooksSnapshot is a point-in-time copy of CountingHooks' counters,
// safe for the caller to read freely — unlike CountingHooks itself, it
// carries no mutex, so it can be returned and passed around by value.
type CountingHooksSnapshot struct {
	OpenConnections  int64
	UpstreamConnects int64
	UpstreamFailures int64
	BytesUp          int64
	BytesDown        int64
	Transitions      map[string]int64
	ShortCircuits    int64
	ProtocolErrors   map[string]int64
}

// Snapshot returns a point-in-time copy of the counters.
func (c *CountingHooks) Snapshot() CountingHooksSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	transitions := make(map[string]int64, len(c.Transitions))
	for k, v := range c.Transitions {
		transitions[k] = v
	}
	protoErrs := make(map[string]int64, len(c.ProtocolErrors))
	for k, v := range c.ProtocolErrors {
		protoErrs[k] = v
	}
	return CountingHooksSnapshot{
		OpenConnections:  c.OpenConnections,
		UpstreamConnects: c.UpstreamConnects,
		UpstreamFailures: c.UpstreamFailures,
		BytesUp:          c.BytesUp,
		BytesDown:        c.BytesDown,
		Transitions:      transitions,
		ShortCircuits:    c.ShortCircuits,
		ProtocolErrors:   protoErrs,
	}
}
