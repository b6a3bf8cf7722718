package kproxy

import "github.com/kroxylicious/kproxy/pkg/kproxyframe"

// SessionState is the tagged union of spec.md §3: exactly one case is
// active at a time, and each case carries only the fields meaningful in
// that state (replacing the source's class hierarchy, per the §9 design
// note, with per-case immutable payload structs instead of a struct full of
// fields that are null outside their one relevant state).
type SessionState interface {
	sessionState()
	// Name returns the case name, used for logging and metrics
	// (khooks.StateTransitionHook).
	Name() string
}

type StateStartup struct{}

func (StateStartup) sessionState() {}
func (StateStartup) Name() string  { return "Startup" }

type StateClientActive struct{}

func (StateClientActive) sessionState() {}
func (StateClientActive) Name() string  { return "ClientActive" }

type StateHaProxy struct {
	Preamble *kproxyframe.HAProxyPreamble
}

func (StateHaProxy) sessionState() {}
func (StateHaProxy) Name() string  { return "HaProxy" }

// clientInfo is embedded by the two states that carry early client metadata
// gleaned from an ApiVersions or other first request (spec.md §3).
type clientInfo struct {
	ClientSoftwareName    string
	ClientSoftwareVersion string
	Preamble              *kproxyframe.HAProxyPreamble

	// SaslMechanismChosen records whether the client has completed a
	// SaslHandshake, so a SaslAuthenticate request is only honored after
	// the handshake step (spec.md §3's ApiVersions state).
	SaslMechanismChosen bool
	SaslAuthenticated   bool
}

type StateApiVersions struct {
	clientInfo
}

func (StateApiVersions) sessionState() {}
func (StateApiVersions) Name() string  { return "ApiVersions" }

type StateSelectingServer struct {
	clientInfo
}

func (StateSelectingServer) sessionState() {}
func (StateSelectingServer) Name() string  { return "SelectingServer" }

type StateConnecting struct {
	Remote         HostPort
	Filters        []Filter
	VirtualCluster interface{}
}

func (StateConnecting) sessionState() {}
func (StateConnecting) Name() string  { return "Connecting" }

type StateForwarding struct {
	Remote         HostPort
	Filters        []Filter
	VirtualCluster interface{}
}

func (StateForwarding) sessionState() {}
func (StateForwarding) Name() string  { return "Forwarding" }

type StateClosing struct {
	Cause       error
	ClientDone  bool
	ServerDone  bool
}

func (StateClosing) sessionState() {}
func (StateClosing) Name() string  { return "Closing" }

type StateClosed struct {
	Cause error
}

func (StateClosed) sessionState() {}
func (StateClosed) Name() string  { return "Closed" }
