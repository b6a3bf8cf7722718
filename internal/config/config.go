// Package config defines kproxy's per-engine configuration, following the
// teacher's functional-options shape (kgo.Opt / kgo.SeedBrokers(...) /
// kgo.ClientID(...)) rather than a bare struct literal, so options compose
// and new ones can be added without breaking callers.
package config

import (
	"time"

	"github.com/kroxylicious/kproxy/internal/khooks"
	"github.com/kroxylicious/kproxy/internal/klog"
	"github.com/kroxylicious/kproxy/internal/sasloffload"
)

// EngineConfig holds every tunable named in spec.md §6.
type EngineConfig struct {
	MaxBufferedBytesBeforeForwarding int
	MaxFrameSizeBytes                int
	SASLAuthenticationOffload        bool
	SASLMechanism                    string
	SASLHandler                      *sasloffload.Handler
	LogNetwork                       bool
	LogFrames                        bool
	TCPNoDelay                       bool
	AutoReadInitial                  bool
	ConnectTimeout                   time.Duration

	Logger klog.Logger
	Hooks  khooks.Hooks
}

// Opt configures an EngineConfig.
type Opt interface {
	apply(*EngineConfig)
}

type opt struct{ fn func(*EngineConfig) }

func (o opt) apply(c *EngineConfig) { o.fn(c) }

// MaxBufferedBytesBeforeForwarding bounds the pre-forwarding frame buffer
// (spec.md §4.4, §6). Default 1 MiB.
func MaxBufferedBytesBeforeForwarding(n int) Opt {
	return opt{func(c *EngineConfig) { c.MaxBufferedBytesBeforeForwarding = n }}
}

// MaxFrameSizeBytes bounds a single decoded frame (spec.md §6); exceeding it
// is an OversizedFrame error (§7).
func MaxFrameSizeBytes(n int) Opt {
	return opt{func(c *EngineConfig) { c.MaxFrameSizeBytes = n }}
}

// SASLAuthenticationOffload selects the ApiVersions branch of the state
// machine (spec.md §3, §6).
func SASLAuthenticationOffload(on bool) Opt {
	return opt{func(c *EngineConfig) { c.SASLAuthenticationOffload = on }}
}

// WithSASLHandler installs the credential-verification handler the
// ApiVersions state uses to answer SaslAuthenticate requests locally
// (spec.md §3, §6). mechanism is the single SASL mechanism name advertised
// in the SaslHandshake response; kproxy's offload path never negotiates
// among several.
func WithSASLHandler(h *sasloffload.Handler, mechanism string) Opt {
	return opt{func(c *EngineConfig) {
		c.SASLHandler = h
		c.SASLMechanism = mechanism
	}}
}

// LogNetwork enables the optional network-logging pipeline stage.
func LogNetwork(on bool) Opt {
	return opt{func(c *EngineConfig) { c.LogNetwork = on }}
}

// LogFrames enables the optional frame-logging pipeline stage.
func LogFrames(on bool) Opt {
	return opt{func(c *EngineConfig) { c.LogFrames = on }}
}

// TCPNoDelay controls TCP_NODELAY on both halves. Default true.
func TCPNoDelay(on bool) Opt {
	return opt{func(c *EngineConfig) { c.TCPNoDelay = on }}
}

// AutoReadInitial controls the initial auto-read flag on connect success.
// Default true.
func AutoReadInitial(on bool) Opt {
	return opt{func(c *EngineConfig) { c.AutoReadInitial = on }}
}

// ConnectTimeout bounds the upstream TCP connect (Connecting state).
func ConnectTimeout(d time.Duration) Opt {
	return opt{func(c *EngineConfig) { c.ConnectTimeout = d }}
}

// WithLogger installs the Logger every component logs through.
func WithLogger(l klog.Logger) Opt {
	return opt{func(c *EngineConfig) { c.Logger = l }}
}

// WithHooks registers the observable-side-channel sink (spec.md §6).
func WithHooks(hs ...khooks.Hook) Opt {
	return opt{func(c *EngineConfig) { c.Hooks = append(c.Hooks, hs...) }}
}

// New builds an EngineConfig from defaults plus the given options, mirroring
// kgo.NewClient's defaults-then-opts construction.
func New(opts ...Opt) *EngineConfig {
	c := &EngineConfig{
		MaxBufferedBytesBeforeForwarding: 1 << 20, // 1 MiB
		MaxFrameSizeBytes:                100 << 20,
		SASLAuthenticationOffload:        false,
		TCPNoDelay:                       true,
		AutoReadInitial:                  true,
		ConnectTimeout:                   10 * time.Second,
		Logger:                           klog.Nop,
	}
	for _, o := range opts {
		o.apply(c)
	}
	return c
}
