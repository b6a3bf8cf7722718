package config

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	sc, err := LoadServerConfig(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if sc.ListenAddress != ":9192" {
		t.Errorf("ListenAddress = %q, want :9192", sc.ListenAddress)
	}
	if sc.Engine.MaxBufferedBytesBeforeForwarding != 1<<20 {
		t.Errorf("MaxBufferedBytesBeforeForwarding = %d, want default 1MiB", sc.Engine.MaxBufferedBytesBeforeForwarding)
	}
}

// serverConfigSnapshot projects ServerConfig down to the plain comparable
// fields parsed straight off the ini file, leaving out Logger/Hooks/
// SASLHandler (funcs and interfaces cmp can't diff meaningfully here).
type serverConfigSnapshot struct {
	ListenAddress                    string
	MaxBufferedBytesBeforeForwarding int
	MaxFrameSizeBytes                int
	SASLAuthenticationOffload        bool
	LogNetwork                       bool
	TCPNoDelay                       bool
	ConnectTimeout                   time.Duration
}

func snapshotOf(sc *ServerConfig) serverConfigSnapshot {
	return serverConfigSnapshot{
		ListenAddress:                    sc.ListenAddress,
		MaxBufferedBytesBeforeForwarding: sc.Engine.MaxBufferedBytesBeforeForwarding,
		MaxFrameSizeBytes:                sc.Engine.MaxFrameSizeBytes,
		SASLAuthenticationOffload:        sc.Engine.SASLAuthenticationOffload,
		LogNetwork:                       sc.Engine.LogNetwork,
		TCPNoDelay:                       sc.Engine.TCPNoDelay,
		ConnectTimeout:                   sc.Engine.ConnectTimeout,
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	ini := `
[listen]
address = :19192

[engine]
max-buffered-bytes = 2048
max-frame-size-bytes = 4096
sasl-authentication-offload = true
log-network = true
tcp-no-delay = false
connect-timeout-seconds = 5
`
	sc, err := LoadServerConfig(strings.NewReader(ini))
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}

	want := serverConfigSnapshot{
		ListenAddress:                    ":19192",
		MaxBufferedBytesBeforeForwarding: 2048,
		MaxFrameSizeBytes:                4096,
		SASLAuthenticationOffload:        true,
		LogNetwork:                       true,
		TCPNoDelay:                       false,
		ConnectTimeout:                   5 * time.Second,
	}
	if diff := cmp.Diff(want, snapshotOf(sc)); diff != "" {
		t.Errorf("parsed config mismatch (-want +got):\n%s", diff)
	}
}
