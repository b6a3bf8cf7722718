package config

import (
	"fmt"
	"io"
	"time"

	"github.com/lars-t-hansen/ini"
)

// ServerConfig is the static, file-loaded configuration for the kproxy
// binary: where to listen and the default EngineConfig for connections
// accepted there. Loading is grounded directly on the NordicHPC/sonar
// kafka-proxy tool's use of github.com/lars-t-hansen/ini (kprox.go's
// ini.NewParser()/AddSection/AddString/Parse sequence), extended with an
// [engine] section for the options named in spec.md §6.
type ServerConfig struct {
	ListenAddress string

	Engine EngineConfig
}

// LoadServerConfig parses an .ini file with [listen] and [engine] sections:
//
//	[listen]
//	address = ...                         # default :9192
//
//	[engine]
//	max-buffered-bytes = ...               # default 1048576
//	max-frame-size-bytes = ...              # default 104857600
//	sasl-authentication-offload = ...       # default false
//	log-network = ...                       # default false
//	log-frames = ...                        # default false
//	tcp-no-delay = ...                       # default true
//	connect-timeout-seconds = ...            # default 10
func LoadServerConfig(r io.Reader) (*ServerConfig, error) {
	p := ini.NewParser()

	listenSect := p.AddSection("listen")
	listenAddr := listenSect.AddString("address")

	engineSect := p.AddSection("engine")
	maxBuffered := engineSect.AddUint64("max-buffered-bytes")
	maxFrame := engineSect.AddUint64("max-frame-size-bytes")
	saslOffload := engineSect.AddBool("sasl-authentication-offload")
	logNetwork := engineSect.AddBool("log-network")
	logFrames := engineSect.AddBool("log-frames")
	tcpNoDelay := engineSect.AddBool("tcp-no-delay")
	connectTimeoutSec := engineSect.AddUint64("connect-timeout-seconds")

	store, err := p.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("config: parse ini: %w", err)
	}

	sc := &ServerConfig{
		ListenAddress: ":9192",
		Engine:        *New(),
	}

	if listenAddr.Present(store) {
		sc.ListenAddress = listenAddr.StringVal(store)
	}
	if maxBuffered.Present(store) {
		sc.Engine.MaxBufferedBytesBeforeForwarding = int(maxBuffered.Uint64Val(store))
	}
	if maxFrame.Present(store) {
		sc.Engine.MaxFrameSizeBytes = int(maxFrame.Uint64Val(store))
	}
	if saslOffload.Present(store) {
		sc.Engine.SASLAuthenticationOffload = saslOffload.BoolVal(store)
	}
	if logNetwork.Present(store) {
		sc.Engine.LogNetwork = logNetwork.BoolVal(store)
	}
	if logFrames.Present(store) {
		sc.Engine.LogFrames = logFrames.BoolVal(store)
	}
	if tcpNoDelay.Present(store) {
		sc.Engine.TCPNoDelay = tcpNoDelay.BoolVal(store)
	}
	if connectTimeoutSec.Present(store) {
		sc.Engine.ConnectTimeout = time.Duration(connectTimeoutSec.Uint64Val(store)) * time.Second
	}

	return sc, nil
}
