// kproxy runs a transparent Kafka protocol proxy: it accepts client TCP
// connections, negotiates ApiVersions/PROXY-protocol/SASL-offload locally,
// asks a NetFilter to pick an upstream broker and filter chain, then
// forwards frames in both directions until either side disconnects.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kroxylicious/kproxy/internal/config"
	"github.com/kroxylicious/kproxy/internal/khooks"
	"github.com/kroxylicious/kproxy/internal/klog"
	"github.com/kroxylicious/kproxy/internal/sasloffload"
	"github.com/kroxylicious/kproxy/pkg/kproxy"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "kproxy: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("kproxy", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to an .ini server config (listen address, engine tuning)")
	staticRemote := fs.String("broker", "", "static upstream broker address, e.g. localhost:9092 (used when no config-driven net-filter is wired)")
	healthAddr := fs.String("health-addr", ":9193", "address for the /healthz and /readyz endpoints")
	saslUser := fs.String("sasl-user", "", "offload SASL authentication locally for this single user (requires -sasl-password)")
	saslPassword := fs.String("sasl-password", "", "password for -sasl-user")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sc := &config.ServerConfig{ListenAddress: ":9192", Engine: *config.New()}
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		loaded, err := config.LoadServerConfig(f)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		sc = loaded
	}

	hooks := khooks.NewCountingHooks()
	sc.Engine.Logger = klog.NewBasicLogger(os.Stderr, klog.LevelInfo)
	sc.Engine.Hooks = append(sc.Engine.Hooks, hooks)

	if *saslUser != "" {
		if *saslPassword == "" {
			return fmt.Errorf("-sasl-user requires -sasl-password")
		}
		cred, err := sasloffload.NewCredential(*saslPassword, 4096)
		if err != nil {
			return fmt.Errorf("derive SASL credential: %w", err)
		}
		store := sasloffload.MapStore{*saslUser: cred}
		sc.Engine.SASLAuthenticationOffload = true
		sc.Engine.SASLHandler = sasloffload.NewHandler(store)
		sc.Engine.SASLMechanism = "PLAIN"
	}

	if *staticRemote == "" {
		return fmt.Errorf("no upstream broker configured: pass -broker or wire a NetFilter in code")
	}
	nf := kproxy.StaticNetFilter(*staticRemote, nil)

	engine := kproxy.NewEngine(&sc.Engine, nf)

	ln, err := net.Listen("tcp", sc.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sc.ListenAddress, err)
	}

	healthSrv := startHealthServer(*healthAddr, engine, hooks)

	serveErr := make(chan error, 1)
	go func() { serveErr <- engine.Serve(ln) }()

	select {
	case err := <-serveErr:
		_ = healthSrv.Close()
		return err
	case <-ctx.Done():
		_ = healthSrv.Close()
		return engine.Close()
	}
}

// startHealthServer exposes liveness (always OK once listening) and
// readiness (OK until shutdown begins draining). Ambient observability
// per spec.md §6, grounded the same way the matgreaves-rig examples expose
// a trivial /health endpoint alongside their main service.
func startHealthServer(addr string, e *kproxy.Engine, hooks *khooks.CountingHooks) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "live-connections: %d\n", e.LiveConnections())
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		snap := hooks.Snapshot()
		fmt.Fprintf(w, "open_connections %d\n", snap.OpenConnections)
		fmt.Fprintf(w, "upstream_connects %d\n", snap.UpstreamConnects)
		fmt.Fprintf(w, "upstream_failures %d\n", snap.UpstreamFailures)
		fmt.Fprintf(w, "bytes_up %d\n", snap.BytesUp)
		fmt.Fprintf(w, "bytes_down %d\n", snap.BytesDown)
		fmt.Fprintf(w, "short_circuits %d\n", snap.ShortCircuits)
		for k, v := range snap.Transitions {
			fmt.Fprintf(w, "transition{edge=%q} %d\n", k, v)
		}
		for k, v := range snap.ProtocolErrors {
			fmt.Fprintf(w, "protocol_error{kind=%q} %d\n", k, v)
		}
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go srv.ListenAndServe()
	return srv
}
