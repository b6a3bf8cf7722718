package kproxy

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kroxylicious/kproxy/internal/config"
)

// Engine owns a listener and spawns a Connection per accepted socket (spec.md
// §1's "accepts client TCP connections..."). It tracks every live Connection
// so Close can wait for them to drain instead of severing sockets mid-flight.
type Engine struct {
	cfg *config.EngineConfig
	nf  NetFilter

	mu       sync.Mutex
	listener net.Listener
	live     map[*Connection]struct{}
	closing  bool

	nextID uint64
}

func NewEngine(cfg *config.EngineConfig, nf NetFilter) *Engine {
	return &Engine{
		cfg:  cfg,
		nf:   nf,
		live: make(map[*Connection]struct{}),
	}
}

// Serve accepts connections on ln until Close is called or Accept fails.
func (e *Engine) Serve(ln net.Listener) error {
	e.mu.Lock()
	e.listener = ln
	e.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			e.mu.Lock()
			closing := e.closing
			e.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}
		c := NewConnection(atomic.AddUint64(&e.nextID, 1), e.cfg, e.nf)
		e.track(c)
		go func() {
			defer e.untrack(c)
			c.Serve(conn)
		}()
	}
}

func (e *Engine) track(c *Connection) {
	e.mu.Lock()
	e.live[c] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) untrack(c *Connection) {
	e.mu.Lock()
	delete(e.live, c)
	e.mu.Unlock()
}

// Close stops accepting new connections and drives every live Connection
// into Closed (spec.md §1's graceful-shutdown ambient concern). An
// idle-but-open client has no event of its own that would ever complete its
// state machine, so Close actively closes each one rather than only polling
// for a drain that might never arrive on its own.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closing = true
	ln := e.listener
	e.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	e.mu.Lock()
	live := make([]*Connection, 0, len(e.live))
	for c := range e.live {
		live = append(live, c)
	}
	e.mu.Unlock()
	for _, c := range live {
		c.Close()
	}

	for {
		e.mu.Lock()
		n := len(e.live)
		e.mu.Unlock()
		if n == 0 {
			return err
		}
		// Polling is adequate here: shutdown is a rare, one-shot event, and
		// every live Connection has already been told to close above, so
		// this only waits out Serve's untrack race, not an open-ended drain.
		<-time.After(50 * time.Millisecond)
	}
}

// LiveConnections reports the number of Connections currently being served,
// for the readiness endpoint's drain-progress reporting.
func (e *Engine) LiveConnections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}
