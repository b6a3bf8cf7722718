package kproxy

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/kroxylicious/kproxy/internal/config"
	"github.com/kroxylicious/kproxy/internal/khooks"
	"github.com/kroxylicious/kproxy/internal/klog"
	"github.com/kroxylicious/kproxy/internal/kmsg"
	"github.com/kroxylicious/kproxy/pkg/kproxyfilter"
	"github.com/kroxylicious/kproxy/pkg/kproxyframe"
)

// Connection is C7: the per-client-socket state machine of spec.md §3/§4.7.
// Every event — a client frame, a broker response, a writability edge, a
// socket error — is handled on a single goroutine (events channel), the
// same single-threaded-per-connection discipline the teacher's broker.go
// gives its write loop and response-reading loop, just generalized to every
// kind of event instead of only broker responses.
type Connection struct {
	id     uint64
	cfg    *config.EngineConfig
	logger klog.Logger
	hooks  khooks.Hooks
	nf     NetFilter

	events chan func()
	done   chan struct{}
	doneOnce sync.Once

	state SessionState
	bp    backpressure

	downstream *Downstream
	upstream   *Upstream

	filters []Filter
	nfCtx   *netFilterContext

	tlsInUse  bool
	remote    net.Addr
	dialStart time.Time
}

func NewConnection(id uint64, cfg *config.EngineConfig, nf NetFilter) *Connection {
	c := &Connection{
		id:     id,
		cfg:    cfg,
		logger: cfg.Logger,
		hooks:  cfg.Hooks,
		nf:     nf,
		events: make(chan func(), 256),
		done:   make(chan struct{}),
		state:  StateStartup{},
	}
	if c.logger == nil {
		c.logger = klog.Nop
	}
	return c
}

// Serve takes ownership of an accepted client socket and runs until the
// connection closes. It returns once the connection has fully torn down.
func (c *Connection) Serve(client net.Conn) {
	c.remote = client.RemoteAddr()
	c.hooks.FireDownstreamOpen(c.remote)
	_, c.tlsInUse = client.(interface{ ConnectionState() interface{} })
	c.downstream = NewDownstream(client, c, c.cfg, c.tlsInUse)
	go c.runLoop()
	c.downstream.Start()
	<-c.done
}

func (c *Connection) runLoop() {
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			return
		}
	}
}

// post serializes fn onto the connection's event loop and blocks until it
// has run, so callers on other goroutines (Downstream/Upstream read loops,
// a NetFilter's own goroutine) observe a consistent state afterward.
func (c *Connection) post(fn func()) {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case c.events <- wrapped:
		<-done
	case <-c.done:
	}
}

// Close drives the connection straight to Closed, for Engine's graceful
// shutdown: idle-but-open connections have no event of their own that would
// ever get them there, so shutdown has to force it rather than wait.
// Safe to call more than once, and safe after the connection has already
// closed on its own (post's <-c.done case makes it a no-op then).
func (c *Connection) Close() {
	c.post(func() {
		c.beginClosing(ErrConnectionClosing, true, true)
	})
}

func (c *Connection) transition(next SessionState) {
	prev := c.state
	c.state = next
	c.hooks.FireStateTransition(prev.Name(), next.Name())
	if c.cfg.LogNetwork {
		c.logger.Log(klog.LevelDebug, "state transition", "id", c.id, "from", prev.Name(), "to", next.Name())
	}
}

// --- Downstream-originated events (spec.md §4.7) ---

func (c *Connection) onClientActive(d *Downstream) {
	c.post(func() {
		c.transition(StateClientActive{})
	})
}

func (c *Connection) onClientRequest(frame *kproxyframe.RequestFrame, preamble *kproxyframe.HAProxyPreamble) {
	c.post(func() {
		c.handleClientRequest(frame, preamble)
	})
}

func (c *Connection) handleClientRequest(frame *kproxyframe.RequestFrame, preamble *kproxyframe.HAProxyPreamble) {
	switch st := c.state.(type) {
	case StateClientActive:
		if preamble != nil {
			c.transition(StateHaProxy{Preamble: preamble})
			return
		}
		c.routeFirstFrame(frame, nil)

	case StateHaProxy:
		if preamble != nil {
			c.fail(&ErrProtocolViolation{Detail: "second PROXY preamble"})
			return
		}
		c.routeFirstFrame(frame, st.Preamble)

	case StateApiVersions:
		if preamble != nil {
			c.fail(&ErrProtocolViolation{Detail: "PROXY preamble after ApiVersions"})
			return
		}
		switch {
		case frame.ApiKey == kmsg.ApiVersionsKey:
			c.downstream.inApiVersions(frame)
		case c.cfg.SASLHandler != nil && frame.ApiKey == kmsg.SaslHandshakeKey:
			c.handleSaslHandshake(st, frame)
		case c.cfg.SASLHandler != nil && frame.ApiKey == kmsg.SaslAuthenticateKey:
			c.handleSaslAuthenticate(st, frame)
		default:
			c.enterSelectingServer(st.clientInfo, frame)
		}

	case StateSelectingServer, StateConnecting:
		if preamble != nil {
			c.fail(&ErrProtocolViolation{Detail: "PROXY preamble after SelectingServer"})
			return
		}
		if err := c.downstream.bufferMsg(frame); err != nil {
			c.fail(err)
		}

	case StateForwarding:
		if preamble != nil {
			c.fail(&ErrProtocolViolation{Detail: "PROXY preamble while Forwarding"})
			return
		}
		c.forwardClientFrame(frame)

	default:
		c.fail(&ErrProtocolViolation{Detail: "client request in state " + c.state.Name()})
	}
}

// routeFirstFrame handles the first real Kafka frame after ClientActive/
// HaProxy. An ApiVersions request enters the ApiVersions state for local
// synthesis only when the connection is configured for SASL authentication
// offload (spec.md §3/§4.7's ClientActive transition table); with offload
// disabled, ApiVersions is just another request that skips straight to
// SelectingServer like everything else.
func (c *Connection) routeFirstFrame(frame *kproxyframe.RequestFrame, preamble *kproxyframe.HAProxyPreamble) {
	if frame.ApiKey == kmsg.ApiVersionsKey && c.cfg.SASLAuthenticationOffload {
		ci := clientInfo{Preamble: preamble}
		if req, ok := frame.Body.(*kmsg.ApiVersionsRequest); ok {
			ci.ClientSoftwareName = req.ClientSoftwareName
			ci.ClientSoftwareVersion = req.ClientSoftwareVersion
		}
		c.transition(StateApiVersions{clientInfo: ci})
		c.downstream.inApiVersions(frame)
		return
	}
	ci := clientInfo{Preamble: preamble}
	c.enterSelectingServer(ci, frame)
}

// handleSaslHandshake answers a SaslHandshake request locally, entirely
// within the ApiVersions state, the way spec.md §3 describes the
// SASL-authentication-offload path: the client never reaches the net-filter
// or a broker until it has authenticated.
func (c *Connection) handleSaslHandshake(st StateApiVersions, frame *kproxyframe.RequestFrame) {
	req, ok := frame.Body.(*kmsg.SaslHandshakeRequest)
	if !ok {
		c.fail(&ErrProtocolViolation{Detail: "malformed SaslHandshake"})
		return
	}
	resp := &kmsg.SaslHandshakeResponse{Version: frame.ApiVersion, Mechanisms: []string{c.cfg.SASLMechanism}}
	if req.Mechanism != c.cfg.SASLMechanism {
		resp.ErrorCode = kerrCode(ErrSaslUnsupportedMechanism)
		_ = c.downstream.forwardToClient(&kproxyframe.ResponseFrame{
			ApiKey: frame.ApiKey, ApiVersion: frame.ApiVersion, CorrelationID: frame.CorrelationID,
			Header: &kmsg.ResponseHeader{CorrelationID: frame.CorrelationID}, Body: resp,
		})
		c.fail(ErrSaslUnsupportedMechanism)
		return
	}
	ci := st.clientInfo
	ci.SaslMechanismChosen = true
	c.transition(StateApiVersions{clientInfo: ci})
	_ = c.downstream.forwardToClient(&kproxyframe.ResponseFrame{
		ApiKey: frame.ApiKey, ApiVersion: frame.ApiVersion, CorrelationID: frame.CorrelationID,
		Header: &kmsg.ResponseHeader{CorrelationID: frame.CorrelationID}, Body: resp,
	})
}

// handleSaslAuthenticate verifies the client's credential against the
// configured sasloffload.Handler. Success advances straight to
// SelectingServer, carrying no SASL state further — the net-filter and
// broker never see the credential (spec.md §3).
func (c *Connection) handleSaslAuthenticate(st StateApiVersions, frame *kproxyframe.RequestFrame) {
	req, ok := frame.Body.(*kmsg.SaslAuthenticateRequest)
	if !ok {
		c.fail(&ErrProtocolViolation{Detail: "malformed SaslAuthenticate"})
		return
	}
	if !st.SaslMechanismChosen {
		resp := &kmsg.SaslAuthenticateResponse{Version: frame.ApiVersion, ErrorCode: kerrCode(ErrSaslIllegalState)}
		_ = c.downstream.forwardToClient(&kproxyframe.ResponseFrame{
			ApiKey: frame.ApiKey, ApiVersion: frame.ApiVersion, CorrelationID: frame.CorrelationID,
			Header: &kmsg.ResponseHeader{CorrelationID: frame.CorrelationID}, Body: resp,
		})
		return
	}

	user, password, perr := parseSaslPlain(req.AuthBytes)
	var authErr error
	if perr != nil {
		authErr = perr
	} else {
		authErr = c.cfg.SASLHandler.Verify(user, password)
	}
	if authErr != nil {
		msg := authErr.Error()
		resp := &kmsg.SaslAuthenticateResponse{Version: frame.ApiVersion, ErrorCode: kerrCode(ErrSaslAuthFailed), ErrorMessage: &msg}
		_ = c.downstream.forwardToClient(&kproxyframe.ResponseFrame{
			ApiKey: frame.ApiKey, ApiVersion: frame.ApiVersion, CorrelationID: frame.CorrelationID,
			Header: &kmsg.ResponseHeader{CorrelationID: frame.CorrelationID}, Body: resp,
		})
		c.fail(ErrSaslAuthFailed)
		return
	}

	resp := &kmsg.SaslAuthenticateResponse{Version: frame.ApiVersion}
	_ = c.downstream.forwardToClient(&kproxyframe.ResponseFrame{
		ApiKey: frame.ApiKey, ApiVersion: frame.ApiVersion, CorrelationID: frame.CorrelationID,
		Header: &kmsg.ResponseHeader{CorrelationID: frame.CorrelationID}, Body: resp,
	})
	ci := st.clientInfo
	ci.SaslAuthenticated = true
	c.enterSelectingServer(ci, nil)
}

func (c *Connection) enterSelectingServer(ci clientInfo, pending *kproxyframe.RequestFrame) {
	c.transition(StateSelectingServer{clientInfo: ci})
	if pending != nil {
		if err := c.downstream.bufferMsg(pending); err != nil {
			c.fail(err)
			return
		}
	}
	c.nfCtx = &netFilterContext{
		conn:                  c,
		clientSoftwareName:    ci.ClientSoftwareName,
		hasClientSoftwareName: ci.ClientSoftwareName != "",
		clientSoftwareVersion: ci.ClientSoftwareVersion,
		preamble:              ci.Preamble,
	}
	nfCtx := c.nfCtx
	go c.nf.SelectServer(nfCtx)
}

// onNetFilterInitiateConnect is called (possibly from the NetFilter's own
// goroutine) via netFilterContext.InitiateConnect.
func (c *Connection) onNetFilterInitiateConnect(ctx *netFilterContext, remote HostPort, filters []Filter) error {
	resultCh := make(chan error, 1)
	c.post(func() {
		resultCh <- c.handleInitiateConnect(ctx, remote, filters)
	})
	return <-resultCh
}

func (c *Connection) handleInitiateConnect(ctx *netFilterContext, remote HostPort, filters []Filter) error {
	st, ok := c.state.(StateSelectingServer)
	if !ok || c.nfCtx != ctx {
		// A second initiateConnect call (from SelectingServer again after
		// it already fired, or from Connecting onward) is fatal to the
		// connection, not just a no-op return (spec.md §4.7's "Connecting
		// | onNetFilterInitiateConnect | Closing | double connect").
		if _, closed := c.state.(StateClosed); !closed {
			c.fail(ErrDoubleConnect)
		}
		return ErrDoubleConnect
	}
	c.filters = filters
	c.transition(StateConnecting{Remote: remote, Filters: filters, VirtualCluster: st.clientInfo})
	c.dialStart = time.Now()
	go c.dial(remote)
	return nil
}

func (c *Connection) dial(remote HostPort) {
	conn, err := net.DialTimeout("tcp", remote.String(), c.cfg.ConnectTimeout)
	c.post(func() {
		c.handleDialResult(remote, conn, err)
	})
}

func (c *Connection) handleDialResult(remote HostPort, conn net.Conn, err error) {
	st, ok := c.state.(StateConnecting)
	if !ok {
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.hooks.FireUpstreamConnect(remote.String(), time.Since(c.dialStart), err)
	if err != nil {
		c.fail(err)
		return
	}
	c.upstream = NewUpstream(conn, c, c.cfg)
	c.transition(StateForwarding{Remote: st.Remote, Filters: st.Filters, VirtualCluster: st.VirtualCluster})
	c.upstream.Start()

	for _, f := range c.downstream.drainBuffer() {
		c.forwardClientFrame(f)
	}
}

func (c *Connection) shouldDeserializeRequest(apiKey, apiVersion int16) bool {
	for _, f := range c.filters {
		if f.Request != nil && f.Request.ShouldDeserialize(apiKey, apiVersion) {
			return true
		}
	}
	return false
}

func (c *Connection) forwardClientFrame(frame *kproxyframe.RequestFrame) {
	fctx := &filterContext{conn: c, correlationID: frame.CorrelationID}
	outcome := dispatchRequest(context.Background(), fctx, frame, c.filters)
	switch outcome.kind {
	case outDrop:
		return
	case outDisconnect:
		c.fail(&ErrProtocolViolation{Detail: "filter requested disconnect"})
		return
	case outFilterError:
		c.fail(&FilterError{FilterName: outcome.causeFilter, Cause: outcome.causeErr})
		return
	case outShortCircuit:
		c.hooks.FireShortCircuit(frame.ApiKey, outcome.causeFilter)
		h := outcome.shortCircuitHeader
		if h.CorrelationID == 0 {
			h.CorrelationID = frame.CorrelationID
		}
		_ = c.downstream.forwardToClient(&kproxyframe.ResponseFrame{
			ApiKey:        frame.ApiKey,
			ApiVersion:    frame.ApiVersion,
			CorrelationID: frame.CorrelationID,
			Header:        &h,
			Body:          outcome.shortCircuitBody,
		})
		if outcome.closeAfter {
			c.fail(ErrConnectionClosing)
		}
		return
	default: // forward
		out := &kproxyframe.RequestFrame{
			ApiKey:        frame.ApiKey,
			ApiVersion:    frame.ApiVersion,
			CorrelationID: frame.CorrelationID,
			HasHeader:     true,
			Header:        &outcome.header,
			Body:          outcome.body,
		}
		if err := c.upstream.forwardToServer(out); err != nil {
			c.fail(err)
		}
	}
}

// onClientInactive fires when the client side hits EOF. Forwarding's close
// action tears down both sides together (spec.md §4.7), the same as
// onServerInactive below: finishClose already closes whichever of
// downstream/upstream is non-nil, so there's no event to wait on from the
// other side. Passing serverDone as c.upstream == nil instead of true would
// leave an active upstream connection in Closing forever, since nothing
// would ever produce the onServerInactive that could complete it.
func (c *Connection) onClientInactive() {
	c.post(func() {
		c.beginClosing(nil, true, true)
	})
}

// onClientException reports any error surfaced from the downstream stack
// other than a clean EOF. OversizedFrameError already carries its own
// taxonomy kind (spec.md §7); everything else is wrapped as the generic
// ClientException kind.
func (c *Connection) onClientException(err error, tlsInUse bool) {
	c.post(func() {
		if ofe, ok := err.(*OversizedFrameError); ok {
			c.fail(ofe)
			return
		}
		c.fail(&ErrUnknownServerError{Cause: err})
	})
}

// --- Upstream-originated events ---

func (c *Connection) onServerActive(u *Upstream) {}

func (c *Connection) onServerInactive() {
	c.post(func() {
		c.beginClosing(nil, true, true)
	})
}

func (c *Connection) onServerException(err error) {
	c.post(func() {
		c.fail(&ErrUpstreamClosed{Cause: err})
	})
}

func (c *Connection) onServerResponse(frame *kproxyframe.ResponseFrame, entry *corrEntry) {
	c.post(func() {
		c.handleServerResponse(frame)
	})
}

func (c *Connection) handleServerResponse(frame *kproxyframe.ResponseFrame) {
	if frame.IsInternal() {
		frame.Promise(responseBody(frame), nil)
		return
	}
	fctx := &filterContext{conn: c, correlationID: frame.CorrelationID}
	outcome := dispatchResponse(context.Background(), fctx, frame, c.filters)
	switch outcome.kind {
	case outDrop:
		return
	case outDisconnect:
		c.fail(&ErrProtocolViolation{Detail: "filter requested disconnect on response"})
		return
	case outFilterError:
		c.fail(&FilterError{FilterName: outcome.causeFilter, Cause: outcome.causeErr})
		return
	default:
		h := outcome.header
		_ = c.downstream.forwardToClient(&kproxyframe.ResponseFrame{
			ApiKey:        frame.ApiKey,
			ApiVersion:    frame.ApiVersion,
			CorrelationID: frame.CorrelationID,
			Header:        &h,
			Body:          outcome.body,
		})
	}
}

// parseSaslPlain decodes the SASL PLAIN wire format (RFC 4616):
// authzid NUL authcid NUL password. kproxy ignores authzid, the way most
// brokers do when it is empty.
func parseSaslPlain(b []byte) (user, password string, err error) {
	parts := bytes.SplitN(b, []byte{0}, 3)
	if len(parts) != 3 {
		return "", "", &ErrProtocolViolation{Detail: "malformed SASL PLAIN payload"}
	}
	return string(parts[1]), string(parts[2]), nil
}

func responseBody(frame *kproxyframe.ResponseFrame) kmsg.Response {
	if frame.Body != nil {
		return frame.Body
	}
	return &kmsg.OpaqueResponse{ApiKey: frame.ApiKey, Version: frame.ApiVersion, Raw: frame.OpaqueBytes}
}

// --- backpressure edges (spec.md §4.8) ---
//
// Downstream.write/Upstream.write, the only callers of these four, always
// run on the connection's own event-loop goroutine: forwardToClient/
// forwardToServer/OriginateRequest are only ever reached from inside a
// c.post-wrapped handler (ordinary request/response dispatch) or from a
// filter's Apply, which itself only ever runs from there. Routing the edge
// through c.post would therefore have the loop goroutine call post on
// itself — it blocks on <-done while the only goroutine that could close
// done is the one doing the blocking, a permanent self-deadlock on any
// frame that crosses a watermark. Calling bp directly is safe precisely
// because we are already running on that goroutine, so no other handler
// can be interleaved with it.
func (c *Connection) onServerUnwritable() { c.bp.onServerUnwritable(c.downstream) }
func (c *Connection) onServerWritable()   { c.bp.onServerWritable(c.downstream) }
func (c *Connection) onClientUnwritable() { c.bp.onClientUnwritable(c.upstream) }
func (c *Connection) onClientWritable()   { c.bp.onClientWritable(c.upstream) }

// --- teardown ---

// fail transitions to Closing with cause, then immediately to Closed once
// both sides have flushed (spec.md §6's Closing/Closed flush-ordering
// decision, recorded in SPEC_FULL.md §6: kproxy has no half-duplex TCP
// shutdown to stage like the source's channel half-close, so both sides
// close together and Closing is observable only to hooks/logging).
func (c *Connection) fail(cause error) {
	if _, ok := c.state.(StateClosed); ok {
		return
	}
	if cause != nil {
		c.hooks.FireProtocolError(protocolErrorKind(cause), cause)
	}
	c.beginClosing(cause, true, true)
}

// protocolErrorKind classifies cause into one of spec.md §7's named error
// kinds for metrics, without exposing the underlying error text.
func protocolErrorKind(cause error) string {
	switch cause {
	case ErrSaslUnsupportedMechanism, ErrSaslIllegalState, ErrSaslAuthFailed:
		return "SaslAuthenticationFailure"
	}
	switch cause.(type) {
	case *ErrProtocolViolation:
		return "ProtocolViolation"
	case *OversizedFrameError:
		return "OversizedFrame"
	case *ErrUnknownServerError:
		return "ClientException"
	case *ErrUpstreamClosed:
		return "ServerException"
	case *UnknownCorrelationError:
		return "UnknownCorrelation"
	case *FilterError:
		return "FilterError"
	default:
		return "Other"
	}
}

func (c *Connection) beginClosing(cause error, clientDone, serverDone bool) {
	if cs, ok := c.state.(StateClosing); ok {
		cs.ClientDone = cs.ClientDone || clientDone
		cs.ServerDone = cs.ServerDone || serverDone
		if cause != nil {
			cs.Cause = cause
		}
		c.state = cs
		if cs.ClientDone && cs.ServerDone {
			c.finishClose(cs.Cause)
		}
		return
	}
	if _, ok := c.state.(StateClosed); ok {
		return
	}
	c.transition(StateClosing{Cause: cause, ClientDone: clientDone, ServerDone: serverDone})
	if clientDone && serverDone {
		c.finishClose(cause)
	}
}

func (c *Connection) finishClose(cause error) {
	c.transition(StateClosed{Cause: cause})
	for _, f := range c.filters {
		if f.Request != nil {
			f.Request.Closed()
		}
		if f.Response != nil {
			f.Response.Closed()
		}
	}
	if c.downstream != nil {
		c.downstream.Close()
	}
	if c.upstream != nil {
		c.upstream.Close()
	}
	c.hooks.FireClosed(c.remote, cause)
	c.doneOnce.Do(func() { close(c.done) })
}

// filterContext is the per-dispatch kproxyfilter.Context implementation.
type filterContext struct {
	conn          *Connection
	correlationID int32
}

func (f *filterContext) CorrelationID() int32 { return f.correlationID }

func (f *filterContext) VirtualCluster() interface{} {
	switch st := f.conn.state.(type) {
	case StateForwarding:
		return st.VirtualCluster
	default:
		return nil
	}
}

func (f *filterContext) OriginateRequest(ctx context.Context, apiKey, apiVersion int16, body kmsg.Request) <-chan kproxyfilter.OriginatedResult {
	ch := make(chan kproxyfilter.OriginatedResult, 1)
	if f.conn.upstream == nil {
		ch <- kproxyfilter.OriginatedResult{Err: ErrConnectionClosing}
		return ch
	}
	body.SetVersion(apiVersion)
	err := f.conn.upstream.OriginateRequest(body, f, func(resp kmsg.Response, err error) {
		ch <- kproxyfilter.OriginatedResult{Body: resp, Err: err}
	})
	if err != nil {
		ch <- kproxyfilter.OriginatedResult{Err: err}
	}
	return ch
}
