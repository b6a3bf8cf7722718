package kproxy

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/kroxylicious/kproxy/internal/config"
	"github.com/kroxylicious/kproxy/internal/kmsg"
	"github.com/kroxylicious/kproxy/pkg/kproxyframe"
)

// writeHighWatermark/writeLowWatermark bound the outbound write queue used
// to approximate Netty's channel-writability signal (spec.md §4.8): Go's
// net.Conn does not expose a socket send-buffer occupancy the way Netty's
// unsafe().outboundBuffer() does, so kproxy tracks queued-but-not-yet-written
// bytes itself and treats crossing these watermarks as the writable/
// unwritable edges the backpressure sub-state machine reacts to.
const (
	writeHighWatermark = 1 << 20 // 1 MiB queued trips "unwritable"
	writeLowWatermark  = 256 << 10
)

// Downstream is C5: owns the client-side TCP half. It drives reads, buffers
// pre-forwarding frames, flushes writes, and exposes the auto-read toggle
// the backpressure coordinator needs (spec.md §4.4).
type Downstream struct {
	conn   net.Conn
	owner  *Connection
	cfg    *config.EngineConfig
	tlsUse bool

	// buffer is the pre-forwarding FIFO (spec.md §4.4, invariant 5):
	// every frame read before Forwarding accumulates here and is drained
	// in arrival order on entry to Forwarding.
	bufMu     sync.Mutex
	buffer    []*kproxyframe.RequestFrame
	bufBytes  int

	readMu      sync.Mutex
	readCond    *sync.Cond
	autoRead    bool

	writeMu     sync.Mutex
	queuedBytes int
	writable    bool
	closeOnce   sync.Once
}

// NewDownstream wraps a freshly accepted client connection.
func NewDownstream(conn net.Conn, owner *Connection, cfg *config.EngineConfig, tlsInUse bool) *Downstream {
	d := &Downstream{
		conn:     conn,
		owner:    owner,
		cfg:      cfg,
		tlsUse:   tlsInUse,
		autoRead: cfg.AutoReadInitial,
		writable: true,
	}
	d.readCond = sync.NewCond(&d.readMu)
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(cfg.TCPNoDelay)
	}
	return d
}

// Start launches the read loop and announces the active connection
// (spec.md §4.4 onActive → C7's onClientActive).
func (d *Downstream) Start() {
	d.owner.onClientActive(d)
	go d.readLoop()
}

func (d *Downstream) readLoop() {
	br := bufio.NewReaderSize(d.conn, 32*1024)
	first := true
	for {
		d.waitForAutoRead()

		if first {
			first = false
			// The peek window is whatever the first read delivered,
			// capped at 256 bytes: that covers the longest v1 header
			// (107 bytes) and a v2 header with up to 240 bytes of
			// address and TLV data; a real PROXY preamble always
			// arrives in a single initial packet, so there is no need
			// to grow the peek window further (spec.md §4.1).
			if _, perr := br.Peek(1); perr == nil {
				n := br.Buffered()
				if n > 256 {
					n = 256
				}
				peek, _ := br.Peek(n)
				if pre, n, perr := kproxyframe.DecodeHAProxyPreamble(peek); perr == nil {
					br.Discard(n)
					d.owner.onClientRequest(nil, pre)
					continue
				}
			}
			// Neither signature matched (or the preamble was cut short
			// by the peek window): treat as an ordinary Kafka frame
			// instead.
		}

		raw, err := readLengthPrefixedFrame(br, d.cfg.MaxFrameSizeBytes, d.tlsUse)
		if err != nil {
			var ofe *OversizedFrameError
			if errors.As(err, &ofe) {
				d.owner.onClientException(ofe, d.tlsUse)
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.owner.onClientInactive()
				return
			}
			d.owner.onClientException(err, d.tlsUse)
			return
		}

		frame, err := decodeRequestFrame(raw, d.owner.shouldDeserializeRequest)
		if err != nil {
			d.owner.onClientException(err, d.tlsUse)
			return
		}
		d.owner.onClientRequest(frame, nil)
	}
}

func (d *Downstream) waitForAutoRead() {
	d.readMu.Lock()
	for !d.autoRead {
		d.readCond.Wait()
	}
	d.readMu.Unlock()
}

// blockReads/unblockReads toggle auto-read; only called on the backpressure
// edges (spec.md invariant 7).
func (d *Downstream) blockReads() {
	d.readMu.Lock()
	d.autoRead = false
	d.readMu.Unlock()
}

func (d *Downstream) unblockReads() {
	d.readMu.Lock()
	d.autoRead = true
	d.readMu.Unlock()
	d.readCond.Broadcast()
}

// bufferMsg appends a frame to the pre-forwarding buffer (spec.md §4.4).
// Exceeding MaxBufferedBytesBeforeForwarding is fatal (invariant/§6).
func (d *Downstream) bufferMsg(frame *kproxyframe.RequestFrame) error {
	d.bufMu.Lock()
	defer d.bufMu.Unlock()
	sz := frameApproxSize(frame)
	if d.bufBytes+sz > d.cfg.MaxBufferedBytesBeforeForwarding {
		return ErrBufferOverflow
	}
	d.buffer = append(d.buffer, frame)
	d.bufBytes += sz
	return nil
}

func frameApproxSize(f *kproxyframe.RequestFrame) int {
	if f.OpaqueBytes != nil {
		return len(f.OpaqueBytes) + 8
	}
	return 64
}

// drainBuffer empties the buffer in arrival order, exactly once (spec.md
// invariant 5, §4.7 "Buffer drain").
func (d *Downstream) drainBuffer() []*kproxyframe.RequestFrame {
	d.bufMu.Lock()
	defer d.bufMu.Unlock()
	out := d.buffer
	d.buffer = nil
	d.bufBytes = 0
	return out
}

// forwardToClient writes a response frame to the client. Only valid while
// Forwarding (spec.md §4.4); callers (the Connection) enforce that.
func (d *Downstream) forwardToClient(frame *kproxyframe.ResponseFrame) error {
	return d.write(encodeResponseFrame(frame))
}

// write sends b to the client and, on crossing a watermark, tells the
// Connection's backpressure coordinator that the *client-facing* channel's
// writability changed — which pauses/resumes the broker-facing (Upstream)
// reads (spec.md §4.8).
func (d *Downstream) write(b []byte) error {
	d.writeMu.Lock()
	d.queuedBytes += len(b)
	if d.writable && d.queuedBytes >= writeHighWatermark {
		d.writable = false
		d.writeMu.Unlock()
		d.owner.onClientUnwritable()
	} else {
		d.writeMu.Unlock()
	}

	_, err := d.conn.Write(b)
	d.owner.hooks.FireBytesToDownstream(len(b))

	d.writeMu.Lock()
	d.queuedBytes -= len(b)
	if !d.writable && d.queuedBytes <= writeLowWatermark {
		d.writable = true
		d.writeMu.Unlock()
		d.owner.onClientWritable()
	} else {
		d.writeMu.Unlock()
	}
	return err
}

// flush is a no-op placeholder for symmetry with onReadComplete-triggered
// upstream flushes (spec.md §4.4); writes here go straight to the socket,
// so there is nothing buffered to flush beyond the final close-time flush
// handled by Close.
func (d *Downstream) flush() {}

// Close closes the client connection, performing the final empty flush
// spec.md §5 "Resource release" calls for so any short-circuit response
// still in flight has already reached conn.Write before the socket closes.
func (d *Downstream) Close() {
	d.closeOnce.Do(func() {
		d.flush()
		d.conn.Close()
		d.unblockReads() // release a parked reader so readLoop can exit
	})
}

// --- state-transition callbacks invoked by C7 (spec.md §4.4) ---

func (d *Downstream) inClientActive() {}

// inApiVersions synthesizes and writes an ApiVersions response locally,
// without ever contacting the broker, listing the intersection of API
// versions kproxy itself implements (spec.md §4.4).
func (d *Downstream) inApiVersions(frame *kproxyframe.RequestFrame) {
	resp := supportedApiVersionsResponse()
	_ = d.forwardToClient(&kproxyframe.ResponseFrame{
		ApiKey:        frame.ApiKey,
		ApiVersion:    frame.ApiVersion,
		CorrelationID: frame.CorrelationID,
		Header:        &kmsg.ResponseHeader{CorrelationID: frame.CorrelationID},
		Body:          resp,
	})
}

func (d *Downstream) inSelectingServer() {}

func (d *Downstream) inConnecting() {}

func (d *Downstream) inForwarding() {}

func (d *Downstream) inClosing(causeForClient error) {
	d.Close()
}

func (d *Downstream) inClosed() {
	d.Close()
}
