package kproxy

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/kroxylicious/kproxy/internal/config"
	"github.com/kroxylicious/kproxy/internal/kmsg"
	"github.com/kroxylicious/kproxy/pkg/kproxyframe"
)

// Upstream is C6: owns the broker-side TCP half, the correlation map that
// makes out-of-order broker responses routable, and internal-request
// origination for filters (spec.md §4.3, §4.5).
type Upstream struct {
	conn  net.Conn
	owner *Connection
	cfg   *config.EngineConfig

	corr *correlationMap

	readMu   sync.Mutex
	readCond *sync.Cond
	autoRead bool

	writeMu     sync.Mutex
	queuedBytes int
	writable    bool
	closeOnce   sync.Once

	nextInternalID int32 // decrements from -1; external IDs are always >= 0
	idMu           sync.Mutex
}

// NewUpstream wraps a freshly dialed broker connection.
func NewUpstream(conn net.Conn, owner *Connection, cfg *config.EngineConfig) *Upstream {
	u := &Upstream{
		conn:     conn,
		owner:    owner,
		cfg:      cfg,
		corr:     newCorrelationMap(),
		autoRead: true,
		writable: true,
	}
	u.readCond = sync.NewCond(&u.readMu)
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(cfg.TCPNoDelay)
	}
	return u
}

// Start launches the read loop and announces the active upstream connection
// (spec.md §4.7's onServerActive).
func (u *Upstream) Start() {
	u.owner.onServerActive(u)
	go u.readLoop()
}

func (u *Upstream) readLoop() {
	br := bufio.NewReaderSize(u.conn, 32*1024)
	for {
		u.waitForAutoRead()

		raw, err := readLengthPrefixedFrame(br, u.cfg.MaxFrameSizeBytes, false)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				u.owner.onServerInactive()
				return
			}
			u.owner.onServerException(err)
			return
		}

		header, body, err := decodeResponseHeader(raw)
		if err != nil {
			u.owner.onServerException(err)
			return
		}

		var entry *corrEntry
		var ok bool
		u.owner.post(func() { entry, ok = u.corr.Take(header.CorrelationID) })
		if !ok {
			u.owner.onServerException(&UnknownCorrelationError{CorrelationID: header.CorrelationID})
			return
		}

		frame := &kproxyframe.ResponseFrame{
			ApiKey:        entry.apiKey,
			ApiVersion:    entry.apiVersion,
			CorrelationID: header.CorrelationID,
			Header:        header,
			OpaqueBytes:   body,
		}
		if entry.kind == entryInternal {
			frame.Recipient = entry.recipientFilter
			frame.Promise = entry.promise
		}
		u.owner.onServerResponse(frame, entry)
	}
}

func (u *Upstream) waitForAutoRead() {
	u.readMu.Lock()
	for !u.autoRead {
		u.readCond.Wait()
	}
	u.readMu.Unlock()
}

func (u *Upstream) blockReads() {
	u.readMu.Lock()
	u.autoRead = false
	u.readMu.Unlock()
}

func (u *Upstream) unblockReads() {
	u.readMu.Lock()
	u.autoRead = true
	u.readMu.Unlock()
	u.readCond.Broadcast()
}

// forwardToServer writes a client-originated request to the broker,
// recording it in the correlation map first so the response can find its
// way back (spec.md §4.3, invariant 2).
func (u *Upstream) forwardToServer(frame *kproxyframe.RequestFrame) error {
	if _, inFlight := u.corr.byID[frame.CorrelationID]; inFlight {
		return &ErrProtocolViolation{Detail: "correlation id reused while still in flight"}
	}
	u.corr.InsertExternal(frame.CorrelationID, frame.ApiKey, frame.ApiVersion, time.Now())
	return u.write(encodeRequestFrame(frame))
}

// OriginateRequest lets a filter send its own request to the broker
// out-of-band, allocating a negative correlation ID so it can never collide
// with a client-assigned one (spec.md §4.3's OriginateRequest, invariant 3).
// promise is invoked on the connection's event loop when the matching
// response arrives, or with a non-nil error if the connection closes first.
// If the write itself fails, the entry is removed again and promise is never
// invoked; the error is returned instead.
func (u *Upstream) OriginateRequest(req kmsg.Request, recipient interface{}, promise func(kmsg.Response, error)) error {
	id := u.allocateInternalID()
	header := &kmsg.RequestHeader{
		ApiKey:        req.Key(),
		ApiVersion:    req.GetVersion(),
		CorrelationID: id,
	}
	frame := &kproxyframe.RequestFrame{
		ApiKey:        header.ApiKey,
		ApiVersion:    header.ApiVersion,
		CorrelationID: id,
		HasHeader:     true,
		Header:        header,
		Body:          req,
	}
	u.corr.InsertInternal(id, header.ApiKey, header.ApiVersion, time.Now(), recipient, promise)
	if err := u.write(encodeRequestFrame(frame)); err != nil {
		u.corr.Take(id)
		return err
	}
	return nil
}

func (u *Upstream) allocateInternalID() int32 {
	u.idMu.Lock()
	defer u.idMu.Unlock()
	u.nextInternalID--
	return u.nextInternalID
}

// write sends b to the broker and, on crossing a watermark, tells the
// Connection's backpressure coordinator that the *broker-facing* channel's
// writability changed — which pauses/resumes the client-facing (Downstream)
// reads (spec.md §4.8).
func (u *Upstream) write(b []byte) error {
	u.writeMu.Lock()
	u.queuedBytes += len(b)
	if u.writable && u.queuedBytes >= writeHighWatermark {
		u.writable = false
		u.writeMu.Unlock()
		u.owner.onServerUnwritable()
	} else {
		u.writeMu.Unlock()
	}

	_, err := u.conn.Write(b)
	u.owner.hooks.FireBytesToUpstream(len(b))

	u.writeMu.Lock()
	u.queuedBytes -= len(b)
	if !u.writable && u.queuedBytes <= writeLowWatermark {
		u.writable = true
		u.writeMu.Unlock()
		u.owner.onServerWritable()
	} else {
		u.writeMu.Unlock()
	}
	return err
}

func (u *Upstream) flush() {}

// Close closes the broker connection and fails every outstanding internal
// promise so callers waiting on OriginateRequest don't hang forever
// (spec.md §7's "Resource release").
func (u *Upstream) Close() {
	u.closeOnce.Do(func() {
		u.flush()
		u.conn.Close()
		u.corr.DrainFailing(&ErrUpstreamClosed{Cause: ErrConnectionClosing})
		u.unblockReads()
	})
}
