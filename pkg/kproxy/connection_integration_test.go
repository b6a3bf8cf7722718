package kproxy

import (
	"bufio"
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/kroxylicious/kproxy/internal/config"
	"github.com/kroxylicious/kproxy/internal/kbin"
)

// fakeBroker accepts exactly one connection and echoes every length-prefixed
// frame it receives straight back, unmodified — good enough to stand in for
// a real Kafka broker when all the proxy needs to exercise is the
// SelectingServer -> Connecting -> Forwarding path and response routing.
func startFakeBroker(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			raw, err := readLengthPrefixedFrame(br, 4<<20, false)
			if err != nil {
				return
			}
			hdr, rest, err := decodeRequestHeader(raw)
			if err != nil {
				return
			}
			respPayload := kbin.AppendInt32(nil, hdr.CorrelationID)
			respPayload = append(respPayload, rest...)
			if _, err := conn.Write(framed(respPayload)); err != nil {
				return
			}
		}
	}()
	return ln
}

func TestConnectionHappyPathForwardsRequestAndResponse(t *testing.T) {
	broker := startFakeBroker(t)
	defer broker.Close()

	e := NewEngine(config.New(), StaticNetFilter(broker.Addr().String(), nil))
	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer proxyLn.Close()
	go e.Serve(proxyLn)
	defer e.Close()

	client, err := net.Dial("tcp", proxyLn.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	defer client.Close()

	// A non-ApiVersions request: MetadataRequest-shaped opaque frame,
	// correlation id 123.
	body := kbin.AppendInt16(nil, 3)  // apiKey = Metadata
	body = kbin.AppendInt16(body, 0)  // apiVersion
	body = kbin.AppendInt32(body, 123)
	body = kbin.AppendNullableString(body, nil) // clientID
	body = append(body, []byte("payload-bytes")...)

	wire := framed(body)
	if _, err := client.Write(wire); err != nil {
		t.Fatalf("client write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(client)
	raw, err := readLengthPrefixedFrame(br, 1<<20, false)
	if err != nil {
		t.Fatalf("reading proxied response: %v", err)
	}

	hdr, rest, err := decodeResponseHeader(raw)
	if err != nil {
		t.Fatalf("decodeResponseHeader: %v", err)
	}
	if hdr.CorrelationID != 123 {
		t.Fatalf("CorrelationID = %d, want 123", hdr.CorrelationID)
	}
	if !bytes.Contains(rest, []byte("payload-bytes")) {
		t.Fatalf("response body = %v, want to contain the echoed payload", rest)
	}
}

// TestConnectionForwardsFrameAboveWriteHighWatermark guards against a
// regression where crossing writeHighWatermark inside write() deadlocked the
// connection's event loop (the watermark callbacks used to round-trip
// through c.post from the very goroutine that post blocks waiting on).
func TestConnectionForwardsFrameAboveWriteHighWatermark(t *testing.T) {
	broker := startFakeBroker(t)
	defer broker.Close()

	// The first frame is buffered until the upstream connect completes,
	// so the pre-forwarding bound must exceed the 2 MiB frame below.
	e := NewEngine(config.New(config.MaxBufferedBytesBeforeForwarding(4<<20)), StaticNetFilter(broker.Addr().String(), nil))
	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer proxyLn.Close()
	go e.Serve(proxyLn)
	defer e.Close()

	client, err := net.Dial("tcp", proxyLn.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	defer client.Close()

	// A single frame comfortably over writeHighWatermark (1 MiB): this is
	// an ordinary, if large, Fetch/Produce-shaped request, well within the
	// default 100 MiB MaxFrameSizeBytes.
	payload := bytes.Repeat([]byte{0x42}, 2<<20)
	body := kbin.AppendInt16(nil, 3) // apiKey = Metadata
	body = kbin.AppendInt16(body, 0) // apiVersion
	body = kbin.AppendInt32(body, 7)
	body = kbin.AppendNullableString(body, nil) // clientID
	body = append(body, payload...)

	wire := framed(body)
	if _, err := client.Write(wire); err != nil {
		t.Fatalf("client write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(client)
	raw, err := readLengthPrefixedFrame(br, 4<<20, false)
	if err != nil {
		t.Fatalf("reading proxied response (possible event-loop deadlock): %v", err)
	}

	hdr, rest, err := decodeResponseHeader(raw)
	if err != nil {
		t.Fatalf("decodeResponseHeader: %v", err)
	}
	if hdr.CorrelationID != 7 {
		t.Fatalf("CorrelationID = %d, want 7", hdr.CorrelationID)
	}
	if !bytes.Equal(rest, payload) {
		t.Fatalf("response payload corrupted: got %d bytes, want %d matching bytes", len(rest), len(payload))
	}
}
