package kmsg

import "testing"

func TestSaslHandshakeRoundTrip(t *testing.T) {
	req := &SaslHandshakeRequest{Version: 1, Mechanism: "PLAIN"}
	wire := req.AppendTo(nil)
	got := &SaslHandshakeRequest{Version: 1}
	if err := got.ReadFrom(wire); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if got.Mechanism != "PLAIN" {
		t.Fatalf("Mechanism = %q, want PLAIN", got.Mechanism)
	}

	resp := &SaslHandshakeResponse{Version: 1, ErrorCode: 0, Mechanisms: []string{"PLAIN"}}
	rwire := resp.AppendTo(nil)
	rgot := &SaslHandshakeResponse{Version: 1}
	if err := rgot.ReadFrom(rwire); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(rgot.Mechanisms) != 1 || rgot.Mechanisms[0] != "PLAIN" {
		t.Fatalf("Mechanisms = %v", rgot.Mechanisms)
	}
}

func TestSaslAuthenticateRoundTrip(t *testing.T) {
	payload := []byte("\x00alice\x00s3cret")
	req := &SaslAuthenticateRequest{Version: 1, AuthBytes: payload}
	wire := req.AppendTo(nil)
	got := &SaslAuthenticateRequest{Version: 1}
	if err := got.ReadFrom(wire); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if string(got.AuthBytes) != string(payload) {
		t.Fatalf("AuthBytes = %q, want %q", got.AuthBytes, payload)
	}
}

func TestSaslAuthenticateResponseRoundTripWithError(t *testing.T) {
	msg := "bad credential"
	resp := &SaslAuthenticateResponse{Version: 1, ErrorCode: 58, ErrorMessage: &msg, SessionLifetimeMs: 60000}
	wire := resp.AppendTo(nil)
	got := &SaslAuthenticateResponse{Version: 1}
	if err := got.ReadFrom(wire); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if got.ErrorCode != 58 || got.ErrorMessage == nil || *got.ErrorMessage != msg {
		t.Fatalf("got %+v", got)
	}
	if got.SessionLifetimeMs != 60000 {
		t.Fatalf("SessionLifetimeMs = %d, want 60000", got.SessionLifetimeMs)
	}
}

func TestSaslAuthenticateRequestRejectsNegativeLength(t *testing.T) {
	// A length prefix of -1 with nothing following must be a decode error,
	// not a slice-bounds panic.
	wire := []byte{0xff, 0xff, 0xff, 0xff}
	got := &SaslAuthenticateRequest{}
	if err := got.ReadFrom(wire); err == nil {
		t.Fatal("expected an error for a negative length prefix")
	}
}
