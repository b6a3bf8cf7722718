package config

import "testing"

func TestNewDefaults(t *testing.T) {
	c := New()
	if c.MaxBufferedBytesBeforeForwarding != 1<<20 {
		t.Errorf("MaxBufferedBytesBeforeForwarding = %d, want 1MiB", c.MaxBufferedBytesBeforeForwarding)
	}
	if c.SASLAuthenticationOffload {
		t.Error("SASLAuthenticationOffload should default to false")
	}
	if !c.TCPNoDelay {
		t.Error("TCPNoDelay should default to true")
	}
	if !c.AutoReadInitial {
		t.Error("AutoReadInitial should default to true")
	}
	if c.Logger == nil {
		t.Error("Logger should default to a non-nil no-op logger")
	}
}

func TestOptsOverrideDefaults(t *testing.T) {
	c := New(
		MaxBufferedBytesBeforeForwarding(512),
		SASLAuthenticationOffload(true),
		TCPNoDelay(false),
	)
	if c.MaxBufferedBytesBeforeForwarding != 512 {
		t.Errorf("MaxBufferedBytesBeforeForwarding = %d, want 512", c.MaxBufferedBytesBeforeForwarding)
	}
	if !c.SASLAuthenticationOffload {
		t.Error("SASLAuthenticationOffload should be true")
	}
	if c.TCPNoDelay {
		t.Error("TCPNoDelay should be false")
	}
}

func TestWithHooksAppends(t *testing.T) {
	c := New()
	if len(c.Hooks) != 0 {
		t.Fatalf("expected no hooks by default, got %d", len(c.Hooks))
	}
	c2 := New(WithHooks(struct{}{}))
	if len(c2.Hooks) != 1 {
		t.Fatalf("expected one hook registered, got %d", len(c2.Hooks))
	}
}
