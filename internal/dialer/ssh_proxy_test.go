package dialer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/die-net/loopproxy/internal/testutil"
)

func TestSSHProxyDialerDialContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn1 := testutil.StartEchoTCPServer(t, ctx)
	echoLn2 := testutil.StartEchoTCPServer(t, ctx)
	srv := testutil.StartSSHForwardServer(t, ctx, "user", "pass")

	cfg := Config{
		DialTimeout:        2 * time.Second,
		NegotiationTimeout: 2 * time.Second,
		SSHKnownHostsPath:  filepath.Join(t.TempDir(), "known_hosts"),
	}
	d, err := NewSSHProxyDialer(cfg, srv.Addr().String(), "user", "pass")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	c1, err := d.DialContext(ctx, "tcp", echoLn1.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c1, c1, []byte("hello"))
	_ = c1.Close()

	c2, err := d.DialContext(ctx, "tcp", echoLn2.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	testutil.AssertEcho(t, c2, c2, []byte("hello2"))

	if n := srv.Handshakes.Load(); n != 1 {
		t.Fatalf("handshakes = %d, want one shared transport", n)
	}
}

func TestSSHProxyDialerReconnects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	srv := testutil.StartSSHForwardServer(t, ctx, "user", "pass")

	d, err := NewSSHProxyDialer(Config{NegotiationTimeout: 2 * time.Second}, srv.Addr().String(), "user", "pass")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	c1, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	_ = c1.Close()

	// Kill the shared transport behind the dialer's back.
	d.mu.Lock()
	_ = d.client.Close()
	d.mu.Unlock()

	c2, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	testutil.AssertEcho(t, c2, c2, []byte("again"))

	if n := srv.Handshakes.Load(); n != 2 {
		t.Fatalf("handshakes = %d, want 2", n)
	}
}

func TestSSHProxyDialerBadPassword(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := testutil.StartSSHForwardServer(t, ctx, "user", "pass")

	d, err := NewSSHProxyDialer(Config{NegotiationTimeout: 2 * time.Second}, srv.Addr().String(), "user", "nope")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected auth error")
	}
}
