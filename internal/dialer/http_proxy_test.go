package dialer

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/die-net/loopproxy/internal/testutil"
)

func mustHTTPProxyDialer(t *testing.T, addr, user, pass string) *HTTPProxyDialer {
	t.Helper()

	f, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second},
		&url.URL{Scheme: "http", Host: addr}, user, pass)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestHTTPProxyDialerDialSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	gotAuth := make(chan string, 1)
	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil || req.Method != http.MethodConnect {
			return
		}
		gotAuth <- req.Header.Get("Proxy-Authorization")

		dst, err := net.Dial("tcp", req.Host)
		if err != nil {
			_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return
		}
		defer dst.Close()

		_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")
		go func() {
			_, _ = io.Copy(dst, br)
			_ = dst.Close()
		}()
		_, _ = io.Copy(c, dst)
	})
	defer waitUp()

	f := mustHTTPProxyDialer(t, upLn.Addr().String(), "user", "pass")
	conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if auth := <-gotAuth; auth != "Basic dXNlcjpwYXNz" {
		t.Errorf("Proxy-Authorization = %q", auth)
	}
	testutil.AssertEcho(t, conn, conn, []byte("hello"))
}

func TestHTTPProxyDialerKeepsEarlyBytes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
			return
		}
		// Response head and the origin's greeting arrive in one segment.
		_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\n\r\nSSH-2.0-banner\r\n")
	})
	defer waitUp()

	f := mustHTTPProxyDialer(t, upLn.Addr().String(), "", "")
	conn, err := f.DialContext(ctx, "tcp", "origin.example:22")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "SSH-2.0-banner\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestHTTPProxyDialerDialNon2xx(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
			return
		}
		_, _ = io.WriteString(c, "HTTP/1.1 403 Forbidden\r\n\r\n")
	})
	defer waitUp()

	f := mustHTTPProxyDialer(t, upLn.Addr().String(), "", "")
	if _, err := f.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewHTTPProxyDialerRejectsScheme(t *testing.T) {
	if _, err := NewHTTPProxyDialer(Config{}, &url.URL{Scheme: "socks5", Host: "x:1"}, "", ""); err == nil {
		t.Fatal("expected error")
	}
}
