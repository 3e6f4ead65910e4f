package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/loopproxy/internal/dialer"
	"github.com/die-net/loopproxy/internal/eventloop"
	"github.com/die-net/loopproxy/internal/httphead"
	"github.com/die-net/loopproxy/internal/metrics"
	"github.com/die-net/loopproxy/internal/testutil"
)

type harness struct {
	srv     *Server
	loop    *eventloop.Loop
	metrics *metrics.Metrics
	addr    string
	closed  chan *Session
}

func startProxy(t *testing.T, cfg Config) *harness {
	t.Helper()

	loop := eventloop.New(dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}))
	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	h := &harness{
		loop:    loop,
		metrics: metrics.New(),
		closed:  make(chan *Session, 16),
	}
	h.srv = NewServer(cfg, loop, zerolog.Nop(), h.metrics)
	h.srv.OnClose = func(s *Session) { h.closed <- s }

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	h.addr = ln.Addr().String()

	serveDone := make(chan error, 1)
	go func() { serveDone <- h.srv.Serve(ln) }()

	t.Cleanup(func() {
		if err := h.srv.Close(); err != nil {
			t.Error(err)
		}
		if err := <-serveDone; err != nil {
			t.Errorf("Serve() = %v", err)
		}
		cancel()
		<-loopDone
	})
	return h
}

func (h *harness) dial(t *testing.T) *net.TCPConn {
	t.Helper()

	c, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	return c.(*net.TCPConn)
}

func (h *harness) waitClosed(t *testing.T) *Session {
	t.Helper()

	select {
	case s := <-h.closed:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
		return nil
	}
}

// onLoop runs fn on the loop goroutine and waits for it.
func (h *harness) onLoop(t *testing.T, fn func()) {
	t.Helper()

	done := make(chan struct{})
	if !h.loop.Post(func() { fn(); close(done) }) {
		t.Fatal("loop stopped")
	}
	<-done
}

func readTunnelResponse(t *testing.T, r io.Reader, agent string) {
	t.Helper()

	want := tunnelResponse(agent)
	got := make([]byte, len(want))
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Fatalf("tunnel response = %q, want %q", got, want)
	}
}

func closedAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestForwardRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan *http.Request, 1)
	origin, waitOrigin := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		received <- req
		_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	})
	defer waitOrigin()

	h := startProxy(t, Config{})
	c := h.dial(t)

	_, err := io.WriteString(c, "GET http://"+origin.Addr().String()+"/path?q=1 HTTP/1.1\r\n"+
		"Host: "+origin.Addr().String()+"\r\n"+
		"Proxy-Connection: keep-alive\r\n"+
		"Connection: keep-alive\r\n"+
		"Accept: */*\r\n\r\n")
	if err != nil {
		t.Fatal(err)
	}

	resp, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(resp), "HTTP/1.1 200 OK\r\n") || !strings.HasSuffix(string(resp), "ok") {
		t.Fatalf("response = %q", resp)
	}

	req := <-received
	if req.URL.String() != "/path?q=1" {
		t.Errorf("origin saw target %q, want origin-form", req.URL.String())
	}
	if got := req.Header.Get("Connection"); got != "Close" {
		t.Errorf("Connection = %q, want Close", got)
	}
	if _, ok := req.Header["Proxy-Connection"]; ok {
		t.Error("Proxy-Connection was forwarded")
	}
	if got := req.Header.Get("Accept"); got != "*/*" {
		t.Errorf("Accept = %q", got)
	}

	_ = c.Close()
	s := h.waitClosed(t)
	if s.Request().Method != "GET" {
		t.Errorf("Request().Method = %q", s.Request().Method)
	}
}

func TestConnectTunnel(t *testing.T) {
	tests := []struct {
		name  string
		agent string
	}{
		{name: "with agent", agent: "loopproxy"},
		{name: "without agent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			echo := testutil.StartEchoTCPServer(t, ctx)

			h := startProxy(t, Config{ProxyAgent: tt.agent})
			c := h.dial(t)

			if _, err := io.WriteString(c, "CONNECT "+echo.Addr().String()+" HTTP/1.1\r\n\r\n"); err != nil {
				t.Fatal(err)
			}
			readTunnelResponse(t, c, tt.agent)
			testutil.AssertEcho(t, c, c, []byte("hello through the tunnel"))

			// Write interest is dropped once the output queues drain.
			h.onLoop(t, func() {
				for _, s := range h.srv.sessions {
					if s.State() != StateRelaying {
						t.Errorf("state = %v, want relaying", s.State())
					}
					for _, l := range []*leg{s.client, s.server} {
						if r, w := h.loop.Interest(l.handle()); !r || w {
							t.Errorf("%v interest = read %v write %v, want read only", l.side, r, w)
						}
					}
				}
			})

			_ = c.Close()
			s := h.waitClosed(t)
			if s.Err() != nil {
				t.Errorf("Err() = %v", s.Err())
			}
			if n := h.srv.Sessions(); n != 0 {
				t.Errorf("Sessions() = %d after close", n)
			}
		})
	}
}

func TestConnectForwardsPipelinedBytes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	echo := testutil.StartEchoTCPServer(t, ctx)

	h := startProxy(t, Config{})
	c := h.dial(t)

	if _, err := io.WriteString(c, "CONNECT "+echo.Addr().String()+" HTTP/1.1\r\n\r\nearly bytes"); err != nil {
		t.Fatal(err)
	}
	readTunnelResponse(t, c, "")

	got := make([]byte, len("early bytes"))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "early bytes" {
		t.Fatalf("echoed %q", got)
	}
}

func TestConnectFailureClosesSilently(t *testing.T) {
	h := startProxy(t, Config{})
	c := h.dial(t)

	target := closedAddr(t)
	if _, err := io.WriteString(c, "CONNECT "+target+" HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	got, err := io.ReadAll(c)
	if err != nil && !errors.Is(err, io.EOF) {
		var opErr *net.OpError
		if !errors.As(err, &opErr) {
			t.Fatal(err)
		}
	}
	if len(got) != 0 {
		t.Fatalf("client received %q, want nothing", got)
	}

	s := h.waitClosed(t)
	var cerr *UpstreamConnectError
	if !errors.As(s.Err(), &cerr) {
		t.Fatalf("Err() = %v, want UpstreamConnectError", s.Err())
	}
	host, port, _ := net.SplitHostPort(target)
	if cerr.Host != host || cerr.Port != port {
		t.Errorf("error names %s:%s, want %s", cerr.Host, cerr.Port, target)
	}
	if cerr.Cause == nil {
		t.Error("missing cause")
	}
}

func TestMalformedRequestClosesSilently(t *testing.T) {
	tests := []struct {
		name string
		head string
	}{
		{name: "two tokens", head: "GET /\r\n\r\n"},
		{name: "header without colon", head: "GET http://example.com/ HTTP/1.1\r\nbogus\r\n\r\n"},
		{name: "connect without port", head: "CONNECT example.com HTTP/1.1\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startProxy(t, Config{})
			c := h.dial(t)

			if _, err := io.WriteString(c, tt.head); err != nil {
				t.Fatal(err)
			}
			got, _ := io.ReadAll(c)
			if len(got) != 0 {
				t.Fatalf("client received %q, want nothing", got)
			}

			s := h.waitClosed(t)
			var merr *MalformedRequestError
			if !errors.As(s.Err(), &merr) {
				t.Fatalf("Err() = %v, want MalformedRequestError", s.Err())
			}
			if !errors.Is(s.Err(), httphead.ErrMalformed) {
				t.Errorf("Err() does not wrap ErrMalformed: %v", s.Err())
			}
		})
	}
}

func TestClientHalfCloseStillReceivesReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gotRequest := make(chan string, 1)
	origin, waitOrigin := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		// The client's EOF must arrive before the reply is sent.
		b, err := io.ReadAll(c)
		if err != nil {
			return
		}
		gotRequest <- string(b)
		_, _ = io.WriteString(c, "late reply")
	})
	defer waitOrigin()

	h := startProxy(t, Config{})
	c := h.dial(t)

	if _, err := io.WriteString(c, "CONNECT "+origin.Addr().String()+" HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(c)
	readTunnelResponse(t, br, "")

	if _, err := io.WriteString(c, "ping"); err != nil {
		t.Fatal(err)
	}
	if err := c.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	reply, err := io.ReadAll(br)
	if err != nil {
		t.Fatal(err)
	}
	if string(reply) != "late reply" {
		t.Fatalf("reply = %q", reply)
	}
	if req := <-gotRequest; req != "ping" {
		t.Fatalf("origin received %q", req)
	}

	s := h.waitClosed(t)
	if s.Err() != nil {
		t.Errorf("Err() = %v", s.Err())
	}
}

func TestNegotiationTimeout(t *testing.T) {
	h := startProxy(t, Config{NegotiationTimeout: 50 * time.Millisecond})
	c := h.dial(t)

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("client received %q", got)
	}

	s := h.waitClosed(t)
	if s.Request() != nil {
		t.Error("request parsed from a silent client")
	}
}

func TestClientEOFBeforeRequest(t *testing.T) {
	h := startProxy(t, Config{})
	c := h.dial(t)
	_ = c.CloseWrite()

	s := h.waitClosed(t)
	if s.Err() != nil {
		t.Errorf("Err() = %v, want clean close", s.Err())
	}
}

func TestServerCloseEndsSessions(t *testing.T) {
	h := startProxy(t, Config{})
	c := h.dial(t)

	// Wait until the session is registered on the loop.
	deadline := time.Now().Add(5 * time.Second)
	for registered := 0; registered == 0; {
		if time.Now().After(deadline) {
			t.Fatal("session never started")
		}
		time.Sleep(5 * time.Millisecond)
		h.onLoop(t, func() { registered = len(h.srv.sessions) })
	}

	if err := h.srv.Close(); err != nil {
		t.Fatal(err)
	}
	h.waitClosed(t)

	if _, err := io.ReadAll(c); err != nil {
		t.Fatal(err)
	}
	if n := h.srv.Sessions(); n != 0 {
		t.Fatalf("Sessions() = %d", n)
	}
}
