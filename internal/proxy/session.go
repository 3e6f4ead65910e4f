package proxy

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/die-net/loopproxy/internal/conn"
	"github.com/die-net/loopproxy/internal/eventloop"
	"github.com/die-net/loopproxy/internal/httphead"
	"github.com/die-net/loopproxy/internal/metrics"
)

// State is a Session's position in its lifecycle.
type State uint8

const (
	StateAwaitingRequest State = iota
	StateConnecting
	StateTunnelEstablished
	StateForwarding
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingRequest:
		return "awaiting-request"
	case StateConnecting:
		return "connecting"
	case StateTunnelEstablished:
		return "tunnel-established"
	case StateForwarding:
		return "forwarding"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	forwardDeleteHeaders = []string{"proxy-connection", "connection"}
	forwardAddHeaders    = []httphead.Header{{Name: "Connection", Value: "Close"}}
)

func tunnelResponse(agent string) []byte {
	b := []byte("HTTP/1.1 200 Connection Established\r\n")
	if agent != "" {
		b = append(b, "Proxy-agent: "+agent+"\r\n"...)
	}
	return append(b, "\r\n"...)
}

// leg is one side of a session.
type leg struct {
	side Side
	b    *conn.Buffered

	reading bool // read interest registered
	writing bool // write interest registered

	// readDone: nothing more will be read from this leg.
	readDone bool
	// shut: nothing more will be written to this leg.
	shut bool
}

func (l *leg) handle() conn.Transport {
	return l.b.Transport()
}

// Session carries one client connection from its request head to the end of
// the relay. Every method runs on the event loop goroutine.
type Session struct {
	id    string
	srv   *Server
	log   zerolog.Logger
	state State
	req   *httphead.Request
	err   error

	client *leg
	server *leg
	buf    []byte

	stopTimer  func() bool
	cancelDial context.CancelFunc

	opened   time.Time
	up, down int64
}

func newSession(srv *Server, c net.Conn) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		srv:    srv,
		log:    srv.log.With().Str("session", id).Str("client", c.RemoteAddr().String()).Logger(),
		client: &leg{side: SideClient, b: conn.NewBuffered(conn.NewTransport(c))},
		opened: time.Now(),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return s.state
}

// Request returns the parsed request head, or nil before one was parsed.
func (s *Session) Request() *httphead.Request {
	return s.req
}

// Err returns the first error that ended the session or one of its legs:
// a *MalformedRequestError, *UpstreamConnectError or *RelayIOError. A
// session that ended by both sides closing cleanly has no error.
func (s *Session) Err() error {
	return s.err
}

func (s *Session) loop() *eventloop.Loop {
	return s.srv.loop
}

func (s *Session) start() {
	s.state = StateAwaitingRequest
	s.client.reading = true
	s.loop().RegisterRead(s.client.handle(), s.onRequest)
	if d := s.srv.cfg.NegotiationTimeout; d > 0 {
		s.stopTimer = s.loop().AfterFunc(d, s.onNegotiationTimeout)
	}
}

func (s *Session) onNegotiationTimeout() {
	if s.state != StateAwaitingRequest {
		return
	}
	s.log.Debug().Msg("no request before negotiation timeout")
	s.close()
}

// onRequest performs the one read that must hold the request head.
func (s *Session) onRequest() {
	head := make([]byte, s.srv.cfg.ReadSize)
	n, status, err := s.client.b.Read(head)
	switch status {
	case conn.ReadAgain:
		return
	case conn.ReadEOF:
		s.log.Debug().Msg("client closed before sending a request")
		s.close()
		return
	case conn.ReadError:
		s.relayError(s.client, "read", err)
		s.close()
		return
	}

	s.unwatchRead(s.client)
	if s.stopTimer != nil {
		s.stopTimer()
	}

	req, err := httphead.Parse(head[:n])
	if err != nil {
		s.setErr(&MalformedRequestError{Err: err})
		s.srv.metrics.MalformedRequests.Inc()
		s.log.Warn().Err(err).Int("bytes", n).Msg("malformed request")
		s.close()
		return
	}
	s.req = req
	s.srv.metrics.SessionsTotal.WithLabelValues(metrics.NormalizeMethod(req.Method)).Inc()
	s.log.Info().Str("method", req.Method).Str("target", req.Target).Msg("request parsed")

	s.connect()
}

func (s *Session) connect() {
	s.state = StateConnecting

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelDial = cancel
	began := time.Now()
	s.loop().Connect(ctx, "tcp", s.req.Addr(), func(c net.Conn, err error) {
		cancel()
		s.srv.metrics.ObserveConnect(time.Since(began), err)
		s.onConnect(c, err)
	})
}

func (s *Session) onConnect(c net.Conn, err error) {
	if s.state != StateConnecting {
		if c != nil {
			_ = c.Close()
		}
		return
	}
	if err != nil {
		s.setErr(&UpstreamConnectError{Host: s.req.Hostname, Port: s.req.Port, Cause: err})
		s.log.Warn().Str("host", s.req.Hostname).Str("port", s.req.Port).Err(err).Msg("connect failed")
		s.close()
		return
	}

	s.server = &leg{side: SideServer, b: conn.NewBuffered(conn.NewTransport(c))}

	if s.req.IsConnect() {
		s.state = StateTunnelEstablished
		s.client.b.Queue(tunnelResponse(s.srv.cfg.ProxyAgent))
		if len(s.req.Body) > 0 {
			// Bytes the client pipelined behind the CONNECT head.
			s.server.b.Queue(s.req.Body)
			s.count(s.client, len(s.req.Body))
		}
	} else {
		s.state = StateForwarding
		s.server.b.Queue(s.req.Build(forwardDeleteHeaders, forwardAddHeaders))
	}

	s.relay()
}

func (s *Session) relay() {
	s.state = StateRelaying
	s.buf = make([]byte, s.srv.cfg.ReadSize)
	s.watchRead(s.client)
	s.watchRead(s.server)
	s.settle()
}

func (s *Session) peer(l *leg) *leg {
	if l == s.client {
		return s.server
	}
	return s.client
}

func (s *Session) onReadable(from *leg) {
	n, status, err := from.b.Read(s.buf)
	switch status {
	case conn.ReadAgain:
		return
	case conn.ReadData:
		if to := s.peer(from); !to.b.Closed() {
			to.b.Queue(s.buf[:n])
			s.count(from, n)
		}
	case conn.ReadEOF:
		s.log.Debug().Stringer("side", from.side).Msg("read EOF")
		from.readDone = true
		s.unwatchRead(from)
	case conn.ReadError:
		s.relayError(from, "read", err)
	}
	s.settle()
}

func (s *Session) onWritable(l *leg) {
	if _, err := l.b.Flush(); err != nil {
		s.relayError(l, "write", err)
	}
	s.settle()
}

// settle brings interest registrations and half-closes in line with what
// each leg can still do, and closes the session once both legs are gone.
func (s *Session) settle() {
	for changed := true; changed; {
		changed = false
		for _, l := range []*leg{s.client, s.server} {
			if l.b.Closed() {
				continue
			}
			peer := s.peer(l)

			if !l.readDone && peer.b.Closed() {
				// Nowhere left to deliver what l sends.
				l.readDone = true
				s.unwatchRead(l)
				changed = true
			}

			s.updateWrite(l)

			if !l.shut && l.b.Pending() == 0 && peer.readDone {
				l.shut = true
				if err := l.b.CloseWrite(); err != nil {
					s.log.Debug().Stringer("side", l.side).Err(err).Msg("half-close failed")
				}
				changed = true
			}

			if l.readDone && l.shut {
				s.release(l)
				changed = true
			}
		}
	}

	if s.client.b.Closed() && s.server.b.Closed() {
		s.close()
	}
}

func (s *Session) watchRead(l *leg) {
	l.reading = true
	s.loop().RegisterRead(l.handle(), func() { s.onReadable(l) })
}

func (s *Session) unwatchRead(l *leg) {
	if l.reading {
		l.reading = false
		s.loop().UnregisterRead(l.handle())
	}
}

// updateWrite keeps write interest on l exactly while it has pending output.
func (s *Session) updateWrite(l *leg) {
	switch pending := l.b.Pending() > 0; {
	case pending && !l.writing:
		l.writing = true
		s.loop().RegisterWrite(l.handle(), func() { s.onWritable(l) })
	case !pending && l.writing:
		l.writing = false
		s.loop().UnregisterWrite(l.handle())
	}
}

func (s *Session) relayError(l *leg, op string, err error) {
	s.setErr(&RelayIOError{Side: l.side, Op: op, Err: err})
	s.srv.metrics.RelayErrors.WithLabelValues(l.side.String(), op).Inc()
	s.log.Debug().Stringer("side", l.side).Str("op", op).Err(err).Msg("relay I/O error")
	s.release(l)
}

// release drops all interest in l and closes it.
func (s *Session) release(l *leg) {
	s.unwatchRead(l)
	if l.writing {
		l.writing = false
		s.loop().UnregisterWrite(l.handle())
	}
	l.readDone = true
	l.shut = true
	_ = l.b.Close()
}

func (s *Session) count(from *leg, n int) {
	if from.side == SideClient {
		s.up += int64(n)
		s.srv.metrics.RelayedBytes.WithLabelValues(metrics.Upstream).Add(float64(n))
		return
	}
	s.down += int64(n)
	s.srv.metrics.RelayedBytes.WithLabelValues(metrics.Downstream).Add(float64(n))
}

func (s *Session) setErr(err error) {
	if s.err == nil {
		s.err = err
	}
}

// close releases both legs and unregisters the session. It is idempotent.
func (s *Session) close() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed

	if s.stopTimer != nil {
		s.stopTimer()
	}
	if s.cancelDial != nil {
		s.cancelDial()
	}
	s.release(s.client)
	if s.server != nil {
		s.release(s.server)
	}

	s.log.Debug().
		Int64("bytes_up", s.up).
		Int64("bytes_down", s.down).
		Dur("duration", time.Since(s.opened)).
		AnErr("error", s.err).
		Msg("session closed")

	s.srv.remove(s)
}
