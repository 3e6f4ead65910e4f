package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/die-net/loopproxy/internal/eventloop"
	"github.com/die-net/loopproxy/internal/metrics"
)

// Server accepts client connections and runs a Session for each on loop.
type Server struct {
	cfg     Config
	loop    *eventloop.Loop
	log     zerolog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	// OnClose, if set, is called on the loop goroutine after each session
	// closes. Set it before Serve.
	OnClose func(*Session)

	sessions map[string]*Session // loop goroutine only
	active   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
}

// NewServer returns a Server whose sessions run on loop, which the caller
// runs separately.
func NewServer(cfg Config, loop *eventloop.Loop, logger zerolog.Logger, m *metrics.Metrics) *Server {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:       cfg,
		loop:      loop,
		log:       logger,
		metrics:   m,
		sessions:  make(map[string]*Session),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
	}
	if cfg.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(cfg.AcceptRate, cfg.AcceptBurst)
	}
	return s
}

// Serve accepts connections on ln until ln fails or Close is called. After
// Close it returns nil.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
	}()

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return nil
			}
		}

		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.accept(c)
	}
}

func (s *Server) accept(c net.Conn) {
	sess := newSession(s, c)
	s.active.Add(1)
	s.metrics.SessionsActive.Inc()

	posted := s.loop.Post(func() {
		s.sessions[sess.id] = sess
		sess.start()
	})
	if !posted {
		_ = sess.client.b.Close()
		s.active.Add(-1)
		s.metrics.SessionsActive.Dec()
	}
}

// remove runs on the loop once sess has closed.
func (s *Server) remove(sess *Session) {
	if _, ok := s.sessions[sess.id]; !ok {
		return
	}
	delete(s.sessions, sess.id)
	s.active.Add(-1)
	s.metrics.SessionsActive.Dec()
	if s.OnClose != nil {
		s.OnClose(sess)
	}
}

// Sessions returns the number of accepted connections not yet closed.
func (s *Server) Sessions() int {
	return int(s.active.Load())
}

// Close stops every Serve call and closes all live sessions.
func (s *Server) Close() error {
	s.mu.Lock()
	s.cancel()
	var errs []error
	for ln := range s.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	closeAll := func() {
		defer close(done)
		for _, sess := range s.sessions {
			sess.close()
		}
	}
	if !s.loop.Post(closeAll) {
		// The loop has stopped; nothing else touches session state.
		closeAll()
	}
	select {
	case <-done:
	case <-s.loop.Done():
	}

	return errors.Join(errs...)
}
