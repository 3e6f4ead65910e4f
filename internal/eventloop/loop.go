// Package eventloop runs readiness callbacks for many connections on a
// single goroutine.
//
// Blocking waits happen on helper goroutines: each registration owns a
// watcher that blocks until its handle is ready, hands the callback to the
// loop, and waits for it to return before waiting again. Callbacks and posted
// functions therefore never run concurrently with each other, and state they
// share needs no locking.
package eventloop

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/die-net/loopproxy/internal/dialer"
)

// Handle is anything that can block until it is readable or writable.
// conn.Transport implements it.
type Handle interface {
	WaitReadable(ctx context.Context) error
	WaitWritable(ctx context.Context) error
}

// ErrStopped is returned by Run when called twice.
var ErrStopped = errors.New("event loop stopped")

type mode uint8

const (
	modeRead mode = iota
	modeWrite
)

type watch struct {
	cb     func()
	cancel context.CancelFunc
}

// Loop is a single-goroutine callback dispatcher.
//
// Register, Unregister, Interest and Connect must be called from the loop
// goroutine, i.e. from a callback or a function passed to Post. Post and
// AfterFunc are safe from any goroutine.
type Loop struct {
	dialer dialer.Dialer

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []func()
	stopped bool
	running bool
	wake    chan struct{}

	watches [2]map[Handle]*watch
	wg      sync.WaitGroup
	done    chan struct{}
}

// New returns a Loop that opens upstream connections with d.
func New(d dialer.Dialer) *Loop {
	base, cancel := context.WithCancel(context.Background())
	return &Loop{
		dialer:  d,
		base:    base,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		watches: [2]map[Handle]*watch{make(map[Handle]*watch), make(map[Handle]*watch)},
	}
}

// Run dispatches posted functions and readiness callbacks until ctx is done
// or Stop is called. On return every watcher has exited and further posts are
// dropped.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running || l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.running = true
	l.mu.Unlock()

	stop := context.AfterFunc(ctx, l.Stop)
	defer stop()

	for {
		select {
		case <-l.wake:
		case <-l.base.Done():
			l.shutdown()
			close(l.done)
			return ctx.Err()
		}

		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

// Stop makes Run return. Pending posted functions are not run.
func (l *Loop) Stop() {
	l.cancel()
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()

	for _, ws := range l.watches {
		for h, w := range ws {
			w.cancel()
			delete(ws, h)
		}
	}
	l.wg.Wait()
}

// Done is closed once Run has returned. Functions posted but not yet run by
// then never run.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post schedules fn to run on the loop goroutine. It never blocks and
// reports false if the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// AfterFunc posts fn to the loop after d. The returned function cancels the
// timer; it reports false if fn was already posted.
func (l *Loop) AfterFunc(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, func() {
		l.Post(fn)
	})
	return t.Stop
}

// RegisterRead calls cb on the loop each time h becomes readable, until
// UnregisterRead. Registering again replaces the callback.
func (l *Loop) RegisterRead(h Handle, cb func()) {
	l.register(modeRead, h, cb)
}

// RegisterWrite calls cb on the loop each time h becomes writable, until
// UnregisterWrite. Registering again replaces the callback.
func (l *Loop) RegisterWrite(h Handle, cb func()) {
	l.register(modeWrite, h, cb)
}

// UnregisterRead drops read interest in h. A callback already queued for h
// does not run.
func (l *Loop) UnregisterRead(h Handle) {
	l.unregister(modeRead, h)
}

// UnregisterWrite drops write interest in h.
func (l *Loop) UnregisterWrite(h Handle) {
	l.unregister(modeWrite, h)
}

// Interest reports the current registrations for h.
func (l *Loop) Interest(h Handle) (read, write bool) {
	_, read = l.watches[modeRead][h]
	_, write = l.watches[modeWrite][h]
	return read, write
}

func (l *Loop) register(m mode, h Handle, cb func()) {
	if w, ok := l.watches[m][h]; ok {
		w.cb = cb
		return
	}
	if l.base.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(l.base)
	w := &watch{cb: cb, cancel: cancel}
	l.watches[m][h] = w

	wait := h.WaitReadable
	if m == modeWrite {
		wait = h.WaitWritable
	}

	l.wg.Add(1)
	go l.watch(ctx, m, h, w, wait)
}

func (l *Loop) unregister(m mode, h Handle) {
	if w, ok := l.watches[m][h]; ok {
		w.cancel()
		delete(l.watches[m], h)
	}
}

func (l *Loop) watch(ctx context.Context, m mode, h Handle, w *watch, wait func(context.Context) error) {
	defer l.wg.Done()

	for ctx.Err() == nil {
		err := wait(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			// Another watcher on the same descriptor is being cancelled.
			time.Sleep(time.Millisecond)
			continue
		}

		done := make(chan struct{})
		posted := l.Post(func() {
			defer close(done)
			if l.watches[m][h] == w {
				w.cb()
			}
		})
		if !posted {
			return
		}

		select {
		case <-done:
		case <-l.base.Done():
			return
		}
	}
}

// Connect dials address off the loop and posts cb with the result. If the
// loop stops first, a successful connection is closed and cb never runs.
func (l *Loop) Connect(ctx context.Context, network, address string, cb func(net.Conn, error)) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(l.base, cancel)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer stop()
		defer cancel()

		c, err := l.dialer.DialContext(ctx, network, address)
		if !l.Post(func() { cb(c, err) }) && c != nil {
			_ = c.Close()
		}
	}()
}
