package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// streamWindow bounds how many bytes a streamTransport holds in each
	// direction, playing the role of a kernel socket buffer.
	streamWindow = 64 << 10

	streamReadSize = 32 << 10

	// streamLinger bounds how long Close keeps flushing accepted bytes.
	streamLinger = 10 * time.Second
)

// streamTransport adapts a blocking net.Conn into a Transport. A reader
// goroutine pulls data into a bounded buffer and a writer goroutine drains
// bytes accepted by TryWrite, so the caller sees non-blocking partial
// reads and writes.
type streamTransport struct {
	conn net.Conn

	mu            sync.Mutex
	rbuf          []byte
	rerr          error
	wbuf          []byte
	werr          error
	shutdownWrite bool
	closing       bool

	readable chan struct{}
	drained  chan struct{}
	writable chan struct{}
	kick     chan struct{}
	done     chan struct{}

	closeOnce sync.Once
}

func newStreamTransport(c net.Conn) *streamTransport {
	t := &streamTransport{
		conn:     c,
		readable: make(chan struct{}, 1),
		drained:  make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go t.readLoop()
	go t.writeLoop()
	return t
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (t *streamTransport) readLoop() {
	buf := make([]byte, streamReadSize)
	for {
		n, err := t.conn.Read(buf)

		t.mu.Lock()
		t.rbuf = append(t.rbuf, buf[:n]...)
		if err != nil {
			t.rerr = err
		}
		full := len(t.rbuf) >= streamWindow
		t.mu.Unlock()
		notify(t.readable)

		if err != nil {
			return
		}
		for full {
			select {
			case <-t.drained:
			case <-t.done:
				return
			}
			t.mu.Lock()
			full = len(t.rbuf) >= streamWindow
			t.mu.Unlock()
		}
	}
}

func (t *streamTransport) writeLoop() {
	for {
		select {
		case <-t.kick:
		case <-t.done:
			return
		}

		for {
			t.mu.Lock()
			out := t.wbuf
			t.wbuf = nil
			shutdown := t.shutdownWrite
			closing := t.closing
			failed := t.werr != nil
			t.mu.Unlock()

			if len(out) > 0 && !failed {
				_, err := t.conn.Write(out)
				t.mu.Lock()
				if err != nil && t.werr == nil {
					t.werr = err
				}
				t.mu.Unlock()
				notify(t.writable)
				continue
			}

			if closing {
				_ = t.conn.Close()
				close(t.done)
				return
			}
			if shutdown {
				t.mu.Lock()
				t.shutdownWrite = false
				t.mu.Unlock()
				if cw, ok := t.conn.(closeWriter); ok {
					_ = cw.CloseWrite()
				}
			}
			break
		}
	}
}

func (t *streamTransport) TryRead(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing {
		return 0, net.ErrClosed
	}
	if len(t.rbuf) > 0 {
		wasFull := len(t.rbuf) >= streamWindow
		n := copy(p, t.rbuf)
		t.rbuf = t.rbuf[n:]
		if len(t.rbuf) == 0 {
			t.rbuf = nil
		}
		if wasFull && len(t.rbuf) < streamWindow {
			notify(t.drained)
		}
		return n, nil
	}
	if t.rerr != nil {
		if errors.Is(t.rerr, io.EOF) {
			return 0, io.EOF
		}
		return 0, t.rerr
	}
	return 0, ErrWouldBlock
}

func (t *streamTransport) TryWrite(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing {
		return 0, net.ErrClosed
	}
	if t.werr != nil {
		return 0, t.werr
	}
	space := streamWindow - len(t.wbuf)
	if space <= 0 {
		return 0, ErrWouldBlock
	}
	n := min(space, len(p))
	t.wbuf = append(t.wbuf, p[:n]...)
	notify(t.kick)
	return n, nil
}

func (t *streamTransport) WaitReadable(ctx context.Context) error {
	return t.waitFor(ctx, t.readable, func() bool {
		return len(t.rbuf) > 0 || t.rerr != nil
	})
}

func (t *streamTransport) WaitWritable(ctx context.Context) error {
	return t.waitFor(ctx, t.writable, func() bool {
		return len(t.wbuf) < streamWindow || t.werr != nil
	})
}

func (t *streamTransport) waitFor(ctx context.Context, wake chan struct{}, ready func() bool) error {
	for {
		t.mu.Lock()
		ok, closing := ready(), t.closing
		t.mu.Unlock()
		if closing {
			return net.ErrClosed
		}
		if ok {
			return nil
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return net.ErrClosed
		}
	}
}

func (t *streamTransport) CloseWrite() error {
	if _, ok := t.conn.(closeWriter); !ok {
		return errCloseWriteUnsupported
	}
	t.mu.Lock()
	t.shutdownWrite = true
	t.mu.Unlock()
	notify(t.kick)
	return nil
}

// Close returns immediately. Bytes already accepted by TryWrite are still
// sent, for at most streamLinger, before the connection is closed.
func (t *streamTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		t.mu.Unlock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(streamLinger))
		notify(t.kick)
	})
	return nil
}

func (t *streamTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
