package conn

import (
	"bytes"
	"errors"
	"io"
	"net"
)

// ReadStatus classifies the outcome of a non-blocking read. End of stream and
// failure are separate outcomes so callers can treat EOF as a normal close.
type ReadStatus uint8

const (
	// ReadData means n > 0 bytes were read.
	ReadData ReadStatus = iota
	// ReadAgain means readiness was spurious; wait for the next event.
	ReadAgain
	// ReadEOF means the peer closed its write side.
	ReadEOF
	// ReadError means the read failed; the error is returned alongside.
	ReadError
)

func (s ReadStatus) String() string {
	switch s {
	case ReadData:
		return "data"
	case ReadAgain:
		return "again"
	case ReadEOF:
		return "eof"
	case ReadError:
		return "error"
	default:
		return "unknown"
	}
}

// Buffered pairs a Transport with an unbounded FIFO of bytes waiting to be
// written. Bytes leave the head of the queue only as the transport accepts
// them.
//
// A Buffered is not safe for concurrent use; the event loop owns it.
type Buffered struct {
	t      Transport
	out    bytes.Buffer
	closed bool
}

// NewBuffered wraps t.
func NewBuffered(t Transport) *Buffered {
	return &Buffered{t: t}
}

// Transport returns the wrapped transport, which doubles as the handle used
// for readiness registration.
func (b *Buffered) Transport() Transport {
	return b.t
}

// RemoteAddr returns the peer address.
func (b *Buffered) RemoteAddr() net.Addr {
	return b.t.RemoteAddr()
}

// Queue appends p to the pending output.
func (b *Buffered) Queue(p []byte) {
	b.out.Write(p)
}

// Pending returns the number of queued bytes not yet accepted by the
// transport.
func (b *Buffered) Pending() int {
	return b.out.Len()
}

// Flush makes one non-blocking attempt to write the pending output and drops
// exactly the accepted prefix. A transport that would block leaves the queue
// untouched and is not an error.
func (b *Buffered) Flush() (int, error) {
	if b.closed {
		return 0, net.ErrClosed
	}
	if b.out.Len() == 0 {
		return 0, nil
	}
	n, err := b.t.TryWrite(b.out.Bytes())
	if n > 0 {
		b.out.Next(n)
	}
	if errors.Is(err, ErrWouldBlock) {
		err = nil
	}
	return max(n, 0), err
}

// Read makes one non-blocking read into p.
func (b *Buffered) Read(p []byte) (int, ReadStatus, error) {
	if b.closed {
		return 0, ReadError, net.ErrClosed
	}
	n, err := b.t.TryRead(p)
	switch {
	case n > 0:
		return n, ReadData, nil
	case errors.Is(err, ErrWouldBlock):
		return 0, ReadAgain, nil
	case err == nil:
		return 0, ReadAgain, nil
	case errors.Is(err, io.EOF):
		return 0, ReadEOF, nil
	default:
		return 0, ReadError, err
	}
}

// CloseWrite half-closes the transport. It is a no-op once closed.
func (b *Buffered) CloseWrite() error {
	if b.closed {
		return nil
	}
	return b.t.CloseWrite()
}

// Close releases the transport and discards pending output. Calling Close
// more than once is a no-op.
func (b *Buffered) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.out.Reset()
	return b.t.Close()
}

// Closed reports whether Close has been called.
func (b *Buffered) Closed() bool {
	return b.closed
}
