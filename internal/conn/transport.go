package conn

import (
	"context"
	"errors"
	"net"
)

// ErrWouldBlock is returned by non-blocking transport operations that cannot
// make progress right now.
var ErrWouldBlock = errors.New("operation would block")

// Transport is a non-blocking view of one connection endpoint.
//
// TryRead and TryWrite never block. WaitReadable and WaitWritable block until
// the next TryRead or TryWrite is likely to make progress, an error is
// pending, or ctx is done. Readiness may be spurious, in which case the Try
// call returns ErrWouldBlock.
type Transport interface {
	// TryRead reads into p. It returns io.EOF once the peer has closed its
	// write side and all data has been consumed.
	TryRead(p []byte) (int, error)
	// TryWrite writes a prefix of p and returns its length.
	TryWrite(p []byte) (int, error)
	WaitReadable(ctx context.Context) error
	WaitWritable(ctx context.Context) error
	// CloseWrite shuts down the write side once already accepted bytes are
	// sent. Transports that cannot half-close return an error.
	CloseWrite() error
	Close() error
	RemoteAddr() net.Addr
}

// NewTransport wraps c. Connections backed by a socket descriptor use the
// runtime poller directly; anything else (TLS, SSH channels, in-memory
// pipes) is adapted with a pair of pump goroutines.
func NewTransport(c net.Conn) Transport {
	if t, ok := newFDTransport(c); ok {
		return t
	}
	return newStreamTransport(c)
}

type closeWriter interface {
	CloseWrite() error
}

var errCloseWriteUnsupported = errors.New("half-close not supported")
