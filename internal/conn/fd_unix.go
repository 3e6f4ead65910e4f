//go:build unix

package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// aLongTimeAgo is a deadline that has already passed, used to wake a
// goroutine blocked in the poller.
var aLongTimeAgo = time.Unix(1, 0)

// fdTransport drives a socket descriptor with raw non-blocking syscalls.
// The runtime keeps the descriptor in non-blocking mode and registered with
// its poller, so RawConn.Read/Write give edge notifications for free.
type fdTransport struct {
	conn net.Conn
	rc   syscall.RawConn
}

func newFDTransport(c net.Conn) (Transport, bool) {
	switch c.(type) {
	case *net.TCPConn, *net.UnixConn:
	default:
		return nil, false
	}
	rc, err := c.(syscall.Conn).SyscallConn()
	if err != nil {
		return nil, false
	}
	return &fdTransport{conn: c, rc: rc}, true
}

func (t *fdTransport) TryRead(p []byte) (int, error) {
	var (
		n     int
		opErr error
	)
	err := t.rc.Read(func(fd uintptr) bool {
		n, opErr = unix.Read(int(fd), p)
		return true
	})
	if err != nil {
		return 0, pollErr(err)
	}
	switch {
	case opErr == unix.EAGAIN || opErr == unix.EINTR:
		return 0, ErrWouldBlock
	case opErr != nil:
		return 0, os.NewSyscallError("read", opErr)
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	}
	return n, nil
}

func (t *fdTransport) TryWrite(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var (
		n     int
		opErr error
	)
	err := t.rc.Write(func(fd uintptr) bool {
		n, opErr = unix.Write(int(fd), p)
		return true
	})
	if err != nil {
		return 0, pollErr(err)
	}
	switch {
	case opErr == unix.EAGAIN || opErr == unix.EINTR:
		return 0, ErrWouldBlock
	case opErr != nil:
		return 0, os.NewSyscallError("write", opErr)
	}
	return n, nil
}

// pollErr maps a deadline left over from a cancelled wait to a retry.
func pollErr(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrWouldBlock
	}
	return err
}

func (t *fdTransport) WaitReadable(ctx context.Context) error {
	return t.wait(ctx, t.conn.SetReadDeadline, t.rc.Read, unix.POLLIN)
}

func (t *fdTransport) WaitWritable(ctx context.Context) error {
	return t.wait(ctx, t.conn.SetWriteDeadline, t.rc.Write, unix.POLLOUT)
}

func (t *fdTransport) wait(ctx context.Context, setDeadline func(time.Time) error, raw func(func(uintptr) bool) error, events int16) error {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = setDeadline(aLongTimeAgo)
		close(fired)
	})

	err := raw(func(fd uintptr) bool {
		return ready(fd, events)
	})

	if !stop() {
		<-fired
		_ = setDeadline(time.Time{})
		return ctx.Err()
	}
	return err
}

// ready probes fd without blocking. Errors and hangups count as ready so the
// following read or write reports them.
func ready(fd uintptr, events int16) bool {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}} //nolint:gosec // Descriptors fit in int32.
	n, err := unix.Poll(fds, 0)
	if err != nil {
		return err != unix.EINTR
	}
	return n > 0
}

func (t *fdTransport) CloseWrite() error {
	if cw, ok := t.conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return errCloseWriteUnsupported
}

func (t *fdTransport) Close() error {
	return t.conn.Close()
}

func (t *fdTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
