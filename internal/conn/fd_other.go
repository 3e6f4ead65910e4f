//go:build !unix

package conn

import "net"

func newFDTransport(_ net.Conn) (Transport, bool) {
	return nil, false
}
