package proxy

import (
	"fmt"
	"net"
)

// Side names one leg of a session.
type Side uint8

const (
	SideClient Side = iota
	SideServer
)

func (s Side) String() string {
	if s == SideClient {
		return "client"
	}
	return "server"
}

// MalformedRequestError reports a request head that failed to parse.
type MalformedRequestError struct {
	Err error
}

func (e *MalformedRequestError) Error() string {
	return "malformed request: " + e.Err.Error()
}

func (e *MalformedRequestError) Unwrap() error {
	return e.Err
}

// UpstreamConnectError reports a failed dial to the requested host.
type UpstreamConnectError struct {
	Host  string
	Port  string
	Cause error
}

func (e *UpstreamConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", net.JoinHostPort(e.Host, e.Port), e.Cause)
}

func (e *UpstreamConnectError) Unwrap() error {
	return e.Cause
}

// RelayIOError reports a read or write failure on one leg. It ends that leg
// only.
type RelayIOError struct {
	Side Side
	Op   string
	Err  error
}

func (e *RelayIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Side, e.Op, e.Err)
}

func (e *RelayIOError) Unwrap() error {
	return e.Err
}
