// Package dialer provides the outbound dialing strategies behind the event
// loop's connect facility.
//
// Dialers implement a small interface (DialContext) and reach the requested
// host either directly or via an upstream proxy (HTTP CONNECT, SOCKS5, or
// SSH). They block, so callers run them off the event loop.
package dialer
